// Package outbox delivers committed domain events to Kafka and manages the
// dead-letter queue for events that could not be published.
package outbox

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/fractalgoals/internal/events"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Message is one claimed outbox row. Field order matches claimQuery.
type Message struct {
	EventID       int64
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

const claimQuery = `WITH next AS (
        SELECT event_id FROM outbox
        WHERE published_at IS NULL
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    )
    UPDATE outbox o SET claimed_at = NOW()
    FROM next
    WHERE o.event_id = next.event_id
    RETURNING o.event_id, o.tenant_id, o.aggregate_type, o.aggregate_id, o.event_type, o.topic, o.schema_subject, o.partition_key, o.payload`

// TopicFailure is a topic whose batch could not be published.
type TopicFailure struct {
	Topic    string
	Messages []Message
	Err      error
}

// DeliveryError collects the topics that failed during one delivery pass.
// Topics not listed were published.
type DeliveryError struct {
	Failures []TopicFailure
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("topic %s: %v", f.Topic, f.Err))
	}
	return strings.Join(parts, "; ")
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the dispatcher logger.
func WithDispatcherLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher polls the outbox table and publishes claimed rows to Kafka,
// framed with the schema id of their subject.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	dlq          *DLQWriter
	pollInterval time.Duration
	batchSize    int
	schemaIDs    sync.Map
	logger       *log.Logger
	done         chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		dlq:          NewDLQWriter(pool),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       log.New(log.Writer(), "[outbox] ", log.LstdFlags),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the polling loop until ctx is cancelled. Call it in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("dispatcher error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the polling loop has exited.
func (d *Dispatcher) Wait() {
	<-d.done
}

// processBatch claims one batch, publishes it and marks every claimed row as
// published. Rows of failed topics are parked in the DLQ first.
func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.claim(ctx)
	if err != nil || len(messages) == 0 {
		return err
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	delivered := len(messages)
	var deliveryErr *DeliveryError
	if err := d.deliver(ctx, messages); errors.As(err, &deliveryErr) {
		for _, failure := range deliveryErr.Failures {
			d.logger.Printf("parking %d events for topic %s: %v", len(failure.Messages), failure.Topic, failure.Err)
			delivered -= len(failure.Messages)
			failedCounter.Add(float64(len(failure.Messages)))

			reason := fmt.Sprintf("%v (topic=%s)", failure.Err, failure.Topic)
			if err := d.dlq.Park(ctx, reason, failure.Messages...); err != nil {
				return err
			}
			dlqCounter.WithLabelValues(failure.Topic).Add(float64(len(failure.Messages)))
		}
	} else if err != nil {
		return err
	}

	deliveredCounter.Add(float64(delivered))
	return d.markPublished(ctx, messages)
}

func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	rows, err := d.pool.Query(ctx, claimQuery, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	messages, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	slices.SortFunc(messages, func(a, b Message) int { return cmp.Compare(a.EventID, b.EventID) })
	return messages, nil
}

// deliver publishes messages one topic at a time, in order of first
// appearance. A failing topic does not stop the others.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	var failures []TopicFailure
	for _, group := range groupByTopic(messages) {
		if err := d.publishTopic(ctx, group[0].Topic, group); err != nil {
			failures = append(failures, TopicFailure{Topic: group[0].Topic, Messages: group, Err: err})
		}
	}
	if len(failures) > 0 {
		return &DeliveryError{Failures: failures}
	}
	return nil
}

func (d *Dispatcher) publishTopic(ctx context.Context, topic string, group []Message) error {
	records := make([]kafka.Message, 0, len(group))
	for _, msg := range group {
		entry, ok := schemaCatalog[msg.EventType]
		if !ok {
			return fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
		}
		schemaID, err := d.schemaID(ctx, msg.SchemaSubject, entry.Schema)
		if err != nil {
			return err
		}
		records = append(records, kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: encodeWireFormat(schemaID, msg.Payload),
			Time:  time.Now().UTC(),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "tenant_id", Value: []byte(msg.TenantID)},
				{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
			},
		})
	}
	return d.producer.WriteMessages(ctx, topic, records...)
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	key := subject + "::" + schema
	if cached, ok := d.schemaIDs.Load(key); ok {
		return cached.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDs.Store(key, id)
	return id, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	byTenant := make(map[string][]int64)
	for _, msg := range messages {
		byTenant[msg.TenantID] = append(byTenant[msg.TenantID], msg.EventID)
	}

	for tenantID, ids := range byTenant {
		err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			batch.Queue("SELECT set_config('app.tenant_id', $1, true)", tenantID)
			batch.Queue(`UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
			return tx.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return fmt.Errorf("mark published for tenant %s: %w", tenantID, err)
		}
	}
	return nil
}

func groupByTopic(messages []Message) [][]Message {
	index := make(map[string]int)
	var groups [][]Message
	for _, msg := range messages {
		i, ok := index[msg.Topic]
		if !ok {
			i = len(groups)
			index[msg.Topic] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], msg)
	}
	return groups
}

// SchemaCatalogEntry maps an event type to its JSON schema.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypeSessionTimingChanged:  {Schema: timingChangedSchema},
	events.TypeInstanceTimingChanged: {Schema: timingChangedSchema},
	events.TypeGoalSmartEvaluated:    {Schema: smartEvaluatedSchema},
}

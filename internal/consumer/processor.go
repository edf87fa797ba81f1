// Package consumer turns goal change events from Kafka into SMART
// re-evaluations.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/fractalgoals/internal/outbox"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a decoded Kafka record. SchemaID is zero when the producer did
// not use schema registry framing.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	EventType string
	TenantID  string
	SchemaID  int
	Payload   json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader  Reader
	handler Handler
	logger  *log.Logger
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  log.New(log.Writer(), "[consumer] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes messages until the context is cancelled. Undecodable records
// are committed and skipped; records whose handler fails stay uncommitted so
// the group redelivers them.
func (p *Processor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		raw, err := p.reader.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		event, ok := p.process(ctx, raw)
		if !ok {
			continue
		}
		if err := p.reader.CommitMessages(ctx, raw); err != nil {
			p.logger.Printf("commit %s/%d@%d: %v", raw.Topic, raw.Partition, raw.Offset, err)
			continue
		}
		if event != nil {
			recordProcessed(*event)
		}
	}
	return ctx.Err()
}

// process decodes and handles raw. It reports whether the offset should be
// committed; event is nil when the record was skipped as undecodable.
func (p *Processor) process(ctx context.Context, raw kafka.Message) (event *Message, commit bool) {
	decoded, err := decodeMessage(raw)
	if err != nil {
		p.logger.Printf("skipping %s/%d@%d: %v", raw.Topic, raw.Partition, raw.Offset, err)
		recordDecodeError(raw.Topic)
		return nil, true
	}
	if err := p.handler.Handle(ctx, decoded); err != nil {
		p.logger.Printf("handler error (event_type=%s, tenant=%s, offset=%d): %v", decoded.EventType, decoded.TenantID, decoded.Offset, err)
		recordHandlerError(decoded)
		return nil, false
	}
	return &decoded, true
}

func decodeMessage(raw kafka.Message) (Message, error) {
	headers := make(map[string]string, len(raw.Headers))
	for _, h := range raw.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] == "" {
		return Message{}, errors.New("missing event_type header")
	}

	msg := Message{
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Timestamp: raw.Time,
		EventType: headers["event_type"],
		TenantID:  headers["tenant_id"],
	}

	payload := raw.Value
	if len(payload) > 0 && payload[0] == 0 {
		id, body, err := outbox.DecodeWireFormat(payload)
		if err != nil {
			return Message{}, err
		}
		msg.SchemaID, payload = id, body
	}
	if !json.Valid(payload) {
		return Message{}, fmt.Errorf("payload is not valid JSON (%d bytes)", len(payload))
	}
	msg.Payload = append(json.RawMessage(nil), payload...)
	return msg, nil
}

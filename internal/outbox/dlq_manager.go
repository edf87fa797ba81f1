package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxBackoff = time.Hour

// DLQManagerOption configures a DLQManager.
type DLQManagerOption func(*DLQManager)

// WithDLQLogger overrides the manager logger.
func WithDLQLogger(logger *log.Logger) DLQManagerOption {
	return func(m *DLQManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDLQClock overrides the clock used to schedule retries.
func WithDLQClock(now func() time.Time) DLQManagerOption {
	return func(m *DLQManager) {
		if now != nil {
			m.now = now
		}
	}
}

// DLQManager re-queues failed outbox events and quarantines the ones that
// keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
	now        func() time.Time
}

// RunResult summarises one RunOnce pass.
type RunResult struct {
	Requeued    int
	Rescheduled int
	Quarantined int
	Backlog     int
}

// NewDLQManager constructs a DLQManager. Non-positive retry settings fall back
// to five retries and a one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, opts ...DLQManagerOption) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	m := &DLQManager{
		pool:       pool,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     log.New(log.Writer(), "[dlq] ", log.LstdFlags),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce processes up to batchSize due entries. Per-entry failures are joined
// into the returned error and do not stop the pass.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (RunResult, error) {
	const query = `SELECT dlq_id, tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= $1)
                   ORDER BY created_at, dlq_id
                   LIMIT $2`

	var result RunResult
	rows, err := m.pool.Query(ctx, query, m.now().UTC(), batchSize)
	if err != nil {
		return result, err
	}
	entries, err := pgx.CollectRows(rows, scanDLQEntry)
	if err != nil {
		return result, err
	}

	var joined error
	for _, entry := range entries {
		outcome, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			joined = errors.Join(joined, fmt.Errorf("dlq entry %d: %w", entry.ID, procErr))
			continue
		}
		switch outcome {
		case outcomeRequeued:
			result.Requeued++
			recordDLQOutcome(dlqRequeuedCounter, entry)
		case outcomeRescheduled:
			result.Rescheduled++
			recordDLQOutcome(dlqRetryCounter, entry)
		case outcomeQuarantined:
			result.Quarantined++
			recordDLQOutcome(dlqQuarantinedCounter, entry)
			m.logger.Printf("quarantined dlq entry %d (%s %s) after %d retries", entry.ID, entry.EventType, entry.AggregateID, entry.RetryCount)
		}
	}

	backlog, err := updateBacklogGauge(ctx, m.pool)
	if err != nil {
		joined = errors.Join(joined, err)
	}
	result.Backlog = backlog
	return result, joined
}

type entryOutcome int

const (
	outcomeRequeued entryOutcome = iota
	outcomeRescheduled
	outcomeQuarantined
)

func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (entryOutcome, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", entry.TenantID); err != nil {
		return 0, err
	}

	if entry.RetryCount >= m.maxRetries {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_dlq SET quarantined_at = $1, quarantine_reason = $2 WHERE dlq_id = $3`,
			m.now().UTC(), "retry limit reached", entry.ID,
		); err != nil {
			return 0, err
		}
		return outcomeQuarantined, tx.Commit(ctx)
	}

	// The requeue runs under a savepoint so a failed insert still lets the
	// retry bookkeeping commit.
	if requeueErr := requeueOutbox(ctx, tx, entry); requeueErr != nil {
		now := m.now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_dlq
               SET retry_count = retry_count + 1,
                   last_attempt_at = $1,
                   next_retry_at = $2,
                   reason = $3
             WHERE dlq_id = $4`,
			now, now.Add(m.backoffDelay(entry.RetryCount+1)), requeueErr.Error(), entry.ID,
		); err != nil {
			return 0, err
		}
		return outcomeRescheduled, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return 0, err
	}
	return outcomeRequeued, tx.Commit(ctx)
}

// backoffDelay doubles the base delay per attempt, capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	nested, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer nested.Rollback(ctx)

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                   VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := nested.Exec(ctx, stmt,
		entry.TenantID,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	); err != nil {
		return err
	}
	return nested.Commit(ctx)
}

type dlqEntry struct {
	ID            int64
	TenantID      string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(row pgx.CollectableRow) (dlqEntry, error) {
	var entry dlqEntry
	err := row.Scan(&entry.ID, &entry.TenantID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason,
		&entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount)
	return entry, err
}

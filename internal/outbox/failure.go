package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertDLQ = `INSERT INTO outbox_dlq
    (tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`

// DLQWriter parks undeliverable outbox rows in outbox_dlq so the DLQ manager
// can retry them later.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter initialises a writer backed by the provided connection pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Park records msgs with reason. Rows of one tenant are written in a single
// transaction scoped to that tenant.
func (w *DLQWriter) Park(ctx context.Context, reason string, msgs ...Message) error {
	byTenant := make(map[string][]Message)
	for _, msg := range msgs {
		byTenant[msg.TenantID] = append(byTenant[msg.TenantID], msg)
	}

	for tenantID, tenantMsgs := range byTenant {
		err := pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			batch.Queue("SELECT set_config('app.tenant_id', $1, true)", tenantID)
			for _, msg := range tenantMsgs {
				batch.Queue(insertDLQ, msg.TenantID, msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason,
					msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey)
			}
			return tx.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return fmt.Errorf("park %d events for tenant %s: %w", len(tenantMsgs), tenantID, err)
		}
	}
	return nil
}

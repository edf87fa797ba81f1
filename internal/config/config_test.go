package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"STORE_DRIVER", "KAFKA_BROKERS", "OUTBOX_BATCH_SIZE", "DLQ_BASE_DELAY", "CONSUMER_TOPICS"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 25, cfg.OutboxBatchSize)
	require.Equal(t, time.Minute, cfg.DLQBaseDelay)
	require.Equal(t, []string{"goal_changes"}, cfg.ConsumerTopics)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("OUTBOX_BATCH_SIZE", "100")
	t.Setenv("DLQ_MAX_RETRIES", "not-a-number")
	t.Setenv("HTTP_TIMEOUT", "3s")
	t.Setenv("CONSUMER_TOPICS", "goal_changes,goal_associations")

	cfg := Load()
	require.Equal(t, DriverSQLite, cfg.StoreDriver)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 100, cfg.OutboxBatchSize)
	require.Equal(t, 5, cfg.DLQMaxRetries, "unparsable values fall back")
	require.Equal(t, 3*time.Second, cfg.HTTPTimeout)
	require.Equal(t, []string{"goal_changes", "goal_associations"}, cfg.ConsumerTopics)
}

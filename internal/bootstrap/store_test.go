package bootstrap

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/fractalgoals/internal/config"
	"example.com/fractalgoals/internal/persistence/sqlite"
)

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()

	backend, err := OpenStore(ctx, config.Config{StoreDriver: config.DriverMemory})
	require.NoError(t, err)
	require.Nil(t, backend.Pool)
	backend.Close()

	_, err = OpenStore(ctx, config.Config{StoreDriver: "mongo"})
	require.ErrorContains(t, err, `unknown STORE_DRIVER "mongo"`)
}

func TestSQLiteBackendServesService(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{StoreDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "goals.db")}

	backend, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	defer backend.Close()

	store, ok := backend.Store.(*sqlite.Store)
	require.True(t, ok)
	require.NoError(t, store.Import(ctx, sqlite.Fixture{
		Tenant: "owner-1",
		Goals: []sqlite.FixtureGoal{
			{ID: "U", Level: "UltimateGoal", Name: "Write a novel"},
			{ID: "L", Parent: "U", Level: "LongTermGoal", Name: "First draft"},
		},
	}))

	svc, err := NewService(cfg, backend, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	ids, err := svc.Descendants(ctx, "owner-1", "U")
	require.NoError(t, err)
	require.Equal(t, []string{"L"}, ids)
}

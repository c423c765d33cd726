package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestPostgresContract(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("stepflow_test"),
		postgres.WithUsername("stepflow"),
		postgres.WithPassword("stepflow"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	runContract(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(ctx, dsn, PostgresOptions{MaxOpenConns: 4})
		require.NoError(t, err)
		resetPostgres(t, s)
		require.NoError(t, s.Migrate(ctx))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func resetPostgres(t *testing.T, s *PostgresStore) {
	t.Helper()
	for _, table := range []string{"tickets", "emails", "execution_logs", "jobs", "step_records", "executions", "workflow_definitions", "schema_version"} {
		_, err := s.DB().Exec("DROP TABLE IF EXISTS " + table + " CASCADE")
		require.NoError(t, err)
	}
}

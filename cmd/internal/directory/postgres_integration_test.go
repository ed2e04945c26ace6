package directory

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Integration tests are enabled when COURIER_TEST_DATABASE_URL is set.
// Each test migrates into a throwaway schema.

func TestPostgresDirectory(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runDirectorySuite(t, func(t *testing.T) Directory {
		schema := "courier_it_" + strings.ToLower(ids.MustULID(time.Now()))
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })

		st, err := NewPostgres(pool, WithSchema(schema))
		require.NoError(t, err)
		require.NoError(t, st.Migrate(testCtx(t)))
		return st
	})
}

func TestPostgresMigrate_Idempotent(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "courier_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgres(pool, WithSchema(schema))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(testCtx(t)))
	require.NoError(t, st.Migrate(testCtx(t)))
	require.NoError(t, st.Ping(testCtx(t)))
}

func TestWithSchema_RejectsInvalidIdent(t *testing.T) {
	t.Parallel()

	for _, schema := range []string{"", "  ", "1abc", `x"; DROP`, "a-b"} {
		opt := WithSchema(schema)
		require.Error(t, opt(&Postgres{}), schema)
	}
	require.NoError(t, WithSchema("courier_2")(&Postgres{}))
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("COURIER_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse COURIER_TEST_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

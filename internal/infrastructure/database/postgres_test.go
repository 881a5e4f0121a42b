package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrguard-lab/internal/config"
)

func TestPoolConfig(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:            "db.internal",
		Port:            5432,
		User:            "qr",
		Password:        "secret",
		DBName:          "qrguard",
		SSLMode:         "disable",
		Schema:          "public",
		MaxOpenConns:    12,
		MaxIdleConns:    3,
		ConnMaxLifetime: 30 * time.Minute,
	}

	pc, err := PoolConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, int32(12), pc.MaxConns)
	assert.Equal(t, int32(3), pc.MinConns)
	assert.Equal(t, 30*time.Minute, pc.MaxConnLifetime)
	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, "qrguard", pc.ConnConfig.Database)
	assert.Equal(t, "qr", pc.ConnConfig.User)
}

func TestPoolConfig_KeepsDriverDefaults(t *testing.T) {
	pc, err := PoolConfig(config.DatabaseConfig{
		Host: "localhost", Port: 5432, User: "u", DBName: "d", SSLMode: "disable", Schema: "public",
	})
	require.NoError(t, err)
	assert.Positive(t, pc.MaxConns)
}

func TestPoolConfig_InvalidDSN(t *testing.T) {
	_, err := PoolConfig(config.DatabaseConfig{Host: "h", Port: -1, SSLMode: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse database config")
}

type execRecorder struct {
	stmts  []string
	failAt int
}

func (e *execRecorder) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	e.stmts = append(e.stmts, sql)
	if len(e.stmts) == e.failAt {
		return pgconn.CommandTag{}, errors.New("permission denied for schema public")
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (e *execRecorder) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (e *execRecorder) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestApplySchema(t *testing.T) {
	rec := &execRecorder{}
	require.NoError(t, ApplySchema(context.Background(), rec, "CREATE TABLE a ()", "CREATE INDEX b ON a ()"))
	assert.Equal(t, []string{"CREATE TABLE a ()", "CREATE INDEX b ON a ()"}, rec.stmts)

	rec = &execRecorder{failAt: 2}
	err := ApplySchema(context.Background(), rec, "one", "two", "three")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate statement 2")
	assert.Contains(t, err.Error(), "permission denied")
	assert.Len(t, rec.stmts, 2)
}

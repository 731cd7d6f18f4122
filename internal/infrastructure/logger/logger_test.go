package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestNew(t *testing.T) {
	t.Run("writes json to a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		log, err := New(&Config{Level: "debug", Format: "json", Output: path})
		require.NoError(t, err)

		log.Info("cycle started", zap.String("account_id", "acct-1"))
		require.NoError(t, log.Sync())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"cycle started"`)
		assert.Contains(t, string(data), `"account_id":"acct-1"`)
	})

	t.Run("fails for an unwritable file", func(t *testing.T) {
		_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "app.log")})
		assert.Error(t, err)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("nonsense"))
}

func TestContextHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	assert.NotNil(t, FromContext(context.Background()))

	ctx, _ := WithRequestID(context.Background(), base, "req-42")
	ctx, enriched := WithAccountID(ctx, FromContext(ctx), "acct-9")

	assert.Equal(t, "req-42", GetRequestID(ctx))
	assert.Equal(t, "acct-9", GetAccountID(ctx))
	assert.Same(t, enriched, FromContext(ctx))

	FromContext(ctx).Info("hello")
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "acct-9", fields["account_id"])
}

func TestWithTraceContext_NoSpan(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, WithTraceContext(context.Background(), base))
}

func TestGormLogger_Trace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(zap.New(core), gormlogger.Warn, WithSlowThreshold(time.Millisecond))
	ctx, _ := WithAccountID(context.Background(), zap.NewNop(), "acct-1")
	sql := func() (string, int64) { return `INSERT INTO "account_events"`, 0 }
	uniqueErr := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

	t.Run("unique violations are not errors", func(t *testing.T) {
		gl.Trace(ctx, time.Now(), sql, uniqueErr)
		assert.Zero(t, logs.Len())

		gl.LogMode(gormlogger.Info).Trace(ctx, time.Now(), sql, fmt.Errorf("insert: %w", uniqueErr))
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
		assert.Equal(t, "acct-1", entries[0].ContextMap()["account_id"])
	})

	t.Run("record not found is skipped", func(t *testing.T) {
		gl.Trace(ctx, time.Now(), sql, gormlogger.ErrRecordNotFound)
		assert.Zero(t, logs.Len())
	})

	t.Run("other errors are logged", func(t *testing.T) {
		gl.Trace(ctx, time.Now(), sql, errors.New("connection reset"))
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
		assert.Equal(t, "connection reset", entries[0].ContextMap()["error"])
	})

	t.Run("slow queries warn", func(t *testing.T) {
		gl.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	})

	t.Run("fast queries are quiet below info", func(t *testing.T) {
		NewGormLogger(zap.New(core), gormlogger.Warn).Trace(ctx, time.Now(), sql, nil)
		assert.Zero(t, logs.Len())
	})

	t.Run("long statements are truncated", func(t *testing.T) {
		long := func() (string, int64) { return strings.Repeat("x", 100), 1 }
		NewGormLogger(zap.New(core), gormlogger.Info, WithMaxSQLLength(10)).Trace(ctx, time.Now(), long, nil)
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, "xxxxxxxxxx...(truncated)", entries[0].ContextMap()["sql"])
	})

	t.Run("silent mode logs nothing", func(t *testing.T) {
		gl.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), sql, errors.New("boom"))
		assert.Zero(t, logs.Len())
	})
}

func TestMapGormLogLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, MapGormLogLevel("silent"))
	assert.Equal(t, gormlogger.Info, MapGormLogLevel("debug"))
	assert.Equal(t, gormlogger.Warn, MapGormLogLevel(""))
}

package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/licensepool/internal/auditcontext"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := auditcontext.WithActor(context.Background(), "user", "u_1")
	ctx = auditcontext.WithRequestID(ctx, "req-9")
	ctx = auditcontext.WithBatchID(ctx, "batch-1")

	WithContext(ctx, base).Info("granted")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-9" {
		t.Fatalf("expected request_id, got %v", fields["request_id"])
	}
	if fields["actor_type"] != "USER" || fields["actor_id"] != "u_1" {
		t.Fatalf("unexpected actor fields %v", fields)
	}
	if fields["batch_id"] != "batch-1" {
		t.Fatalf("expected batch_id, got %v", fields["batch_id"])
	}
	if _, ok := fields["trace_id"]; ok {
		t.Fatalf("trace_id must be omitted without a span")
	}
	if _, ok := fields["tenant_id"]; ok {
		t.Fatalf("empty tenant_id must be omitted")
	}
}

func TestOperationFromSQL(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{sql: "SELECT * FROM license_pools", want: "SELECT"},
		{sql: "  update license_pools SET quantity_assigned = 1", want: "UPDATE"},
		{sql: "WITH counted AS (SELECT 1) DELETE FROM license_assignments", want: "SELECT"},
		{sql: "", want: "UNKNOWN"},
		{sql: "PRAGMA busy_timeout = 5000", want: "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := operationFromSQL(tc.sql); got != tc.want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", tc.sql, got, tc.want)
		}
	}
}

func TestDescribeSQL(t *testing.T) {
	stmt := describeSQL(`SELECT * FROM "license_pools" WHERE id = $1 FOR UPDATE`)
	if stmt.operation != "SELECT" || stmt.table != "license_pools" || !stmt.locking {
		t.Fatalf("unexpected statement %+v", stmt)
	}

	stmt = describeSQL("INSERT INTO `license_assignments` (`id`) VALUES (?)")
	if stmt.operation != "INSERT" || stmt.table != "license_assignments" || stmt.locking {
		t.Fatalf("unexpected statement %+v", stmt)
	}
}

func TestGormTraceDowngradesExpectedErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	duplicate := errors.New("duplicate key value violates unique constraint")

	gl := NewGormLogger(zap.New(core), GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: time.Hour,
		ExpectedError: func(err error) bool { return errors.Is(err, duplicate) },
	})
	query := func() (string, int64) {
		return "INSERT INTO license_assignments (id) VALUES (1)", 0
	}

	gl.Trace(context.Background(), time.Now(), query, duplicate)
	gl.Trace(context.Background(), time.Now(), query, errors.New("connection reset"))
	gl.Trace(context.Background(), time.Now(), query, gormlogger.ErrRecordNotFound)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Fatalf("expected unique violation at debug, got %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("expected unexpected error at error, got %s", entries[1].Level)
	}
	if entries[1].ContextMap()["table"] != "license_assignments" {
		t.Fatalf("expected table field, got %v", entries[1].ContextMap())
	}
}

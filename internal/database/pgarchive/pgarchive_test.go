package pgarchive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callnotify/internal/database"
	"github.com/flowpbx/callnotify/internal/database/models"
)

func TestBuildWhere(t *testing.T) {
	where, args := buildWhere(database.CallRecordListFilter{})
	if where != "TRUE" || len(args) != 0 {
		t.Errorf("empty filter = %q %v", where, args)
	}

	where, args = buildWhere(database.CallRecordListFilter{EndReason: "timeout", Search: "ada"})
	want := "TRUE AND end_reason = $1 AND (caller_name ILIKE $2 OR caller_id ILIKE $2)"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
	if len(args) != 2 || args[0] != "timeout" || args[1] != "%ada%" {
		t.Errorf("args = %v", args)
	}
}

// TestStore_RoundTrip runs against a real server when CALLNOTIFY_TEST_PG_DSN
// is set.
func TestStore_RoundTrip(t *testing.T) {
	dsn := os.Getenv("CALLNOTIFY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CALLNOTIFY_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()

	callID := "test-" + uuid.NewString()
	start := time.Now().UTC().Truncate(time.Second)
	rec := &models.CallRecord{
		CallID:     callID,
		CallerName: "Ada",
		StartedAt:  start,
		EndedAt:    start.Add(10 * time.Second),
		EndReason:  "timeout",
	}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if rec.ID == 0 {
		t.Error("expected ID to be set")
	}
	if err := s.Create(ctx, &models.CallRecord{CallID: callID, StartedAt: start, EndedAt: start}); err != nil {
		t.Fatalf("duplicate Create() error: %v", err)
	}

	got, err := s.GetByCallID(ctx, callID)
	if err != nil || got == nil {
		t.Fatalf("GetByCallID() = %v, %v", got, err)
	}
	if got.CallerName != "Ada" || got.EndReason != "timeout" || got.ConnectedAt != nil {
		t.Errorf("record = %+v", got)
	}
}

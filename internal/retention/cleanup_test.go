package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) DeleteEndedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestPruneCutoff(t *testing.T) {
	p := &fakePruner{}
	now := time.Date(2026, 5, 20, 8, 30, 0, 0, time.UTC)

	n, err := Prune(context.Background(), p, 30, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deleted, got %d", n)
	}
	want := time.Date(2026, 4, 20, 8, 30, 0, 0, time.UTC)
	if len(p.cutoffs) != 1 || !p.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoffs, want)
	}
}

func TestPruneDisabled(t *testing.T) {
	p := &fakePruner{}
	if n, err := Prune(context.Background(), p, 0, time.Now()); n != 0 || err != nil {
		t.Errorf("Prune(0) = %d, %v", n, err)
	}
	if p.calls() != 0 {
		t.Error("expected no delete when retention is disabled")
	}
}

func TestPruneError(t *testing.T) {
	p := &fakePruner{err: errors.New("locked")}
	if _, err := Prune(context.Background(), p, 7, time.Now()); err == nil {
		t.Error("expected error to propagate")
	}
}

func TestCleanupTickerRunsUntilCancelled(t *testing.T) {
	p := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())

	StartCleanupTicker(ctx, p, 1, 5*time.Millisecond, slog.Default())

	deadline := time.Now().Add(2 * time.Second)
	for p.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup ticker never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}

func TestCleanupTickerDisabled(t *testing.T) {
	p := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartCleanupTicker(ctx, p, 0, time.Millisecond, slog.Default())
	time.Sleep(20 * time.Millisecond)
	if p.calls() != 0 {
		t.Error("expected no cleanup when retention is disabled")
	}
}

package platform

import (
	"sync"
	"testing"
	"time"
)

func TestStartLoop_RejectsEmptyPattern(t *testing.T) {
	for _, pattern := range [][]time.Duration{nil, {}, {0, 0}, {time.Millisecond, -1}} {
		if _, err := StartLoop(pattern, nil); err == nil {
			t.Errorf("pattern %v: expected error", pattern)
		}
	}
}

func TestLoopPlayer_RepeatsUntilStopped(t *testing.T) {
	var mu sync.Mutex
	var pulses []Pulse
	enough := make(chan struct{})

	p, err := StartLoop([]time.Duration{0, time.Millisecond, time.Millisecond}, func(pl Pulse) {
		mu.Lock()
		defer mu.Unlock()
		pulses = append(pulses, pl)
		if len(pulses) == 6 {
			close(enough)
		}
	})
	if err != nil {
		t.Fatalf("StartLoop() error: %v", err)
	}

	select {
	case <-enough:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not repeat")
	}
	p.Stop()

	mu.Lock()
	n := len(pulses)
	first, second := pulses[0], pulses[1]
	mu.Unlock()

	// The leading zero step is skipped, so the first pulse is "on".
	if !first.On || second.On {
		t.Errorf("pulse on/off = %v/%v, want true/false", first.On, second.On)
	}

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(pulses) != n {
		t.Errorf("pulses continued after Stop: %d -> %d", n, len(pulses))
	}
}

func TestLoopPlayer_StopIdempotent(t *testing.T) {
	p, err := StartLoop([]time.Duration{time.Hour}, nil)
	if err != nil {
		t.Fatalf("StartLoop() error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()

	select {
	case <-p.Done():
	default:
		t.Error("Done should be closed after Stop")
	}
}

package platform

import (
	"errors"
	"sync"
	"time"
)

// Pulse is one step of a running pattern.
type Pulse struct {
	Seq      int
	On       bool
	Duration time.Duration
}

// LoopPlayer steps through an off/on duration pattern on its own goroutine,
// repeating from the start, until stopped. Even indexes are "off" steps and
// odd indexes "on" steps. Zero-length steps are skipped.
type LoopPlayer struct {
	pattern []time.Duration
	sink    func(Pulse)

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// StartLoop validates pattern and starts playing it. sink is called for every
// non-zero step before the step's duration elapses.
func StartLoop(pattern []time.Duration, sink func(Pulse)) (*LoopPlayer, error) {
	var total time.Duration
	for _, d := range pattern {
		if d < 0 {
			return nil, errors.New("pattern contains a negative duration")
		}
		total += d
	}
	if total == 0 {
		return nil, errors.New("pattern has no non-zero step")
	}

	p := &LoopPlayer{
		pattern: append([]time.Duration(nil), pattern...),
		sink:    sink,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Stop halts the loop and waits for its goroutine to exit. It is safe to call
// more than once and from multiple goroutines.
func (p *LoopPlayer) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
}

// Done is closed once the loop has exited.
func (p *LoopPlayer) Done() <-chan struct{} {
	return p.done
}

func (p *LoopPlayer) run() {
	defer close(p.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	seq := 0
	for {
		for i, d := range p.pattern {
			if d == 0 {
				continue
			}
			select {
			case <-p.stopCh:
				return
			default:
			}

			if p.sink != nil {
				p.sink(Pulse{Seq: seq, On: i%2 == 1, Duration: d})
			}
			seq++

			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			select {
			case <-timer.C:
			case <-p.stopCh:
				return
			}
		}
	}
}

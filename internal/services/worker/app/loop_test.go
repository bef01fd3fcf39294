package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingTicker struct {
	calls    atomic.Int32
	deadline atomic.Bool
	err      error
}

func (c *countingTicker) Tick(ctx context.Context) (TickReport, error) {
	c.calls.Add(1)
	if _, ok := ctx.Deadline(); ok {
		c.deadline.Store(true)
	}
	return TickReport{}, c.err
}

func TestLoopTicksImmediatelyAndOnInterval(t *testing.T) {
	ticker := &countingTicker{err: errors.New("scan failed")}
	loop := NewLoop(ticker, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ticker.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := ticker.calls.Load(); got < 3 {
		t.Fatalf("ticks = %d, want at least 3", got)
	}
	if !ticker.deadline.Load() {
		t.Fatal("expected each tick to carry a deadline")
	}
}

func TestNewLoopDefaults(t *testing.T) {
	loop := NewLoop(&countingTicker{}, 0, 0)
	if loop.interval != defaultTickInterval {
		t.Fatalf("interval = %v, want %v", loop.interval, defaultTickInterval)
	}
	want := time.Duration(float64(defaultTickInterval) * tickTimeoutFraction)
	if loop.tickTimeout != want {
		t.Fatalf("tick timeout = %v, want %v", loop.tickTimeout, want)
	}

	loop = NewLoop(&countingTicker{}, time.Minute, 2*time.Minute)
	if loop.tickTimeout >= time.Minute {
		t.Fatalf("tick timeout = %v, want below interval", loop.tickTimeout)
	}
}

func TestNilLoopRun(t *testing.T) {
	var loop *Loop
	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("expected error for nil loop")
	}
}

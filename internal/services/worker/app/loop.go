package app

import (
	"context"
	"errors"
	"log"
	"time"
)

const (
	defaultTickInterval = 2 * time.Minute
	tickTimeoutFraction = 0.9
)

// Ticker runs one reconciliation pass.
type Ticker interface {
	Tick(ctx context.Context) (TickReport, error)
}

// Loop runs ticks on a fixed interval. Ticks never overlap within one
// process: a tick that outlasts the interval delays the next one.
type Loop struct {
	ticker      Ticker
	interval    time.Duration
	tickTimeout time.Duration
}

// NewLoop builds a loop. A zero tickTimeout bounds each tick to most of the
// interval.
func NewLoop(ticker Ticker, interval time.Duration, tickTimeout time.Duration) *Loop {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if tickTimeout <= 0 || tickTimeout > interval {
		tickTimeout = time.Duration(float64(interval) * tickTimeoutFraction)
	}
	return &Loop{ticker: ticker, interval: interval, tickTimeout: tickTimeout}
}

// Run ticks immediately and then on every interval until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil || l.ticker == nil {
		return errors.New("reconcile loop is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l.runOnce(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, l.tickTimeout)
	defer cancel()

	report, err := l.ticker.Tick(tickCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("reconcile tick failed: %v (%s)", err, report)
		return
	}
	if report.Found > 0 || report.Recovered > 0 {
		log.Printf("reconcile tick: %s", report)
	}
}

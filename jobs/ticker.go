package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ticker runs Task immediately on Start and then every Interval until Stop.
//
// USAGE:
//
//	t := jobs.NewTicker("reminders", time.Hour, engine.EnqueueReminders, log)
//	t.Start(ctx)
//	// ... later
//	t.Stop()
type Ticker struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	Task     func(ctx context.Context) error

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewTicker(name string, interval time.Duration, task func(ctx context.Context) error, log *zap.Logger) *Ticker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ticker{
		Name:     name,
		Interval: interval,
		Enabled:  true,
		Task:     task,
		log:      log.Named(name),
	}
}

// Start begins the loop. ctx is handed to every Task run; cancelling it
// aborts an in-flight run but does not stop the loop.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Enabled {
		t.log.Info("disabled, not starting")
		return
	}
	if t.ticker != nil {
		return
	}

	t.ticker = time.NewTicker(t.Interval)
	t.stop = make(chan struct{})
	t.wg.Add(1)

	go t.run(ctx)

	t.log.Info("started", zap.Duration("interval", t.Interval))
}

// Stop waits for an in-flight run to finish.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	t.wg.Wait()
	t.ticker = nil
	t.log.Info("stopped")
}

func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	t.runOnce(ctx)

	for {
		select {
		case <-t.ticker.C:
			t.runOnce(ctx)
		case <-t.stop:
			return
		}
	}
}

func (t *Ticker) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := t.Task(ctx); err != nil {
		t.log.Error("run failed", zap.Error(err))
	}
}

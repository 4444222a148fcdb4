package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrKeepRunning tells the worker to leave the job in running. Handlers
// return it (wrapped) when their durable work is committed but the final
// bookkeeping step failed; a later re-run of the job is safe.
var ErrKeepRunning = errors.New("job left running")

// Handler processes one decoded job.
//
// Contract:
//   - nil:            the worker marks the job completed (a no-op if the
//     handler already completed it inside its own transaction)
//   - ErrKeepRunning: logged, job stays running
//   - any other:      the worker marks the job failed with err as detail
type Handler func(ctx context.Context, job Job, payload Payload) error

// DecodeFailureHandler runs when a claimed job's payload cannot be decoded,
// before the worker marks the job failed. It gets the raw job so it can
// undo whatever state the enqueuer left waiting on the job.
type DecodeFailureHandler func(ctx context.Context, job Job, cause error)

// Worker polls the queue and dispatches claimed jobs to handlers by type.
type Worker struct {
	Queue     Queue
	Handlers  map[Type]Handler
	BatchSize int
	// OnDecodeFailure is keyed by job type; types without an entry are
	// only marked failed.
	OnDecodeFailure map[Type]DecodeFailureHandler
	// StuckAfter > 0 logs running jobs older than this on every cycle.
	StuckAfter time.Duration
	Now        func() time.Time

	log    *zap.Logger
	ticker *Ticker
}

func NewWorker(name string, q Queue, interval time.Duration, batch int, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		Queue:     q,
		Handlers:  make(map[Type]Handler),
		BatchSize: batch,
		Now:       time.Now,
		log:       log.Named(name),
	}
	w.ticker = NewTicker(name, interval, w.RunOnce, log)
	return w
}

// Handle registers h for jobs of type t.
func (w *Worker) Handle(t Type, h Handler) *Worker {
	w.Handlers[t] = h
	return w
}

// HandleDecodeFailure registers fn for undecodable jobs of type t.
func (w *Worker) HandleDecodeFailure(t Type, fn DecodeFailureHandler) *Worker {
	if w.OnDecodeFailure == nil {
		w.OnDecodeFailure = make(map[Type]DecodeFailureHandler)
	}
	w.OnDecodeFailure[t] = fn
	return w
}

func (w *Worker) Start(ctx context.Context) { w.ticker.Start(ctx) }
func (w *Worker) Stop()                     { w.ticker.Stop() }

// RunOnce claims and processes one batch per registered type.
func (w *Worker) RunOnce(ctx context.Context) error {
	var errs []error
	for t, h := range w.Handlers {
		if err := w.drain(ctx, t, h); err != nil {
			errs = append(errs, err)
		}
	}
	if w.StuckAfter > 0 {
		w.reportStuck(ctx)
	}
	return errors.Join(errs...)
}

// RunJob claims the queued job id and processes it synchronously, whatever
// its position in the queue. Other queued jobs are left alone.
func (w *Worker) RunJob(ctx context.Context, id string) error {
	job, ok, err := w.Queue.ClaimByID(ctx, id, w.Now())
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("job %s is not queued", id)
	}
	h, ok := w.Handlers[job.Type]
	if !ok {
		w.fail(ctx, w.log, job, fmt.Errorf("no handler for %s", job.Type))
		return fmt.Errorf("no handler for job type %s", job.Type)
	}
	w.process(ctx, job, h)
	return nil
}

func (w *Worker) drain(ctx context.Context, t Type, h Handler) error {
	claimed, err := w.Queue.Claim(ctx, t, w.BatchSize, w.Now())
	if err != nil {
		return fmt.Errorf("failed to claim %s jobs: %w", t, err)
	}
	if len(claimed) > 0 {
		w.log.Debug("claimed jobs", zap.String("job_type", string(t)), zap.Int("count", len(claimed)))
	}

	for _, job := range claimed {
		w.process(ctx, job, h)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, job Job, h Handler) {
	log := w.log.With(zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)))

	payload, err := Decode(job)
	if err != nil {
		log.Error("undecodable payload", zap.Error(err))
		if fn, ok := w.OnDecodeFailure[job.Type]; ok {
			fn(ctx, job, err)
		}
		w.fail(ctx, log, job, err)
		return
	}

	err = h(ctx, job, payload)
	switch {
	case err == nil:
		if _, err := w.Queue.Complete(ctx, job.ID, w.Now()); err != nil {
			log.Error("failed to mark job completed", zap.Error(err))
		}
	case errors.Is(err, ErrKeepRunning):
		log.Warn("job left running for a later re-run", zap.Error(err))
	default:
		log.Error("job failed", zap.Error(err))
		w.fail(ctx, log, job, err)
	}
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, job Job, cause error) {
	if _, err := w.Queue.Fail(ctx, job.ID, cause.Error(), w.Now()); err != nil {
		log.Error("failed to mark job failed", zap.Error(err))
	}
}

func (w *Worker) reportStuck(ctx context.Context) {
	stuck, err := w.Queue.Stuck(ctx, w.Now().Add(-w.StuckAfter))
	if err != nil {
		w.log.Error("failed to list stuck jobs", zap.Error(err))
		return
	}
	for _, job := range stuck {
		fields := []zap.Field{zap.String("job_id", job.ID), zap.String("job_type", string(job.Type))}
		if job.StartedAt != nil {
			fields = append(fields, zap.Time("started_at", *job.StartedAt))
		}
		w.log.Warn("stuck running job", fields...)
	}
}

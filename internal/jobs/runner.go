// Package jobs runs durable deferred actions keyed by round. Jobs live in the store; the
// runner arms an in-process timer for each and a cron sweep picks up anything the timers
// missed, including jobs from before a restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"roundex/internal/store"
)

// Handler executes one job. A nil error marks the job done; otherwise it is retried on
// the next sweep.
type Handler func(ctx context.Context, job store.RoundJob) error

// Sweep is an extra periodic task run after due jobs on every tick
type Sweep func(ctx context.Context) error

type namedSweep struct {
	name string
	fn   Sweep
}

// Runner implements round timers on top of persisted round jobs
type Runner struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration
	cron     *cron.Cron
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	sweeps   []namedSweep
	timers   map[string]*time.Timer
	running  map[string]bool
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a runner that sweeps every interval once started
func New(st *store.Store, interval time.Duration, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:    st,
		logger:   logger.With("component", "jobs"),
		interval: interval,
		cron:     cron.New(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		timers:   make(map[string]*time.Timer),
		running:  make(map[string]bool),
	}
}

// Handle registers the handler for a job kind
func (r *Runner) Handle(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// AddSweep registers a task that runs on every tick
func (r *Runner) AddSweep(name string, fn Sweep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, namedSweep{name: name, fn: fn})
}

// Schedule arms a timer for a persisted job. Jobs in the past fire immediately.
func (r *Runner) Schedule(_ context.Context, job store.RoundJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return errors.New("job runner stopped")
	}
	if _, ok := r.handlers[job.Kind]; !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	if _, armed := r.timers[job.ID]; armed {
		return nil
	}

	delay := job.RunAt.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	r.timers[job.ID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, job.ID)
		r.mu.Unlock()
		r.run(r.ctx, job)
	})
	r.logger.Debug("job armed", "job_id", job.ID, "kind", job.Kind, "round_id", job.RoundID, "run_at", job.RunAt)
	return nil
}

// Start re-arms every pending job and begins the periodic sweep
func (r *Runner) Start(ctx context.Context) error {
	pending, err := r.store.PendingJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if err := r.Schedule(ctx, job); err != nil {
			r.logger.Error("failed to re-arm job", "job_id", job.ID, "kind", job.Kind, "error", err)
		}
	}

	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.Tick(r.ctx) }); err != nil {
		return fmt.Errorf("failed to add sweep: %w", err)
	}
	r.cron.Start()
	r.logger.Info("job runner started", "pending", len(pending), "interval", r.interval)
	return nil
}

// Tick runs every due job that is not already running, then the sweeps
func (r *Runner) Tick(ctx context.Context) {
	due, err := r.store.DueJobs(ctx, r.now())
	if err != nil {
		r.logger.Error("failed to load due jobs", "error", err)
	}
	for _, job := range due {
		r.run(ctx, job)
	}

	r.mu.Lock()
	sweeps := append([]namedSweep(nil), r.sweeps...)
	r.mu.Unlock()
	for _, s := range sweeps {
		if err := s.fn(ctx); err != nil {
			r.logger.Error("sweep failed", "sweep", s.name, "error", err)
		}
	}
}

func (r *Runner) run(ctx context.Context, job store.RoundJob) {
	r.mu.Lock()
	if r.running[job.ID] || r.stopped {
		r.mu.Unlock()
		return
	}
	h, ok := r.handlers[job.Kind]
	if !ok {
		r.mu.Unlock()
		r.logger.Error("no handler for job", "job_id", job.ID, "kind", job.Kind)
		return
	}
	r.running[job.ID] = true
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()
		r.wg.Done()
	}()

	// The batch Tick loaded may be stale once a timer has completed the job
	current, err := r.store.GetRoundJob(ctx, job.ID)
	if err != nil {
		r.logger.Error("failed to load job", "job_id", job.ID, "error", err)
		return
	}
	if current.DoneAt != nil {
		r.logger.Debug("job already done", "job_id", job.ID, "kind", job.Kind, "round_id", job.RoundID)
		return
	}

	if err := h(ctx, job); err != nil {
		r.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "round_id", job.RoundID, "error", err)
		return
	}
	if err := r.store.MarkJobDone(ctx, job.ID, r.now()); err != nil {
		r.logger.Error("failed to mark job done", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Info("job done", "job_id", job.ID, "kind", job.Kind, "round_id", job.RoundID)
}

// Stop halts the sweep and pending timers and waits for running jobs to finish.
// Jobs not yet run stay pending in the store.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()

	r.mu.Lock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}

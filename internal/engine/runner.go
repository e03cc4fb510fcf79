package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/state"
)

const gmailWarning = "Gmail not connected - email operations will fail"

// MailStatus reports whether mail credentials are configured.
type MailStatus interface {
	Connected() bool
}

// Runner executes runs in the background and keeps track of them so the
// process can drain on shutdown.
type Runner struct {
	exec   *Executor
	runs   *runs.Manager
	log    *eventlog.Log
	store  *state.Store
	mail   MailStatus
	limits Limits
	logger *slog.Logger

	baseCtx context.Context
	stopAll context.CancelFunc

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

type RunnerOption func(*Runner)

func WithLimits(l Limits) RunnerOption {
	return func(r *Runner) {
		r.limits = l.withDefaults()
	}
}

func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRunner(exec *Executor, mgr *runs.Manager, log *eventlog.Log, store *state.Store, mail MailStatus, opts ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		exec:    exec,
		runs:    mgr,
		log:     log,
		store:   store,
		mail:    mail,
		limits:  DefaultLimits(),
		logger:  slog.Default(),
		baseCtx: ctx,
		stopAll: cancel,
		active:  map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start checks prerequisites and launches runID in the background. The
// execution outlives ctx; it ends with the run or with Shutdown.
func (r *Runner) Start(ctx context.Context, runID string) error {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != runs.StatusQueued {
		return errs.IllegalState("run is %s, not queued", run.Status)
	}
	if _, err := r.store.GetBron(ctx, run.BronID); err != nil {
		return err
	}
	if r.mail == nil || !r.mail.Connected() {
		if _, err := r.log.Append(ctx, runID, eventlog.TypeLog, eventlog.LogPayload{Message: gmailWarning, Level: eventlog.LevelWarn}); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs.IllegalState("runner is shutting down")
	}
	if _, ok := r.active[runID]; ok {
		r.mu.Unlock()
		return errs.IllegalState("run is already executing")
	}
	runCtx, cancel := context.WithCancel(r.baseCtx)
	r.active[runID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.release(runID)
		status, err := r.exec.Execute(runCtx, runID, r.limits)
		if err != nil {
			r.logger.Error("run execution", "run_id", runID, "error", err)
			return
		}
		r.logger.Info("run finished", "run_id", runID, "status", status)
	}()
	return nil
}

// Cancel cancels the run and its descendants and interrupts any of them
// that are executing.
func (r *Runner) Cancel(ctx context.Context, runID, reason string) (runs.Run, error) {
	run, err := r.runs.Cancel(ctx, runID, reason)
	if err != nil {
		return runs.Run{}, err
	}
	r.interrupt(ctx, runID, map[string]struct{}{})
	return run, nil
}

func (r *Runner) interrupt(ctx context.Context, runID string, seen map[string]struct{}) {
	if _, ok := seen[runID]; ok {
		return
	}
	seen[runID] = struct{}{}
	r.mu.Lock()
	if cancel, ok := r.active[runID]; ok {
		cancel()
	}
	r.mu.Unlock()

	children, err := r.runs.Children(ctx, runID)
	if err != nil {
		r.logger.Warn("list children", "run_id", runID, "error", err)
		return
	}
	for _, child := range children {
		r.interrupt(ctx, child.ID, seen)
	}
}

// Recover fails runs a previous process left running.
func (r *Runner) Recover(ctx context.Context) ([]string, error) {
	ids, err := r.runs.RecoverInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.logger.Warn("recovered interrupted runs", "count", len(ids))
	}
	return ids, nil
}

func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown stops accepting runs and waits for executing ones. When ctx
// expires first the remaining executions are interrupted.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.stopAll()
		return nil
	case <-ctx.Done():
		r.stopAll()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) release(runID string) {
	r.mu.Lock()
	if cancel, ok := r.active[runID]; ok {
		cancel()
		delete(r.active, runID)
	}
	r.mu.Unlock()
}

package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/state"
)

const (
	DefaultAwaitTimeout = 300 * time.Second
	DefaultPollInterval = time.Second
)

var ErrAwaitTimeout = errors.New("await timeout")

type AwaitResult struct {
	Status    Status           `json:"status"`
	Error     *RunError        `json:"error,omitempty"`
	Artifacts []state.Artifact `json:"artifacts"`
}

// Spawn creates a queued child of parentRunID and announces it on the
// parent's log.
func (m *Manager) Spawn(ctx context.Context, parentRunID, bronID, title, prompt string) (Run, error) {
	parent, err := m.Get(ctx, parentRunID)
	if err != nil {
		return Run{}, fmt.Errorf("parent run: %w", err)
	}
	if IsTerminalStatus(parent.Status) {
		return Run{}, errs.IllegalState("parent run %s is %s", parent.ID, parent.Status)
	}
	if bronID == "" {
		bronID = parent.BronID
	}

	child, err := m.Create(ctx, Spec{BronID: bronID, ParentRunID: parent.ID, Title: title, Prompt: prompt})
	if err != nil {
		return Run{}, err
	}
	_, err = m.log.Append(ctx, parent.ID, eventlog.TypeChildRun, eventlog.ChildRunPayload{
		ChildRunID: child.ID,
		Title:      child.Title,
		Status:     string(child.Status),
	})
	if err != nil {
		_, _ = m.Transition(context.WithoutCancel(ctx), child.ID, StatusCanceled, &RunError{Message: "parent log unavailable", Code: "canceled"})
		return Run{}, fmt.Errorf("announce child run: %w", err)
	}
	return child, nil
}

// Await polls runID every pollInterval until it reaches a terminal status.
// When timeout elapses first the last observed status is returned with an
// error wrapping ErrAwaitTimeout.
func (m *Manager) Await(ctx context.Context, runID string, timeout, pollInterval time.Duration) (AwaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last Status
	for {
		run, err := m.Get(ctx, runID)
		switch {
		case err == nil:
			last = run.Status
			if IsTerminalStatus(run.Status) {
				artifacts, err := state.NewStore(m.db).ListArtifacts(ctx, run.ID)
				if err != nil {
					return AwaitResult{}, err
				}
				return AwaitResult{Status: run.Status, Error: run.Error, Artifacts: artifacts}, nil
			}
		case errors.Is(err, errs.ErrNotFound):
			return AwaitResult{}, err
		case ctx.Err() == nil:
			m.logger.Warn("poll run status", "run_id", runID, "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return AwaitResult{Status: last}, &errs.Error{
					Kind: errs.ErrTimeout,
					Msg:  fmt.Sprintf("run %s not finished after %s", runID, timeout),
					Err:  ErrAwaitTimeout,
				}
			}
			return AwaitResult{Status: last}, ctx.Err()
		}
	}
}

func IsAwaitTimeout(err error) bool {
	return errors.Is(err, ErrAwaitTimeout)
}

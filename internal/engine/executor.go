// Package engine drives runs: it turns a queued run into a sequence of
// reasoning turns and tool calls, recording every step in the event log.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/llm"
	"github.com/flitsinc/brons/internal/notify"
	"github.com/flitsinc/brons/internal/prompt"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/state"
	"github.com/flitsinc/brons/internal/tools"
)

const (
	DefaultMaxTurns     = 20
	DefaultMaxToolCalls = 50
	DefaultTimeout      = 300 * time.Second

	historyLimit = 20
	previewLen   = 200
)

type Limits struct {
	MaxTurns     int
	MaxToolCalls int
	Timeout      time.Duration
}

func DefaultLimits() Limits {
	return Limits{MaxTurns: DefaultMaxTurns, MaxToolCalls: DefaultMaxToolCalls, Timeout: DefaultTimeout}
}

func (l Limits) withDefaults() Limits {
	if l.MaxTurns <= 0 {
		l.MaxTurns = DefaultMaxTurns
	}
	if l.MaxToolCalls <= 0 {
		l.MaxToolCalls = DefaultMaxToolCalls
	}
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	return l
}

type ToolDispatcher interface {
	Dispatch(ctx context.Context, call tools.Call) tools.Result
	Definitions() []llm.Tool
}

type Executor struct {
	runs       *runs.Manager
	log        *eventlog.Log
	store      *state.Store
	reasoner   llm.Reasoner
	dispatcher ToolDispatcher
	notifier   notify.Notifier
	compactor  prompt.Compactor
	logger     *slog.Logger
	nowFn      func() time.Time
}

type ExecutorOption func(*Executor)

func WithNotifier(n notify.Notifier) ExecutorOption {
	return func(e *Executor) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithCompactor refreshes the bron's memory summary after each successful run.
func WithCompactor(c prompt.Compactor) ExecutorOption {
	return func(e *Executor) {
		e.compactor = c
	}
}

func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithExecutorClock(nowFn func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if nowFn != nil {
			e.nowFn = nowFn
		}
	}
}

func NewExecutor(mgr *runs.Manager, log *eventlog.Log, store *state.Store, reasoner llm.Reasoner, dispatcher ToolDispatcher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runs:       mgr,
		log:        log,
		store:      store,
		reasoner:   reasoner,
		dispatcher: dispatcher,
		notifier:   notify.Nop{},
		logger:     slog.Default(),
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute drives runID from queued to a terminal status or to
// needs_approval. Failures inside the loop end the run as failed and are
// not returned; the error result is reserved for runs that could not be
// started at all.
func (e *Executor) Execute(ctx context.Context, runID string, limits Limits) (runs.Status, error) {
	limits = limits.withDefaults()

	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if _, err := e.runs.Transition(ctx, runID, runs.StatusRunning, nil); err != nil {
		return run.Status, err
	}
	started := e.nowFn()
	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	bron, err := e.store.GetBron(ctx, run.BronID)
	if err != nil {
		return e.fail(ctx, runID, err)
	}
	history, err := e.history(ctx, bron, run)
	if err != nil {
		return e.fail(ctx, runID, err)
	}
	if _, err := e.log.Append(ctx, runID, eventlog.TypeMessage, eventlog.MessagePayload{Role: string(llm.RoleUser), Content: run.Prompt}); err != nil {
		return e.fail(ctx, runID, err)
	}
	if err := e.store.SaveMessage(ctx, bron.ID, runID, string(llm.RoleUser), run.Prompt); err != nil {
		return e.fail(ctx, runID, err)
	}

	t := &turnState{
		run:        run,
		bron:       bron,
		system:     prompt.SystemPrompt(bron),
		tools:      e.dispatcher.Definitions(),
		messages:   history,
		transcript: []string{"user: " + run.Prompt},
	}

	for turn := 0; turn < limits.MaxTurns; turn++ {
		if status, stop := e.stopped(ctx, runID); stop {
			return status, nil
		}
		if e.nowFn().Sub(started) > limits.Timeout || deadlineExceeded(ctx) {
			return e.timedOut(ctx, runID)
		}

		resp, err := e.reasoner.Reason(ctx, llm.Request{System: t.system, Messages: t.messages, Tools: t.tools})
		if err != nil {
			return e.fail(ctx, runID, err)
		}
		if deadlineExceeded(ctx) {
			return e.timedOut(ctx, runID)
		}
		t.messages = append(t.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		var results []llm.Block
		for _, block := range resp.Content {
			switch block.Type {
			case llm.BlockText:
				if err := e.recordText(ctx, t, block.Text); err != nil {
					return e.fail(ctx, runID, err)
				}
			case llm.BlockToolUse:
				t.toolCalls++
				if t.toolCalls > limits.MaxToolCalls {
					e.appendLog(ctx, runID, "Maximum tool calls exceeded", eventlog.LevelError)
					return e.finishFailed(ctx, runID, runs.RunError{Message: "Maximum tool calls exceeded", Code: errs.Code(errs.ErrResourceExhausted)})
				}
				res, err := e.runTool(ctx, t, block)
				if err != nil {
					return e.fail(ctx, runID, err)
				}
				if deadlineExceeded(ctx) {
					return e.timedOut(ctx, runID)
				}
				if res.NeedsApproval {
					return e.awaitApproval(ctx, t, block.Name, res)
				}
				results = append(results, toolResultBlock(block.ID, res))
			}
		}

		if len(results) == 0 {
			return e.succeed(ctx, t)
		}
		t.messages = append(t.messages, llm.Message{Role: llm.RoleUser, Content: results})
	}

	e.appendLog(ctx, runID, "Maximum turns exceeded", eventlog.LevelError)
	return e.finishFailed(ctx, runID, runs.RunError{Message: "Maximum turns exceeded", Code: errs.Code(errs.ErrResourceExhausted)})
}

type turnState struct {
	run        runs.Run
	bron       state.Bron
	system     string
	tools      []llm.Tool
	messages   []llm.Message
	transcript []string
	toolCalls  int
}

func (e *Executor) history(ctx context.Context, bron state.Bron, run runs.Run) ([]llm.Message, error) {
	recent, err := e.store.RecentMessages(ctx, bron.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	messages := make([]llm.Message, 0, len(recent)+1)
	for _, msg := range recent {
		switch llm.Role(msg.Role) {
		case llm.RoleUser:
			messages = append(messages, llm.UserText(msg.Content))
		case llm.RoleAssistant:
			messages = append(messages, llm.AssistantText(msg.Content))
		}
	}
	return append(messages, llm.UserText(run.Prompt)), nil
}

func (e *Executor) recordText(ctx context.Context, t *turnState, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := e.store.SaveMessage(ctx, t.bron.ID, t.run.ID, string(llm.RoleAssistant), text); err != nil {
		return err
	}
	t.transcript = append(t.transcript, "assistant: "+text)
	_, err := e.log.Append(ctx, t.run.ID, eventlog.TypeLog, eventlog.LogPayload{Message: preview(text), Level: eventlog.LevelInfo})
	return err
}

// runTool records the start and end of a tool call around its dispatch.
// Only event log failures are returned; tool failures live in the result.
func (e *Executor) runTool(ctx context.Context, t *turnState, block llm.Block) (tools.Result, error) {
	input := block.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if _, err := e.log.Append(ctx, t.run.ID, eventlog.TypeTool, eventlog.ToolPayload{
		Name:  block.Name,
		Phase: eventlog.PhaseStart,
		Input: input,
	}); err != nil {
		return tools.Result{}, err
	}

	res := e.dispatcher.Dispatch(ctx, tools.Call{RunID: t.run.ID, BronID: t.bron.ID, Name: block.Name, Input: input})
	e.logger.Debug("tool call", "run_id", t.run.ID, "tool", block.Name, "error", res.Error, "needs_approval", res.NeedsApproval)

	if _, err := e.log.Append(ctx, t.run.ID, eventlog.TypeTool, eventlog.ToolPayload{
		Name:   block.Name,
		Phase:  eventlog.PhaseEnd,
		Output: res.Output,
		Error:  res.Error,
	}); err != nil {
		return tools.Result{}, err
	}
	return res, nil
}

func (e *Executor) awaitApproval(ctx context.Context, t *turnState, toolName string, res tools.Result) (runs.Status, error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.runs.Transition(ctx, t.run.ID, runs.StatusNeedsApproval, nil); err != nil {
		return e.fail(ctx, t.run.ID, err)
	}
	err := e.notifier.ApprovalRequested(ctx, notify.ApprovalNotice{
		RunID:      t.run.ID,
		RunTitle:   t.run.Title,
		BronName:   t.bron.Name,
		ToolName:   toolName,
		ProposalID: res.ProposalID,
		Token:      res.ApprovalToken,
	})
	if err != nil {
		e.logger.Warn("approval notice failed", "run_id", t.run.ID, "error", err)
	}
	return runs.StatusNeedsApproval, nil
}

func (e *Executor) succeed(ctx context.Context, t *turnState) (runs.Status, error) {
	ctx = context.WithoutCancel(ctx)
	run, err := e.runs.Transition(ctx, t.run.ID, runs.StatusSucceeded, nil)
	if err != nil {
		return e.fail(ctx, t.run.ID, err)
	}
	e.refreshMemory(ctx, t)
	return run.Status, nil
}

func (e *Executor) refreshMemory(ctx context.Context, t *turnState) {
	if e.compactor == nil {
		return
	}
	summary, err := e.compactor.Summarize(ctx, prompt.MemoryInput(t.bron.MemorySummary, t.transcript))
	if err != nil {
		e.logger.Warn("memory refresh failed", "bron_id", t.bron.ID, "error", err)
		return
	}
	if summary == "" {
		return
	}
	if err := e.store.UpdateMemorySummary(ctx, t.bron.ID, summary); err != nil {
		e.logger.Warn("memory update failed", "bron_id", t.bron.ID, "error", err)
	}
}

// fail records cause and ends the run as failed. A run that already
// reached a terminal status elsewhere, typically by cancellation, keeps it.
// Errors caused by the run's own deadline are reported as a timeout.
func (e *Executor) fail(ctx context.Context, runID string, cause error) (runs.Status, error) {
	if deadlineExceeded(ctx) {
		return e.timedOut(ctx, runID)
	}
	ctx = context.WithoutCancel(ctx)
	if status, stop := e.stopped(ctx, runID); stop {
		return status, nil
	}
	runErr := runs.RunError{Message: cause.Error(), Code: errs.Code(cause)}
	if errors.Is(cause, context.Canceled) {
		runErr = runs.RunError{Message: "interrupted by shutdown", Code: "interrupted"}
	}
	e.appendLog(ctx, runID, "Error: "+runErr.Message, eventlog.LevelError)
	e.logger.Error("run failed", "run_id", runID, "error", cause)
	return e.finishFailed(ctx, runID, runErr)
}

func (e *Executor) timedOut(ctx context.Context, runID string) (runs.Status, error) {
	ctx = context.WithoutCancel(ctx)
	if status, stop := e.stopped(ctx, runID); stop {
		return status, nil
	}
	e.appendLog(ctx, runID, "Run timed out", eventlog.LevelError)
	return e.finishFailed(ctx, runID, runs.RunError{Message: "Run timed out", Code: errs.Code(errs.ErrResourceExhausted)})
}

func deadlineExceeded(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (e *Executor) finishFailed(ctx context.Context, runID string, runErr runs.RunError) (runs.Status, error) {
	ctx = context.WithoutCancel(ctx)
	run, err := e.runs.Transition(ctx, runID, runs.StatusFailed, &runErr)
	if err != nil {
		if status, stop := e.stopped(ctx, runID); stop {
			return status, nil
		}
		return "", err
	}
	return run.Status, nil
}

// stopped reports whether runID left the running state, e.g. after a
// cancel or an approval pause recorded by someone else.
func (e *Executor) stopped(ctx context.Context, runID string) (runs.Status, bool) {
	run, err := e.runs.Get(context.WithoutCancel(ctx), runID)
	if err != nil {
		return "", false
	}
	if run.Status != runs.StatusRunning {
		return run.Status, true
	}
	return run.Status, false
}

func (e *Executor) appendLog(ctx context.Context, runID, msg string, level eventlog.Level) {
	if _, err := e.log.Append(context.WithoutCancel(ctx), runID, eventlog.TypeLog, eventlog.LogPayload{Message: msg, Level: level}); err != nil {
		e.logger.Debug("append log", "run_id", runID, "error", err)
	}
}

func toolResultBlock(id string, res tools.Result) llm.Block {
	if res.Error != "" {
		raw, _ := json.Marshal(map[string]string{"error": res.Error})
		return llm.ToolResultBlock(id, string(raw), true)
	}
	raw, err := json.Marshal(res.Output)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": err.Error()})
		return llm.ToolResultBlock(id, string(raw), true)
	}
	return llm.ToolResultBlock(id, string(raw), false)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen]) + "..."
}

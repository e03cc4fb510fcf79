// Package tools executes the closed tool catalog on behalf of a run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flitsinc/brons/internal/approval"
	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/gmail"
	"github.com/flitsinc/brons/internal/llm"
	"github.com/flitsinc/brons/internal/runs"
)

type Call struct {
	RunID  string          `json:"run_id"`
	BronID string          `json:"bron_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

// Result is what a tool reports back to the loop. Failures are carried in
// Error rather than returned.
type Result struct {
	Output        any    `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	NeedsApproval bool   `json:"needsApproval,omitempty"`
	ProposalID    string `json:"proposalId,omitempty"`
	// ApprovalToken is handed to out-of-band notifiers only.
	ApprovalToken string `json:"-"`
}

// Mailbox is the mail backend the gmail_* tools run against.
type Mailbox interface {
	Connected() bool
	Search(ctx context.Context, query string, maxResults int) ([]gmail.SearchResult, error)
	GetMessage(ctx context.Context, messageID, format string) (gmail.Message, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) (gmail.Attachment, error)
	CreateDraft(ctx context.Context, in gmail.DraftInput) (gmail.Draft, error)
	SendDraft(ctx context.Context, draftID string) (string, error)
}

type Approvals interface {
	RequestApproval(ctx context.Context, runID string, p approval.Proposal) (approval.Proposal, string, error)
	Withdraw(ctx context.Context, proposalID string) error
}

// Starter launches a queued run in the background.
type Starter interface {
	Start(ctx context.Context, runID string) error
}

type handler func(ctx context.Context, call Call) Result

type Dispatcher struct {
	log          *eventlog.Log
	runs         *runs.Manager
	mailbox      Mailbox
	approvals    Approvals
	policy       *Policy
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.RWMutex
	starter Starter

	handlers map[string]handler
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPollInterval sets how often await_bron polls the child run.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

func WithStarter(starter Starter) Option {
	return func(d *Dispatcher) {
		d.starter = starter
	}
}

func NewDispatcher(log *eventlog.Log, mgr *runs.Manager, mailbox Mailbox, approvals Approvals, policy *Policy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:          log,
		runs:         mgr,
		mailbox:      mailbox,
		approvals:    approvals,
		policy:       policy,
		logger:       slog.Default(),
		pollInterval: runs.DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.handlers = map[string]handler{
		GmailSearch:        d.gmailSearch,
		GmailGetMessage:    d.gmailGetMessage,
		GmailGetAttachment: d.gmailGetAttachment,
		GmailCreateDraft:   d.gmailCreateDraft,
		EmitUI:             d.emitUI,
		SpawnBron:          d.spawnBron,
		AwaitBron:          d.awaitBron,
	}
	return d
}

// SetStarter wires the runner after construction; the runner itself
// depends on the dispatcher.
func (d *Dispatcher) SetStarter(starter Starter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starter = starter
}

func (d *Dispatcher) getStarter() Starter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.starter
}

func (d *Dispatcher) Definitions() []llm.Tool {
	return Definitions()
}

// Dispatch runs call through the policy and the matching handler.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", call.Name, "run_id", call.RunID, "panic", r)
			res = Result{Error: fmt.Sprintf("tool %s failed: %v", call.Name, r)}
		}
	}()

	decision := DecisionAllow
	if d.policy != nil {
		var err error
		decision, err = d.policy.Evaluate(ctx, call)
		if err != nil {
			return Result{Error: err.Error()}
		}
	}
	if decision == DecisionBlock {
		return Result{Error: fmt.Sprintf("tool %s is blocked by policy", call.Name)}
	}

	h, ok := d.handlers[call.Name]
	if !ok {
		return Result{Error: "unknown tool: " + call.Name}
	}
	res = h(ctx, call)
	if decision == DecisionRequireApproval && res.Error == "" {
		res.NeedsApproval = true
	}
	return res
}

func (d *Dispatcher) emitCard(ctx context.Context, runID string, kind eventlog.CardKind, payload any) error {
	if _, err := d.log.Append(ctx, runID, eventlog.TypeUI, eventlog.UIPayload{Kind: kind, Payload: payload}); err != nil {
		return fmt.Errorf("emit %s: %w", kind, err)
	}
	return nil
}

func errResult(err error) Result {
	return Result{Error: err.Error()}
}

func decodeInput(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Validation("invalid tool input: %v", err)
	}
	return nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

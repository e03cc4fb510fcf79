// Package approval pauses runs before irreversible actions and resumes
// them on a human decision.
package approval

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/idgen"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/state"
)

const KindSendDraft = "send_draft"

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is an irreversible action waiting for a human decision.
type Proposal struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload"`
	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

type Decision struct {
	Approved   bool   `json:"approved"`
	ProposalID string `json:"proposal_id,omitempty"`
	Token      string `json:"token,omitempty"`
}

// DraftSender performs the gated side effect of a send_draft proposal.
type DraftSender interface {
	SendDraft(ctx context.Context, draftID string) (string, error)
}

type Gate struct {
	db     *sql.DB
	log    *eventlog.Log
	runs   *runs.Manager
	store  *state.Store
	sender DraftSender
	logger *slog.Logger
	nowFn  func() time.Time
}

type Option func(*Gate)

func WithClock(nowFn func() time.Time) Option {
	return func(g *Gate) {
		if nowFn != nil {
			g.nowFn = nowFn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGate(db *sql.DB, log *eventlog.Log, mgr *runs.Manager, sender DraftSender, opts ...Option) *Gate {
	g := &Gate{
		db:     db,
		log:    log,
		runs:   mgr,
		store:  state.NewStore(db),
		sender: sender,
		logger: slog.Default(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// RequestApproval stores a pending proposal for runID and returns it with
// the single-use token that must accompany the decision. Only the token's
// hash is persisted.
func (g *Gate) RequestApproval(ctx context.Context, runID string, p Proposal) (Proposal, string, error) {
	if p.Kind == "" {
		return Proposal{}, "", errs.Validation("proposal kind is required")
	}
	if _, err := g.runs.Get(ctx, runID); err != nil {
		return Proposal{}, "", err
	}
	token, err := idgen.Token()
	if err != nil {
		return Proposal{}, "", fmt.Errorf("generate approval token: %w", err)
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return Proposal{}, "", fmt.Errorf("encode proposal payload: %w", err)
	}

	p.ID = idgen.New()
	p.RunID = runID
	p.Status = ProposalPending
	p.CreatedAt = g.nowFn().UTC()
	p.ResolvedAt = nil

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO proposals (id, run_id, kind, payload, token_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.RunID, p.Kind, string(payload), hashToken(token), p.Status, p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Proposal{}, "", fmt.Errorf("insert proposal: %w", err)
	}
	return p, token, nil
}

// Pending returns the newest open proposal of runID, or NotFound.
func (g *Gate) Pending(ctx context.Context, runID string) (Proposal, error) {
	p, _, err := g.load(ctx, runID, "")
	if err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Resume applies a decision to a run waiting in needs_approval. A rejected
// proposal cancels the run. An approved one performs the proposed action
// and finishes the run.
func (g *Gate) Resume(ctx context.Context, runID string, d Decision) (runs.Status, error) {
	run, err := g.runs.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != runs.StatusNeedsApproval {
		return run.Status, errs.IllegalState("run is not awaiting approval")
	}

	p, tokenHash, err := g.load(ctx, runID, d.ProposalID)
	if err != nil {
		return run.Status, err
	}
	if p.Status != ProposalPending {
		return run.Status, errs.IllegalState("proposal %s is already %s", p.ID, p.Status)
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(d.Token)), []byte(tokenHash)) != 1 {
		return run.Status, errs.IllegalState("approval token does not match")
	}

	next := ProposalRejected
	if d.Approved {
		next = ProposalApproved
	}
	if err := g.resolve(ctx, p, next); err != nil {
		return run.Status, err
	}

	if !d.Approved {
		if _, err := g.log.Append(ctx, runID, eventlog.TypeLog, eventlog.LogPayload{Message: "Proposal rejected by user", Level: eventlog.LevelInfo}); err != nil {
			return run.Status, err
		}
		canceled, err := g.runs.Transition(ctx, runID, runs.StatusCanceled, &runs.RunError{Message: "Rejected by user", Code: "rejected"})
		if err != nil {
			return run.Status, err
		}
		return canceled.Status, nil
	}
	return g.execute(ctx, run, p)
}

func (g *Gate) execute(ctx context.Context, run runs.Run, p Proposal) (runs.Status, error) {
	// The side effect has been committed to; finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if p.Kind != KindSendDraft {
		return g.fail(ctx, run.ID, "Error: ", errs.Validation("unsupported proposal kind %q", p.Kind))
	}
	draftID, _ := p.Payload["draftId"].(string)
	if draftID == "" {
		return g.fail(ctx, run.ID, "Error: ", errs.Validation("proposal has no draftId"))
	}
	if g.sender == nil {
		return g.fail(ctx, run.ID, "Failed to send: ", errs.Upstream("Gmail not connected", nil))
	}

	sentID, err := g.sender.SendDraft(ctx, draftID)
	if err != nil {
		return g.fail(ctx, run.ID, "Failed to send: ", err)
	}

	data := map[string]any{"draftId": draftID, "sentMessageId": sentID, "proposalId": p.ID}
	if _, err := g.store.CreateArtifact(ctx, run.ID, "sent_email", sentID, data); err != nil {
		return g.fail(ctx, run.ID, "Error: ", err)
	}
	summary := eventlog.UIPayload{
		Kind: eventlog.CardRunSummary,
		Payload: map[string]any{
			"outcome":       string(runs.StatusSucceeded),
			"highlights":    []string{"Email sent successfully"},
			"sentMessageId": sentID,
		},
	}
	if _, err := g.log.Append(ctx, run.ID, eventlog.TypeUI, summary); err != nil {
		return run.Status, err
	}
	done, err := g.runs.Transition(ctx, run.ID, runs.StatusSucceeded, nil)
	if err != nil {
		return run.Status, err
	}
	g.logger.Info("approved proposal executed", "run_id", run.ID, "proposal_id", p.ID, "sent_message_id", sentID)
	return done.Status, nil
}

func (g *Gate) fail(ctx context.Context, runID, prefix string, cause error) (runs.Status, error) {
	if _, err := g.log.Append(ctx, runID, eventlog.TypeLog, eventlog.LogPayload{Message: prefix + cause.Error(), Level: eventlog.LevelError}); err != nil {
		g.logger.Debug("append log", "run_id", runID, "error", err)
	}
	failed, err := g.runs.Transition(ctx, runID, runs.StatusFailed, &runs.RunError{Message: cause.Error(), Code: errs.Code(cause)})
	if err != nil {
		return "", errors.Join(cause, err)
	}
	return failed.Status, nil
}

// resolve closes a pending proposal, but only while its run still waits
// for approval, so a run canceled in the meantime never gets the side
// effect.
func (g *Gate) resolve(ctx context.Context, p Proposal, status ProposalStatus) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE proposals SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?
		  AND EXISTS (SELECT 1 FROM runs WHERE runs.id = proposals.run_id AND runs.status = ?)
	`, status, g.nowFn().UTC().Format(time.RFC3339Nano), p.ID, ProposalPending, runs.StatusNeedsApproval)
	if err != nil {
		return fmt.Errorf("resolve proposal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve proposal rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if run, err := g.runs.Get(ctx, p.RunID); err == nil && run.Status != runs.StatusNeedsApproval {
		return errs.IllegalState("run is not awaiting approval")
	}
	return errs.IllegalState("proposal %s was already resolved", p.ID)
}

// Withdraw rejects a pending proposal that never reached the approver.
func (g *Gate) Withdraw(ctx context.Context, proposalID string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE proposals SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, ProposalRejected, g.nowFn().UTC().Format(time.RFC3339Nano), proposalID, ProposalPending)
	if err != nil {
		return fmt.Errorf("withdraw proposal: %w", err)
	}
	return nil
}

// load fetches proposalID of runID, or the newest pending proposal of the
// run when proposalID is empty.
func (g *Gate) load(ctx context.Context, runID, proposalID string) (Proposal, string, error) {
	query := `SELECT id, run_id, kind, payload, token_hash, status, created_at, resolved_at FROM proposals WHERE run_id = ?`
	args := []any{runID}
	if proposalID != "" {
		query += ` AND id = ?`
		args = append(args, proposalID)
	} else {
		query += ` AND status = ? ORDER BY created_at DESC LIMIT 1`
		args = append(args, ProposalPending)
	}

	var (
		p          Proposal
		payload    string
		tokenHash  string
		createdAt  string
		resolvedAt sql.NullString
	)
	err := g.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.RunID, &p.Kind, &payload, &tokenHash, &p.Status, &createdAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, "", errs.NotFound("proposal")
	}
	if err != nil {
		return Proposal{}, "", fmt.Errorf("load proposal: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return Proposal{}, "", fmt.Errorf("decode proposal payload: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		p.ResolvedAt = &t
	}
	return p, tokenHash, nil
}

func hashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

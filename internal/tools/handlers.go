package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/brons/internal/approval"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/gmail"
	"github.com/flitsinc/brons/internal/runs"
)

func (d *Dispatcher) requireMailbox() (Mailbox, *Result) {
	if d.mailbox == nil || !d.mailbox.Connected() {
		return nil, &Result{Error: gmail.ErrNotConnected.Error()}
	}
	return d.mailbox, nil
}

func (d *Dispatcher) gmailSearch(ctx context.Context, call Call) Result {
	var in struct {
		Query      string  `json:"query"`
		MaxResults float64 `json:"maxResults"`
	}
	if err := decodeInput(call.Input, &in); err != nil {
		return errResult(err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return Result{Error: "query is required"}
	}
	mb, fail := d.requireMailbox()
	if fail != nil {
		return *fail
	}

	messages, err := mb.Search(ctx, in.Query, int(in.MaxResults))
	if err != nil {
		return errResult(err)
	}
	matches := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		matches = append(matches, map[string]any{
			"messageId": m.MessageID,
			"subject":   m.Subject,
			"from":      m.From,
			"date":      m.Date,
			"reason":    "Matched search query",
		})
	}
	if err := d.emitCard(ctx, call.RunID, eventlog.CardEmailSearchResults, map[string]any{
		"query":   in.Query,
		"matches": matches,
	}); err != nil {
		return errResult(err)
	}
	return Result{Output: map[string]any{"messages": messages}}
}

func (d *Dispatcher) gmailGetMessage(ctx context.Context, call Call) Result {
	var in struct {
		MessageID string `json:"messageId"`
		Format    string `json:"format"`
	}
	if err := decodeInput(call.Input, &in); err != nil {
		return errResult(err)
	}
	if in.MessageID == "" {
		return Result{Error: "messageId is required"}
	}
	mb, fail := d.requireMailbox()
	if fail != nil {
		return *fail
	}

	msg, err := mb.GetMessage(ctx, in.MessageID, in.Format)
	if err != nil {
		return errResult(err)
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]map[string]any, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			attachments = append(attachments, map[string]any{
				"attachmentId": a.AttachmentID,
				"filename":     a.Filename,
				"mimeType":     a.MimeType,
				"sizeBytes":    a.Size,
			})
		}
		if err := d.emitCard(ctx, call.RunID, eventlog.CardAttachmentSummary, map[string]any{
			"messageId":   msg.ID,
			"attachments": attachments,
		}); err != nil {
			return errResult(err)
		}
	}
	return Result{Output: map[string]any{"message": msg}}
}

func (d *Dispatcher) gmailGetAttachment(ctx context.Context, call Call) Result {
	var in struct {
		MessageID    string `json:"messageId"`
		AttachmentID string `json:"attachmentId"`
	}
	if err := decodeInput(call.Input, &in); err != nil {
		return errResult(err)
	}
	if in.MessageID == "" || in.AttachmentID == "" {
		return Result{Error: "messageId and attachmentId are required"}
	}
	mb, fail := d.requireMailbox()
	if fail != nil {
		return *fail
	}

	att, err := mb.GetAttachment(ctx, in.MessageID, in.AttachmentID)
	if err != nil {
		return errResult(err)
	}
	return Result{Output: map[string]any{"attachment": att}}
}

// gmailCreateDraft creates the draft and opens a send_draft proposal for
// it. The approval token only travels in the draft card, never back to the
// model; notifiers get it through Result.ApprovalToken.
func (d *Dispatcher) gmailCreateDraft(ctx context.Context, call Call) Result {
	var in gmail.DraftInput
	if err := decodeInput(call.Input, &in); err != nil {
		return errResult(err)
	}
	if strings.TrimSpace(in.To) == "" || strings.TrimSpace(in.Subject) == "" || in.BodyText == "" {
		return Result{Error: "to, subject and bodyText are required"}
	}
	if in.Cc == nil {
		in.Cc = []string{}
	}
	mb, fail := d.requireMailbox()
	if fail != nil {
		return *fail
	}
	if d.approvals == nil {
		return Result{Error: "approvals are not configured"}
	}

	draft, err := mb.CreateDraft(ctx, in)
	if err != nil {
		return errResult(err)
	}
	proposal, token, err := d.approvals.RequestApproval(ctx, call.RunID, approval.Proposal{
		Kind: approval.KindSendDraft,
		Payload: map[string]any{
			"draftId":  draft.ID,
			"to":       in.To,
			"cc":       in.Cc,
			"subject":  in.Subject,
			"bodyText": in.BodyText,
		},
	})
	if err != nil {
		return errResult(err)
	}
	// The card is the only carrier of the token; without it nobody can approve.
	err = d.emitCard(ctx, call.RunID, eventlog.CardEmailDraft, map[string]any{
		"draftId":          draft.ID,
		"to":               in.To,
		"cc":               in.Cc,
		"subject":          in.Subject,
		"bodyText":         in.BodyText,
		"requiresApproval": true,
		"proposalId":       proposal.ID,
		"approvalToken":    token,
	})
	if err != nil {
		if werr := d.approvals.Withdraw(context.WithoutCancel(ctx), proposal.ID); werr != nil {
			d.logger.Warn("withdraw proposal", "run_id", call.RunID, "proposal_id", proposal.ID, "error", werr)
		}
		return errResult(err)
	}
	return Result{
		Output: map[string]any{
			"draft":  draft,
			"status": "Draft created and waiting for user approval",
		},
		NeedsApproval: true,
		ProposalID:    proposal.ID,
		ApprovalToken: token,
	}
}

func (d *Dispatcher) emitUI(ctx context.Context, call Call) Result {
	var in struct {
		Kind    eventlog.CardKind `json:"kind"`
		Payload json.RawMessage   `json:"payload"`
	}
	if err := decodeInput(call.Input, &in); err != nil {
		return errResult(err)
	}
	if !in.Kind.Valid() {
		return Result{Error: fmt.Sprintf("invalid card kind: %q", in.Kind)}
	}
	var payload map[string]any
	if err := json.Unmarshal(in.Payload, &payload); err != nil || payload == nil {
		return Result{Error: "payload must be an object"}
	}
	evt, err := d.log.Append(ctx, call.RunID, eventlog.TypeUI, eventlog.UIPayload{Kind: in.Kind, Payload: payload})
	if err != nil {
		return errResult(err)
	}
	return Result{Output: map[string]any{"success": true, "eventId": evt.ID}}
}

func (d *Dispatcher) spawnBron(ctx context.Context, call Call) Result {
	var in struct {
		BronID string `json:"bronId"`
		Title  string `json:"title"`
		Prompt string `json:"prompt"`
	}
	if err := decodeInput(call.Input, &in); err != nil {
		return errResult(err)
	}
	bronID := in.BronID
	if bronID == "" {
		bronID = call.BronID
	}
	child, err := d.runs.Spawn(ctx, call.RunID, bronID, in.Title, in.Prompt)
	if err != nil {
		return errResult(err)
	}

	out := map[string]any{"runId": child.ID, "title": child.Title, "status": child.Status}
	if starter := d.getStarter(); starter != nil {
		if err := starter.Start(context.WithoutCancel(ctx), child.ID); err != nil {
			d.logger.Warn("start child run", "run_id", child.ID, "parent_run_id", call.RunID, "error", err)
			out["startError"] = err.Error()
		}
	}
	return Result{Output: out}
}

func (d *Dispatcher) awaitBron(ctx context.Context, call Call) Result {
	var in struct {
		RunID     string  `json:"runId"`
		TimeoutMs float64 `json:"timeoutMs"`
	}
	if err := decodeInput(call.Input, &in); err != nil {
		return errResult(err)
	}
	if in.RunID == "" {
		return Result{Error: "runId is required"}
	}
	child, err := d.runs.Get(ctx, in.RunID)
	if err != nil {
		return errResult(err)
	}
	if child.ParentRunID != call.RunID {
		return Result{Error: fmt.Sprintf("run %s is not a child of this run", in.RunID)}
	}

	timeout := time.Duration(in.TimeoutMs * float64(time.Millisecond))
	if timeout <= 0 {
		timeout = runs.DefaultAwaitTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, max(time.Until(deadline), time.Millisecond))
	}
	res, err := d.runs.Await(ctx, in.RunID, timeout, d.pollInterval)
	if runs.IsAwaitTimeout(err) {
		return Result{Output: map[string]any{
			"runId":  in.RunID,
			"status": res.Status,
			"error":  "timeout waiting for run to complete",
		}}
	}
	if err != nil {
		return errResult(err)
	}
	return Result{Output: map[string]any{
		"runId":  in.RunID,
		"status": res.Status,
		"result": map[string]any{
			"error":     res.Error,
			"artifacts": res.Artifacts,
		},
	}}
}

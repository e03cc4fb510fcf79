package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/brons/internal/approval"
	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/gmail"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/testutil"
)

type fakeMailbox struct {
	mu       sync.Mutex
	results  []gmail.SearchResult
	message  gmail.Message
	drafts   []gmail.DraftInput
	sent     []string
	searchFn func(query string) error
}

func (f *fakeMailbox) Connected() bool { return true }

func (f *fakeMailbox) Search(ctx context.Context, query string, maxResults int) ([]gmail.SearchResult, error) {
	if f.searchFn != nil {
		if err := f.searchFn(query); err != nil {
			return nil, err
		}
	}
	return f.results, nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, id, format string) (gmail.Message, error) {
	return f.message, nil
}

func (f *fakeMailbox) GetAttachment(ctx context.Context, messageID, attachmentID string) (gmail.Attachment, error) {
	return gmail.Attachment{AttachmentMeta: gmail.AttachmentMeta{AttachmentID: attachmentID, Filename: "a.pdf"}, Data: "AAAA"}, nil
}

func (f *fakeMailbox) CreateDraft(ctx context.Context, in gmail.DraftInput) (gmail.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, in)
	return gmail.Draft{ID: "draft-1"}, nil
}

func (f *fakeMailbox) SendDraft(ctx context.Context, draftID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, draftID)
	return "sent-1", nil
}

type fakeStarter struct {
	mu      sync.Mutex
	started []string
}

func (s *fakeStarter) Start(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, runID)
	return nil
}

type harness struct {
	d       *Dispatcher
	gate    *approval.Gate
	log     *eventlog.Log
	runs    *runs.Manager
	mailbox *fakeMailbox
	starter *fakeStarter
	runID   string
	bronID  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	ctx := context.Background()
	log := eventlog.New(db)
	mgr := runs.NewManager(db, log)
	mailbox := &fakeMailbox{}
	gate := approval.NewGate(db, log, mgr, mailbox)
	policy, err := NewPolicy(ctx, "")
	require.NoError(t, err)
	starter := &fakeStarter{}

	bron := testutil.SeedBron(t, db, "tooling")
	run, err := mgr.Create(ctx, runs.Spec{BronID: bron.ID, Prompt: "check my inbox"})
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, run.ID, runs.StatusRunning, nil)
	require.NoError(t, err)

	d := NewDispatcher(log, mgr, mailbox, gate, policy, WithPollInterval(10*time.Millisecond), WithStarter(starter))
	return &harness{d: d, gate: gate, log: log, runs: mgr, mailbox: mailbox, starter: starter, runID: run.ID, bronID: bron.ID}
}

func (h *harness) call(name string, input any) Result {
	raw, _ := json.Marshal(input)
	return h.d.Dispatch(context.Background(), Call{RunID: h.runID, BronID: h.bronID, Name: name, Input: raw})
}

func (h *harness) cards(t *testing.T) []eventlog.UIPayload {
	t.Helper()
	events, err := h.log.Read(context.Background(), h.runID, 0, 500)
	require.NoError(t, err)
	var out []eventlog.UIPayload
	for _, evt := range events {
		if evt.Type == eventlog.TypeUI {
			var p eventlog.UIPayload
			require.NoError(t, evt.Decode(&p))
			out = append(out, p)
		}
	}
	return out
}

func TestSearchEmitsCardEvenWithoutMatches(t *testing.T) {
	h := newHarness(t)

	res := h.call(GmailSearch, map[string]any{"query": "from:nobody"})
	require.Empty(t, res.Error)
	assert.False(t, res.NeedsApproval)

	cards := h.cards(t)
	require.Len(t, cards, 1)
	assert.Equal(t, eventlog.CardEmailSearchResults, cards[0].Kind)
	payload := cards[0].Payload.(map[string]any)
	assert.Equal(t, "from:nobody", payload["query"])
	assert.Empty(t, payload["matches"])
}

func TestSearchCardListsMatches(t *testing.T) {
	h := newHarness(t)
	h.mailbox.results = []gmail.SearchResult{{MessageID: "m1", Subject: "Invoice", From: "a@x.com", Date: "today"}}

	res := h.call(GmailSearch, map[string]any{"query": "invoice", "maxResults": 5})
	require.Empty(t, res.Error)

	cards := h.cards(t)
	require.Len(t, cards, 1)
	matches := cards[0].Payload.(map[string]any)["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "Matched search query", matches[0].(map[string]any)["reason"])
}

func TestSearchErrorIsAValue(t *testing.T) {
	h := newHarness(t)
	h.mailbox.searchFn = func(string) error { return errors.New("quota") }

	res := h.call(GmailSearch, map[string]any{"query": "x"})
	assert.Equal(t, "quota", res.Error)
	assert.Empty(t, h.cards(t))
}

func TestGetMessageEmitsAttachmentSummary(t *testing.T) {
	h := newHarness(t)
	h.mailbox.message = gmail.Message{ID: "m1", Attachments: []gmail.AttachmentMeta{{AttachmentID: "a1", Filename: "q3.pdf", MimeType: "application/pdf", Size: 10}}}

	res := h.call(GmailGetMessage, map[string]any{"messageId": "m1"})
	require.Empty(t, res.Error)

	cards := h.cards(t)
	require.Len(t, cards, 1)
	assert.Equal(t, eventlog.CardAttachmentSummary, cards[0].Kind)
}

func TestCreateDraftRequiresApproval(t *testing.T) {
	h := newHarness(t)

	res := h.call(GmailCreateDraft, map[string]any{"to": "ops@example.com", "subject": "Re: invoice", "bodyText": "Paid."})
	require.Empty(t, res.Error)
	assert.True(t, res.NeedsApproval)
	assert.NotEmpty(t, res.ProposalID)

	out, _ := json.Marshal(res.Output)
	assert.NotContains(t, string(out), "approvalToken")

	cards := h.cards(t)
	require.Len(t, cards, 1)
	assert.Equal(t, eventlog.CardEmailDraft, cards[0].Kind)
	payload := cards[0].Payload.(map[string]any)
	assert.Equal(t, "draft-1", payload["draftId"])
	assert.Equal(t, true, payload["requiresApproval"])
	assert.Equal(t, res.ProposalID, payload["proposalId"])
	assert.NotEmpty(t, payload["approvalToken"])
	assert.Empty(t, h.mailbox.sent)
}

func TestSendDraftIsBlockedByPolicy(t *testing.T) {
	h := newHarness(t)

	res := h.call(GmailSendDraft, map[string]any{"draftId": "draft-1"})
	assert.Contains(t, res.Error, "blocked by policy")
	assert.Empty(t, h.mailbox.sent)
}

func TestUnknownTool(t *testing.T) {
	h := newHarness(t)

	res := h.call("rm_rf", map[string]any{})
	assert.Equal(t, "unknown tool: rm_rf", res.Error)
}

func TestEmitUIValidatesKind(t *testing.T) {
	h := newHarness(t)

	res := h.call(EmitUI, map[string]any{"kind": "Bogus", "payload": map[string]any{}})
	assert.Contains(t, res.Error, "invalid card kind")

	res = h.call(EmitUI, map[string]any{"kind": "ExtractedFieldsTable", "payload": map[string]any{"source": "q3.pdf"}})
	require.Empty(t, res.Error)
	cards := h.cards(t)
	require.Len(t, cards, 1)
	assert.Equal(t, eventlog.CardExtractedFields, cards[0].Kind)
}

func TestSpawnAndAwaitBron(t *testing.T) {
	h := newHarness(t)

	res := h.call(SpawnBron, map[string]any{"title": "sub", "prompt": "summarize attachments"})
	require.Empty(t, res.Error)
	childID := res.Output.(map[string]any)["runId"].(string)
	assert.Equal(t, []string{childID}, h.starter.started)

	timedOut := h.call(AwaitBron, map[string]any{"runId": childID, "timeoutMs": 40})
	require.Empty(t, timedOut.Error)
	assert.Contains(t, timedOut.Output.(map[string]any)["error"], "timeout")

	ctx := context.Background()
	_, err := h.runs.Transition(ctx, childID, runs.StatusRunning, nil)
	require.NoError(t, err)
	_, err = h.runs.Transition(ctx, childID, runs.StatusSucceeded, nil)
	require.NoError(t, err)

	done := h.call(AwaitBron, map[string]any{"runId": childID, "timeoutMs": 1000})
	require.Empty(t, done.Error)
	assert.Equal(t, runs.StatusSucceeded, done.Output.(map[string]any)["status"])
}

func TestAwaitBronStopsAtCallerDeadline(t *testing.T) {
	h := newHarness(t)
	res := h.call(SpawnBron, map[string]any{"prompt": "never finishes"})
	require.Empty(t, res.Error)
	childID := res.Output.(map[string]any)["runId"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	raw, _ := json.Marshal(map[string]any{"runId": childID, "timeoutMs": 60000})
	begin := time.Now()
	out := h.d.Dispatch(ctx, Call{RunID: h.runID, BronID: h.bronID, Name: AwaitBron, Input: raw})

	assert.Less(t, time.Since(begin), 5*time.Second)
	require.Empty(t, out.Error)
	assert.Contains(t, out.Output.(map[string]any)["error"], "timeout")
	assert.Equal(t, runs.StatusQueued, out.Output.(map[string]any)["status"])
}

func TestCreateDraftFailsWhenCardCannotBeRecorded(t *testing.T) {
	h := newHarness(t)
	_, err := h.runs.Cancel(context.Background(), h.runID, "user")
	require.NoError(t, err)

	res := h.call(GmailCreateDraft, map[string]any{"to": "ops@example.com", "subject": "Re: invoice", "bodyText": "Paid."})
	require.NotEmpty(t, res.Error)
	assert.False(t, res.NeedsApproval)
	assert.Empty(t, res.ApprovalToken)

	_, err = h.gate.Pending(context.Background(), h.runID)
	assert.True(t, errors.Is(err, errs.ErrNotFound), "proposal must be withdrawn, got %v", err)
}

func TestSearchFailsWhenCardCannotBeRecorded(t *testing.T) {
	h := newHarness(t)
	_, err := h.runs.Cancel(context.Background(), h.runID, "user")
	require.NoError(t, err)

	res := h.call(GmailSearch, map[string]any{"query": "invoice"})
	assert.Contains(t, res.Error, "EmailSearchResults")
}

func TestAwaitBronRejectsForeignRun(t *testing.T) {
	h := newHarness(t)
	other, err := h.runs.Create(context.Background(), runs.Spec{BronID: h.bronID, Prompt: "unrelated"})
	require.NoError(t, err)

	res := h.call(AwaitBron, map[string]any{"runId": other.ID})
	assert.Contains(t, res.Error, "not a child")
}

func TestDefinitionsCoverCatalog(t *testing.T) {
	names := map[string]bool{}
	for _, def := range Definitions() {
		names[def.Name] = true
		var schema map[string]any
		require.NoError(t, json.Unmarshal(def.InputSchema, &schema), def.Name)
		assert.Equal(t, "object", schema["type"])
	}
	for _, name := range []string{GmailSearch, GmailGetMessage, GmailGetAttachment, GmailCreateDraft, EmitUI, SpawnBron, AwaitBron} {
		assert.True(t, names[name], name)
	}
	assert.False(t, names[GmailSendDraft])
}

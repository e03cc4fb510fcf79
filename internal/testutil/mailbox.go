package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/flitsinc/brons/internal/gmail"
)

// Mailbox is an in-memory mail backend. Search returns Results for any
// query; drafts get sequential ids.
type Mailbox struct {
	mu           sync.Mutex
	Disconnected bool
	Results      []gmail.SearchResult
	Drafts       []gmail.DraftInput
	Sent         []string
	SendErr      error
}

func (m *Mailbox) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Disconnected
}

func (m *Mailbox) Search(ctx context.Context, query string, maxResults int) ([]gmail.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gmail.SearchResult(nil), m.Results...), nil
}

func (m *Mailbox) GetMessage(ctx context.Context, messageID, format string) (gmail.Message, error) {
	return gmail.Message{ID: messageID, Snippet: "Invoice attached", Headers: gmail.Headers{Subject: "Invoice", From: "billing@example.com"}}, nil
}

func (m *Mailbox) GetAttachment(ctx context.Context, messageID, attachmentID string) (gmail.Attachment, error) {
	return gmail.Attachment{AttachmentMeta: gmail.AttachmentMeta{AttachmentID: attachmentID, Filename: "invoice.pdf", MimeType: "application/pdf"}}, nil
}

func (m *Mailbox) CreateDraft(ctx context.Context, in gmail.DraftInput) (gmail.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Drafts = append(m.Drafts, in)
	return gmail.Draft{ID: fmt.Sprintf("draft-%d", len(m.Drafts))}, nil
}

func (m *Mailbox) SendDraft(ctx context.Context, draftID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.Sent = append(m.Sent, draftID)
	return "sent-" + draftID, nil
}

func (m *Mailbox) SentDrafts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Sent...)
}

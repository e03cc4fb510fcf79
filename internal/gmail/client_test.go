package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/brons/internal/errs"
)

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(context.Background(), Config{AccessToken: "tok", BaseURL: srv.URL}, srv.Client())
}

func TestSearchFetchesMetadataInParallel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/messages" && r.URL.Query().Get("q") == "invoice":
			assert.Equal(t, "3", r.URL.Query().Get("maxResults"))
			_, _ = w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"m2"},{"id":"gone"}]}`))
		case r.URL.Path == "/messages/m1":
			assert.Equal(t, "metadata", r.URL.Query().Get("format"))
			_, _ = w.Write([]byte(`{"id":"m1","threadId":"t1","snippet":"hi","payload":{"headers":[{"name":"Subject","value":"Invoice 42"},{"name":"FROM","value":"a@example.com"}]}}`))
		case r.URL.Path == "/messages/m2":
			_, _ = w.Write([]byte(`{"id":"m2","threadId":"t2","payload":{"headers":[]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
		}
	})

	results, err := c.Search(context.Background(), "invoice", 3)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Invoice 42", results[0].Subject)
	assert.Equal(t, "a@example.com", results[0].From)
	assert.Equal(t, "(no subject)", results[1].Subject)
}

func TestGetMessageParsesBodyAndAttachments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "m1", "threadId": "t1",
			"payload": map[string]any{
				"headers": []map[string]string{{"name": "Subject", "value": "Report"}, {"name": "To", "value": "me@example.com"}},
				"parts": []map[string]any{
					{"mimeType": "multipart/alternative", "parts": []map[string]any{
						{"mimeType": "text/plain", "body": map[string]any{"data": b64("plain body")}},
						{"mimeType": "text/html", "body": map[string]any{"data": b64("<p>html</p>")}},
					}},
					{"mimeType": "application/pdf", "filename": "q3.pdf", "body": map[string]any{"attachmentId": "a1", "size": 1200}},
				},
			},
		})
	})

	msg, err := c.GetMessage(context.Background(), "m1", "")
	require.NoError(t, err)
	assert.Equal(t, "Report", msg.Headers.Subject)
	assert.Equal(t, "me@example.com", msg.Headers.To)
	assert.Equal(t, "plain body", msg.Body.Text)
	assert.Equal(t, "<p>html</p>", msg.Body.HTML)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, AttachmentMeta{AttachmentID: "a1", Filename: "q3.pdf", MimeType: "application/pdf", Size: 1200}, msg.Attachments[0])

	_, err = c.GetMessage(context.Background(), "m1", "raw")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestGetAttachment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages/m1":
			_, _ = w.Write([]byte(`{"id":"m1","payload":{"parts":[{"mimeType":"application/pdf","filename":"q3.pdf","body":{"attachmentId":"a1"}}]}}`))
		case "/messages/m1/attachments/a1":
			_, _ = w.Write([]byte(`{"size":4,"data":"AAAA"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	att, err := c.GetAttachment(context.Background(), "m1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "q3.pdf", att.Filename)
	assert.Equal(t, int64(4), att.Size)
	assert.Equal(t, "AAAA", att.Data)

	_, err = c.GetAttachment(context.Background(), "m1", "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCreateAndSendDraft(t *testing.T) {
	var raw string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/drafts":
			var req struct {
				Message struct {
					Raw      string `json:"raw"`
					ThreadID string `json:"threadId"`
				} `json:"message"`
			}
			assert.NoError(t, json.Unmarshal(body, &req))
			raw = req.Message.Raw
			assert.Equal(t, "t9", req.Message.ThreadID)
			_, _ = w.Write([]byte(`{"id":"d1","message":{"id":"m9","threadId":"t9"}}`))
		case "/drafts/send":
			assert.JSONEq(t, `{"id":"d1"}`, string(body))
			_, _ = w.Write([]byte(`{"id":"sent-1"}`))
		}
	})

	draft, err := c.CreateDraft(context.Background(), DraftInput{
		To: "ops@example.com", Subject: "Re: invoice", BodyText: "Paid.", Cc: []string{"a@x.com", "b@x.com"}, ThreadID: "t9",
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", draft.ID)

	assert.NotContains(t, raw, "=")
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	require.NoError(t, err)
	text := string(decoded)
	assert.True(t, strings.HasPrefix(text, "To: ops@example.com\r\nSubject: Re: invoice\r\n"))
	assert.Contains(t, text, "Cc: a@x.com, b@x.com\r\n\r\nPaid.")

	sentID, err := c.SendDraft(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", sentID)
}

func TestAPIErrorMessageIsSurfaced(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Insufficient Permission"}}`))
	})

	_, err := c.SendDraft(context.Background(), "d1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUpstream))
	assert.Equal(t, "Insufficient Permission", err.Error())
}

func TestDisconnectedClient(t *testing.T) {
	c := New(context.Background(), Config{}, nil)
	assert.False(t, c.Connected())
	_, err := c.Search(context.Background(), "x", 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "Gmail not connected", err.Error())
}

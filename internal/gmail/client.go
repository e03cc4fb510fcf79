// Package gmail is a small client for the Gmail REST API covering search,
// message and attachment retrieval, and draft creation and sending.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/brons/internal/errs"
)

const (
	DefaultBaseURL    = "https://gmail.googleapis.com/gmail/v1/users/me"
	DefaultMaxResults = 10
	googleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	metadataFanout    = 5
)

var ErrNotConnected = &errs.Error{Kind: errs.ErrUpstream, Msg: "Gmail not connected"}

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// AccessToken is used as a static credential when no refresh token is
	// configured.
	AccessToken string
	BaseURL     string
	TokenURL    string
}

type Client struct {
	http    *http.Client
	baseURL string
}

// New builds a client from cfg. Without credentials the client reports
// Connected() == false and every call fails with ErrNotConnected. base, when
// non-nil, is the transport used for both token refreshes and API calls.
func New(ctx context.Context, cfg Config, base *http.Client) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{baseURL: baseURL}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}

	switch {
	case cfg.RefreshToken != "":
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = googleTokenURL
		}
		conf := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: googleAuthURL, TokenURL: tokenURL},
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.modify"},
		}
		ts := conf.TokenSource(ctx, &oauth2.Token{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken})
		c.http = oauth2.NewClient(ctx, ts)
	case cfg.AccessToken != "":
		c.http = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken}))
	}
	return c
}

func (c *Client) Connected() bool {
	return c != nil && c.http != nil
}

type SearchResult struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	Date      string `json:"date"`
	Snippet   string `json:"snippet"`
}

type Headers struct {
	Subject string `json:"subject"`
	From    string `json:"from"`
	To      string `json:"to"`
	Date    string `json:"date"`
	Cc      string `json:"cc,omitempty"`
}

type Body struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

type AttachmentMeta struct {
	AttachmentID string `json:"attachmentId"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
}

type Message struct {
	ID          string           `json:"id"`
	ThreadID    string           `json:"threadId"`
	LabelIDs    []string         `json:"labelIds"`
	Snippet     string           `json:"snippet"`
	Headers     Headers          `json:"headers"`
	Body        Body             `json:"body"`
	Attachments []AttachmentMeta `json:"attachments"`
}

type Attachment struct {
	AttachmentMeta
	// Data is base64url encoded, as returned by the API.
	Data string `json:"data"`
}

type DraftInput struct {
	To       string   `json:"to"`
	Subject  string   `json:"subject"`
	BodyText string   `json:"bodyText"`
	Cc       []string `json:"cc,omitempty"`
	ThreadID string   `json:"threadId,omitempty"`
}

type Draft struct {
	ID      string `json:"id"`
	Message struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"message"`
}

// Search lists messages matching query and fetches their metadata in
// parallel. Messages whose metadata cannot be loaded are skipped.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", strconv.Itoa(maxResults))

	var listed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages?"+params.Encode(), nil, &listed, "Search failed"); err != nil {
		return nil, err
	}
	ids := listed.Messages
	if len(ids) > maxResults {
		ids = ids[:maxResults]
	}

	found := make([]*SearchResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataFanout)
	for i, m := range ids {
		g.Go(func() error {
			res, err := c.metadata(gctx, m.ID)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return nil
			}
			found[i] = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(found))
	for _, res := range found {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (c *Client) metadata(ctx context.Context, id string) (SearchResult, error) {
	var raw rawMessage
	path := "/messages/" + url.PathEscape(id) + "?format=metadata&metadataHeaders=Subject&metadataHeaders=From&metadataHeaders=Date"
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, "Failed to get message"); err != nil {
		return SearchResult{}, err
	}
	headers := raw.Payload.headerMap()
	subject := headers["subject"]
	if subject == "" {
		subject = "(no subject)"
	}
	return SearchResult{
		MessageID: raw.ID,
		ThreadID:  raw.ThreadID,
		Subject:   subject,
		From:      headers["from"],
		Date:      headers["date"],
		Snippet:   raw.Snippet,
	}, nil
}

func (c *Client) GetMessage(ctx context.Context, messageID, format string) (Message, error) {
	if messageID == "" {
		return Message{}, errs.Validation("messageId is required")
	}
	switch format {
	case "":
		format = "full"
	case "minimal", "full", "metadata":
	default:
		return Message{}, errs.Validation("unsupported message format %q", format)
	}
	raw, err := c.rawMessage(ctx, messageID, format)
	if err != nil {
		return Message{}, err
	}
	return raw.parse(), nil
}

// GetAttachment loads the message to resolve the attachment's filename and
// type, then fetches its content.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) (Attachment, error) {
	if messageID == "" || attachmentID == "" {
		return Attachment{}, errs.Validation("messageId and attachmentId are required")
	}
	raw, err := c.rawMessage(ctx, messageID, "full")
	if err != nil {
		return Attachment{}, err
	}
	meta, ok := raw.Payload.findAttachment(attachmentID)
	if !ok {
		return Attachment{}, errs.NotFound("attachment")
	}

	var body struct {
		Size int64  `json:"size"`
		Data string `json:"data"`
	}
	path := "/messages/" + url.PathEscape(messageID) + "/attachments/" + url.PathEscape(attachmentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &body, "Failed to get attachment"); err != nil {
		return Attachment{}, err
	}
	meta.Size = body.Size
	return Attachment{AttachmentMeta: meta, Data: body.Data}, nil
}

func (c *Client) CreateDraft(ctx context.Context, in DraftInput) (Draft, error) {
	if strings.TrimSpace(in.To) == "" {
		return Draft{}, errs.Validation("to is required")
	}
	msg := map[string]any{"raw": EncodeRaw(in)}
	if in.ThreadID != "" {
		msg["threadId"] = in.ThreadID
	}
	var draft Draft
	if err := c.do(ctx, http.MethodPost, "/drafts", map[string]any{"message": msg}, &draft, "Failed to create draft"); err != nil {
		return Draft{}, err
	}
	return draft, nil
}

// SendDraft sends a previously created draft and returns the sent
// message's ID.
func (c *Client) SendDraft(ctx context.Context, draftID string) (string, error) {
	if draftID == "" {
		return "", errs.Validation("draftId is required")
	}
	var sent struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/drafts/send", map[string]string{"id": draftID}, &sent, "Failed to send draft"); err != nil {
		return "", err
	}
	return sent.ID, nil
}

// EncodeRaw renders in as an RFC 2822 message, base64url encoded without
// padding.
func EncodeRaw(in DraftInput) string {
	lines := []string{
		"To: " + in.To,
		"Subject: " + in.Subject,
		`Content-Type: text/plain; charset="UTF-8"`,
		"MIME-Version: 1.0",
	}
	if len(in.Cc) > 0 {
		lines = append(lines, "Cc: "+strings.Join(in.Cc, ", "))
	}
	lines = append(lines, "", in.BodyText)
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(lines, "\r\n")))
}

func (c *Client) rawMessage(ctx context.Context, messageID, format string) (rawMessage, error) {
	var raw rawMessage
	path := "/messages/" + url.PathEscape(messageID) + "?format=" + url.QueryEscape(format)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, "Failed to get message"); err != nil {
		return rawMessage{}, err
	}
	return raw, nil
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, fallback string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Upstream(fallback, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Upstream(fallback, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		msg := fallback
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		if resp.StatusCode == http.StatusNotFound {
			return &errs.Error{Kind: errs.ErrNotFound, Msg: msg}
		}
		return &errs.Error{Kind: errs.ErrUpstream, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Upstream("decode gmail response", err)
	}
	return nil
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flitsinc/brons/internal/errs"
)

const (
	DefaultModel       = "claude-sonnet-4-20250514"
	DefaultMaxTokens   = 4096
	defaultBaseURL     = "https://api.anthropic.com/v1"
	anthropicVersion   = "2023-06-01"
	defaultHTTPTimeout = 120 * time.Second
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Anthropic calls the Messages API.
type Anthropic struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

func NewAnthropic(cfg Config, httpClient *http.Client) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	model := resolveModelAlias(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Anthropic{apiKey: cfg.APIKey, model: model, baseURL: baseURL, http: httpClient}, nil
}

func (a *Anthropic) Model() string { return a.model }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
}

type messagesResponse struct {
	Content    []Block `json:"content"`
	StopReason string  `json:"stop_reason"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) Reason(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errs.Validation("llm request requires at least one message")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body, err := json.Marshal(messagesRequest{
		Model:     a.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  normalizeMessages(req.Messages),
		Tools:     req.Tools,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, &errs.Error{Kind: errs.ErrTimeout, Msg: "llm request timed out", Err: err}
		}
		return Response{}, errs.Upstream("llm request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errs.Upstream("read llm response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		msg := resp.Status
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return Response{}, errs.Upstream("llm request failed", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	var decoded messagesResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Response{}, errs.Upstream("decode llm response", err)
	}
	return Response{Content: decoded.Content, StopReason: decoded.StopReason}, nil
}

// normalizeMessages fills the fields the API requires even when empty.
func normalizeMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, msg := range in {
		blocks := make([]Block, len(msg.Content))
		for j, b := range msg.Content {
			if b.Type == BlockToolUse && len(b.Input) == 0 {
				b.Input = json.RawMessage(`{}`)
			}
			blocks[j] = b
		}
		out[i] = Message{Role: msg.Role, Content: blocks}
	}
	return out
}

func resolveModelAlias(model string) string {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "":
		return ""
	case "fast":
		return "claude-3-5-haiku-latest"
	case "balanced":
		return DefaultModel
	case "smart":
		return "claude-opus-4-20250514"
	}
	return strings.TrimSpace(model)
}

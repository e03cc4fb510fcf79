package eventlog

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeStatus   Type = "status"
	TypeLog      Type = "log"
	TypeMessage  Type = "message"
	TypeTool     Type = "tool"
	TypeUI       Type = "ui"
	TypeArtifact Type = "artifact"
	TypeChildRun Type = "child_run"
)

func (t Type) Valid() bool {
	switch t {
	case TypeStatus, TypeLog, TypeMessage, TypeTool, TypeUI, TypeArtifact, TypeChildRun:
		return true
	}
	return false
}

type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decode unmarshals the payload into dest.
func (e Event) Decode(dest any) error {
	return json.Unmarshal(e.Payload, dest)
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type StatusPayload struct {
	Status string `json:"status"`
}

type LogPayload struct {
	Message string `json:"message"`
	Level   Level  `json:"level"`
}

type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ToolPhase string

const (
	PhaseStart ToolPhase = "start"
	PhaseEnd   ToolPhase = "end"
)

type ToolPayload struct {
	Name   string          `json:"name"`
	Phase  ToolPhase       `json:"phase"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output any             `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type CardKind string

const (
	CardEmailSearchResults CardKind = "EmailSearchResultsCard"
	CardAttachmentSummary  CardKind = "AttachmentSummaryCard"
	CardExtractedFields    CardKind = "ExtractedFieldsTable"
	CardEmailDraft         CardKind = "EmailDraftCard"
	CardRunSummary         CardKind = "RunSummaryCard"
)

func (k CardKind) Valid() bool {
	switch k {
	case CardEmailSearchResults, CardAttachmentSummary, CardExtractedFields, CardEmailDraft, CardRunSummary:
		return true
	}
	return false
}

type UIPayload struct {
	Kind    CardKind `json:"kind"`
	Payload any      `json:"payload"`
}

type ArtifactPayload struct {
	Kind    string         `json:"kind"`
	Locator string         `json:"locator,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type ChildRunPayload struct {
	ChildRunID string `json:"child_run_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
}

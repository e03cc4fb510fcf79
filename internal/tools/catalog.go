package tools

import (
	"encoding/json"

	"github.com/flitsinc/brons/internal/llm"
)

const (
	GmailSearch        = "gmail_search"
	GmailGetMessage    = "gmail_get_message"
	GmailGetAttachment = "gmail_get_attachment"
	GmailCreateDraft   = "gmail_create_draft"
	GmailSendDraft     = "gmail_send_draft"
	EmitUI             = "emit_ui"
	SpawnBron          = "spawn_bron"
	AwaitBron          = "await_bron"
)

var catalog = []llm.Tool{
	{
		Name:        GmailSearch,
		Description: "Search Gmail messages by query. Returns matching message metadata.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Gmail search query (e.g., \"from:john@example.com subject:invoice\")"},
				"maxResults": {"type": "number", "description": "Maximum number of results to return (default: 10)"}
			},
			"required": ["query"]
		}`),
	},
	{
		Name:        GmailGetMessage,
		Description: "Get the full content of a Gmail message by ID.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"messageId": {"type": "string", "description": "The Gmail message ID"},
				"format": {"type": "string", "enum": ["minimal", "full", "metadata"], "description": "Format of the message to retrieve (default: full)"}
			},
			"required": ["messageId"]
		}`),
	},
	{
		Name:        GmailGetAttachment,
		Description: "Download an attachment from a Gmail message.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"messageId": {"type": "string", "description": "The Gmail message ID"},
				"attachmentId": {"type": "string", "description": "The attachment ID"}
			},
			"required": ["messageId", "attachmentId"]
		}`),
	},
	{
		Name:        GmailCreateDraft,
		Description: "Create a draft email. The draft will need approval before sending.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "string", "description": "Recipient email address"},
				"subject": {"type": "string", "description": "Email subject line"},
				"bodyText": {"type": "string", "description": "Plain text body of the email"},
				"cc": {"type": "array", "items": {"type": "string"}, "description": "CC recipients"},
				"threadId": {"type": "string", "description": "Thread ID to reply to"}
			},
			"required": ["to", "subject", "bodyText"]
		}`),
	},
	{
		Name:        EmitUI,
		Description: "Display a UI card to the user. Use this to show search results, extracted data, or draft emails.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"kind": {"type": "string", "enum": ["EmailSearchResultsCard", "AttachmentSummaryCard", "ExtractedFieldsTable", "EmailDraftCard", "RunSummaryCard"], "description": "Type of UI card to display"},
				"payload": {"type": "object", "description": "Card-specific data payload"}
			},
			"required": ["kind", "payload"]
		}`),
	},
	{
		Name:        SpawnBron,
		Description: "Spawn a child run to handle a sub-task. Returns the child run ID.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"bronId": {"type": "string", "description": "ID of the bron to use for the child run"},
				"title": {"type": "string", "description": "Title for the child run"},
				"prompt": {"type": "string", "description": "Task prompt for the child run"}
			},
			"required": ["bronId", "title", "prompt"]
		}`),
	},
	{
		Name:        AwaitBron,
		Description: "Wait for a child run to complete and get its results.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"runId": {"type": "string", "description": "ID of the child run to wait for"},
				"timeoutMs": {"type": "number", "description": "Timeout in milliseconds (default: 300000 = 5 minutes)"}
			},
			"required": ["runId"]
		}`),
	},
}

// Definitions returns the tool catalog offered to the model.
func Definitions() []llm.Tool {
	return append([]llm.Tool(nil), catalog...)
}

func Known(name string) bool {
	for _, t := range catalog {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Package llm is the boundary to the reasoning model. The engine only sees
// the Reasoner interface; the Anthropic Messages API is one implementation.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/flitsinc/brons/internal/errs"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block of a message. Which fields are set depends
// on Type.
type Block struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []Block{TextBlock(text)}}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []Block{TextBlock(text)}}
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type Request struct {
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

type Response struct {
	Content    []Block
	StopReason string
}

// ToolUses returns the tool_use blocks of the response in order.
func (r Response) ToolUses() []Block {
	var out []Block
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

type Reasoner interface {
	Reason(ctx context.Context, req Request) (Response, error)
}

// Unavailable stands in when no model is configured. Runs still start and
// fail with an upstream error that says why.
type Unavailable struct {
	Cause string
}

func (u Unavailable) Reason(context.Context, Request) (Response, error) {
	return Response{}, errs.Upstream("llm unavailable", errors.New(u.Cause))
}

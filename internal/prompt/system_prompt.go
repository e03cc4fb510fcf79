package prompt

import (
	"fmt"

	"github.com/flitsinc/brons/internal/state"
)

const capabilities = `
You have access to the following capabilities:
- Search Gmail for messages matching specific criteria
- Read email content and attachments
- Extract information from PDF and document attachments
- Draft and send emails (with user approval)
- Display results and extracted data in structured UI cards

When working on tasks:
1. Break down complex tasks into clear steps
2. Show your work by emitting UI cards with results
3. Always ask for approval before sending any emails
4. If you encounter errors, report them clearly and suggest alternatives
`

const toolGuide = `
Tool Usage Guidelines:
- Use gmail_search to find relevant emails
- Use gmail_get_message to read full email content
- Use gmail_get_attachment to download attachments for analysis
- Use emit_ui to display results to the user:
  - EmailSearchResultsCard: Show search results with match reasons
  - AttachmentSummaryCard: List attachments found in an email
  - ExtractedFieldsTable: Display extracted data with confidence scores
  - EmailDraftCard: Show a draft email for review (requires approval)
  - RunSummaryCard: Show final outcome with highlights
- Use gmail_create_draft to prepare emails (they require user approval to send)
- Use spawn_bron to delegate a self-contained sub-task and await_bron to collect its result
`

// Block priorities; the system prompt reads top to bottom in this order.
const (
	priorityIdentity     = 50
	priorityCapabilities = 40
	priorityInstructions = 30
	priorityMemory       = 20
	priorityToolGuide    = 10
)

// SystemPrompt renders the system prompt for a run of bron.
func SystemPrompt(bron state.Bron) string {
	b := NewBuilder().WithSeparator("\n")
	b.Add(Block{ID: "identity", Priority: priorityIdentity, Content: fmt.Sprintf("You are %s, an AI assistant that helps with email-related tasks.", bron.Name)})
	b.Add(Block{ID: "capabilities", Priority: priorityCapabilities, Content: capabilities})
	if bron.SystemPrompt != "" {
		b.Add(Block{ID: "instructions", Priority: priorityInstructions, Content: "\nAdditional Instructions:\n" + bron.SystemPrompt})
	}
	if bron.MemorySummary != "" {
		b.Add(Block{ID: "memory", Priority: priorityMemory, Content: "\nContext from previous interactions:\n" + bron.MemorySummary})
	}
	b.Add(Block{ID: "tools", Priority: priorityToolGuide, Content: toolGuide})
	return b.Build()
}

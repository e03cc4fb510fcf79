package runs

import "strings"

// GenerateTitle derives a run title from its prompt: the first 50
// characters, cut back to the last space when that space is past the 20th
// character, with "..." appended whenever the prompt was longer.
func GenerateTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= 50 {
		return prompt
	}
	title := string(runes[:50])
	if idx := strings.LastIndex(title, " "); idx >= 0 && len([]rune(title[:idx])) > 20 {
		title = title[:idx]
	}
	return title + "..."
}

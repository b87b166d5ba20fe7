package textgen

import (
	"context"
	"fmt"
	"strings"
)

// titleSystemPrompt instructs the model to act as a conversation labeler.
const titleSystemPrompt = "You generate short titles for chat conversations. " +
	"Reply with the title only: at most six words, no quotes, no trailing punctuation."

// maxTitleRunes caps a generated title regardless of what the model returns.
const maxTitleRunes = 80

// Titler generates short display titles for conversations from their opening
// user utterance.
type Titler struct {
	gen *Generator
}

// NewTitler constructs a Titler on top of gen.
func NewTitler(gen *Generator) *Titler {
	return &Titler{gen: gen}
}

// Title generates a short title describing utterance, typically the first
// user message of a conversation. The result is a single trimmed line with
// surrounding quotes removed, capped at a display-friendly length.
func (t *Titler) Title(ctx context.Context, utterance string) (string, error) {
	raw, err := t.gen.Complete(ctx, Request{
		System:    titleSystemPrompt,
		Prompt:    "Conversation opener:\n\n" + utterance,
		MaxTokens: 24,
	})
	if err != nil {
		return "", fmt.Errorf("textgen: generate title: %w", err)
	}

	title := sanitizeTitle(raw)
	if title == "" {
		return "", fmt.Errorf("textgen: model returned an unusable title %q", raw)
	}
	return title, nil
}

// sanitizeTitle normalizes a model response into a display title: first
// non-empty line, surrounding quote characters stripped, trailing period
// removed, length capped at maxTitleRunes.
func sanitizeTitle(raw string) string {
	title := raw
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	title = strings.TrimSpace(title)

	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title
}

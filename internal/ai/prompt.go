package ai

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/local/submitgate/internal/apperr"
)

const (
	DefaultImagePrompt = "Describe this image."
	MaxImagePromptLen  = 300
	DefaultSummaryMax  = 20000

	SummaryInstruction = "Summarize this text in 2-3 sentences:\n\n"
)

var unsafePromptChars = regexp.MustCompile(`[^a-zA-Z0-9 ?.,!"()\-]`)

// ImagePrompt cleans a user supplied image question and wraps it in the
// brevity instruction. Empty input falls back to DefaultImagePrompt.
func ImagePrompt(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		p = DefaultImagePrompt
	}
	p = strings.TrimSpace(unsafePromptChars.ReplaceAllString(p, ""))
	if p == "" || len(p) > MaxImagePromptLen {
		return "", apperr.New(apperr.InvalidInput, "bad_prompt", "prompt must be 1-300 characters")
	}
	return "Respond briefly: " + p + " (Limit your answer to one short sentence.)", nil
}

// TruncateText caps s at max runes without splitting a character.
func TruncateText(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

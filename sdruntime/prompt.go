package sdruntime

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxPromptLength caps prompt size in characters. CLIP truncates at 77
// tokens anyway; this only rejects abusive payloads.
const MaxPromptLength = 2000

// ValidatePrompt rejects empty, oversized or binary prompts.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}
	if !utf8.ValidString(prompt) {
		return fmt.Errorf("%w: prompt is not valid UTF-8", ErrInvalidPrompt)
	}
	if strings.ContainsRune(prompt, '\x00') {
		return fmt.Errorf("%w: prompt contains null bytes", ErrInvalidPrompt)
	}
	if n := utf8.RuneCountInString(prompt); n > MaxPromptLength {
		return fmt.Errorf("%w: prompt length %d exceeds maximum %d", ErrInvalidPrompt, n, MaxPromptLength)
	}
	return nil
}

// SanitizePrompt trims surrounding whitespace.
func SanitizePrompt(prompt string) string {
	return strings.TrimSpace(prompt)
}

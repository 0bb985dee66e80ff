package taskflow

import (
	"strings"
	"unicode/utf8"
)

// Default input limits applied before a task reaches the inference backend.
const (
	DefaultMaxImages    = 5
	DefaultMaxPromptLen = 1000
)

// DefaultBlacklist is the small word list used to moderate extra prompts.
var DefaultBlacklist = []string{
	"bomb", "terror", "drugs", "sex", "assault", "kill", "murder",
	"porn", "hate", "racist", "illegal",
}

// ClampPrompt truncates prompt to at most max characters.
// Length is counted in runes so Cyrillic and CJK text is not cut mid-character.
func ClampPrompt(prompt string, max int) string {
	if max <= 0 || utf8.RuneCountInString(prompt) <= max {
		return prompt
	}
	n := 0
	for i := range prompt {
		if n == max {
			return prompt[:i]
		}
		n++
	}
	return prompt
}

// ClampImages keeps the first max image references, preserving order.
// The returned slice never aliases images.
func ClampImages(images []string, max int) []string {
	if max > 0 && len(images) > max {
		images = images[:max]
	}
	out := make([]string, len(images))
	copy(out, images)
	return out
}

// PromptAllowed reports whether prompt passes the blacklist.
// An empty prompt is always allowed.
func PromptAllowed(prompt string, blacklist []string) bool {
	if prompt == "" {
		return true
	}
	low := strings.ToLower(prompt)
	for _, w := range blacklist {
		if w != "" && strings.Contains(low, w) {
			return false
		}
	}
	return true
}

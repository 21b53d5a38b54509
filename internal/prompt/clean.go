// Package prompt normalizes user prompts before they reach the generator.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is the prompt length limit used when none is configured.
const DefaultMaxChars = 4000

var (
	// ErrEmpty is returned for prompts with no content after cleaning.
	ErrEmpty = errors.New("prompt is empty")

	// ErrTooLong is returned for prompts over the configured limit.
	ErrTooLong = errors.New("prompt is too long")
)

var (
	// blankRunRegex matches three or more consecutive line breaks.
	blankRunRegex = regexp.MustCompile(`\n{3,}`)

	// trailingSpaceRegex matches horizontal whitespace at line ends.
	trailingSpaceRegex = regexp.MustCompile(`[ \t]+\n`)
)

// StripControl removes control characters except newlines and tabs.
func StripControl(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)
}

// Clean performs full prompt normalization. This is the function to use
// before storing or forwarding any prompt.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = StripControl(text)
	text = trailingSpaceRegex.ReplaceAllString(text, "\n")
	text = blankRunRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Validate cleans text and checks it against maxChars runes.
// A non-positive maxChars uses DefaultMaxChars.
func Validate(text string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	cleaned := Clean(text)
	if cleaned == "" {
		return "", ErrEmpty
	}
	if n := utf8.RuneCountInString(cleaned); n > maxChars {
		return "", fmt.Errorf("%w: %d characters, limit %d", ErrTooLong, n, maxChars)
	}
	return cleaned, nil
}

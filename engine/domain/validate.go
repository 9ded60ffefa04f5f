package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds a single chat message in runes.
const MaxMessageLength = 2000

var (
	ErrMessageEmpty    = errorString("message is required")
	ErrMessageTooLong  = errorString("message too long")
	ErrDocumentEmpty   = errorString("document text is empty")
	ErrSourceIDMissing = errorString("source_id is empty")
	ErrSourceIDInvalid = errorString("source_id has invalid characters")
)

type errorString string

func (e errorString) Error() string { return string(e) }

var sourceIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]*$`)

// ValidateMessage checks a chat message before classification.
func ValidateMessage(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return NewValidationError("message", text, ErrMessageEmpty)
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return NewValidationError("message", truncateRunes(trimmed, 32)+"...", ErrMessageTooLong)
	}
	return nil
}

// ValidateDocument checks a source document before ingestion.
func ValidateDocument(sourceID, text string) error {
	if sourceID == "" {
		return NewValidationError("source_id", sourceID, ErrSourceIDMissing)
	}
	if !sourceIDRe.MatchString(sourceID) {
		return NewValidationError("source_id", sourceID, ErrSourceIDInvalid)
	}
	if strings.TrimSpace(text) == "" {
		return NewValidationError("text", "", ErrDocumentEmpty)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength bounds a chat message body in bytes.
const MaxMessageLength = 10000

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(strings.TrimSpace(content)) == 0 {
		return errors.New("message cannot be empty")
	}
	if len(content) > MaxMessageLength {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateChatID validates a chat ID.
func ValidateChatID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid chat ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

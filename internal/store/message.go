package store

import (
	"fmt"
	"unicode/utf8"
)

const (
	// MaxContentBytes caps the raw byte size of a message body.
	MaxContentBytes = 4096

	// MaxContentChars caps the character count of a message body.
	MaxContentChars = 2000

	// MaxAttachments caps the number of attachment URIs per message.
	MaxAttachments = 10
)

// ValidateContent checks a message body and attachment list against the
// content limits shared by the socket and REST paths. A message may be
// attachments-only, but not entirely empty.
func ValidateContent(content string, attachments []string) error {
	if len(content) == 0 && len(attachments) == 0 {
		return fmt.Errorf("message is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if len(attachments) > MaxAttachments {
		return fmt.Errorf("message exceeds %d attachment limit", MaxAttachments)
	}
	for _, uri := range attachments {
		if uri == "" {
			return fmt.Errorf("empty attachment URI")
		}
	}
	return nil
}

// HasRead reports whether userID is already in the message's readBy set.
func (m *Message) HasRead(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

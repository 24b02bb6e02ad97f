package message

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxContentLength is the longest message body accepted, in characters.
	MaxContentLength = 2000
	// EditWindow is how long after sending an author may still edit.
	EditWindow = 5 * time.Minute
	// DeleteWindow is how long after sending an author may still delete.
	DeleteWindow = time.Hour
)

// ErrInvalid is wrapped by every validation failure in this package.
var ErrInvalid = errors.New("invalid message")

// NormalizeContent trims content and checks its length. Empty content is
// only accepted when the message has attachments.
func NormalizeContent(content string, hasAttachments bool) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && !hasAttachments {
		return "", fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", fmt.Errorf("%w: content exceeds maximum length of %d characters", ErrInvalid, MaxContentLength)
	}
	return content, nil
}

// CanEdit checks that userID authored m, m is not deleted, and the edit
// window has not closed at now.
func CanEdit(m *Message, userID string, now time.Time) error {
	return checkAuthorWindow(m, userID, now, EditWindow, "edit")
}

// CanDelete checks that userID authored m and the delete window has not
// closed at now.
func CanDelete(m *Message, userID string, now time.Time) error {
	return checkAuthorWindow(m, userID, now, DeleteWindow, "delete")
}

func checkAuthorWindow(m *Message, userID string, now time.Time, window time.Duration, verb string) error {
	if m.AuthorID != userID {
		return fmt.Errorf("%w: only the author may %s this message", ErrInvalid, verb)
	}
	if m.Deleted() {
		return fmt.Errorf("%w: message is deleted", ErrInvalid)
	}
	if now.Sub(m.CreatedAt) > window {
		return fmt.Errorf("%w: messages can only be %sed within %v", ErrInvalid, strings.TrimSuffix(verb, "e"), window)
	}
	return nil
}

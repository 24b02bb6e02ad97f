package message

import "time"

// Kind describes what a message carries.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// AuthorMeta is a snapshot of the author's profile taken when the message was
// sent. Later profile changes do not rewrite it.
type AuthorMeta struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Style       string `json:"style,omitempty"`
}

// Attachment is an uploaded object referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Kind Kind   `json:"kind"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message represents a chat message in a room.
type Message struct {
	ID            string       `json:"id"`
	RoomID        string       `json:"room_id"`
	AuthorID      string       `json:"author_id"`
	Author        AuthorMeta   `json:"author_meta"`
	Kind          Kind         `json:"kind"`
	Content       string       `json:"content"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	ReplyToID     string       `json:"reply_to_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     *time.Time   `json:"updated_at,omitempty"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
	DeletedByName string       `json:"deleted_by_name,omitempty"`
}

// Edited reports whether the message carries an edit newer than its creation.
func (m *Message) Edited() bool {
	return m.UpdatedAt != nil && m.UpdatedAt.After(m.CreatedAt)
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Display returns what may be rendered for the message. Deleted messages
// show neither content nor attachments.
func (m *Message) Display() (string, []Attachment) {
	if m.Deleted() {
		return "", nil
	}
	return m.Content, m.Attachments
}

// Clone returns a deep copy, so cached messages never alias caller values.
func (m *Message) Clone() *Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.UpdatedAt != nil {
		t := *m.UpdatedAt
		c.UpdatedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

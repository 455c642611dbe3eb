package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MessageID accepts a JSON string or number and always renders as a string.
// Older clients wrote numeric ids (millisecond timestamps).
type MessageID string

func (m *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*m = MessageID(n.String())
	return nil
}

// ConversationMessage is one turn inside a file-persisted conversation.
type ConversationMessage struct {
	ID        MessageID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp string    `json:"timestamp"`
}

// Conversation is persisted as <id>.json in the conversation directory.
type Conversation struct {
	ID          string                `json:"id"`
	Title       string                `json:"title"`
	LastMessage string                `json:"lastMessage"`
	Timestamp   string                `json:"timestamp"`
	Messages    []ConversationMessage `json:"messages"`
	PDFFile     *string               `json:"pdf_file"`
	UserID      string                `json:"user_id,omitempty"`
}

// HasPDF reports whether a document is attached.
func (c *Conversation) HasPDF() bool {
	return c.PDFFile != nil && *c.PDFFile != ""
}

// IsEmpty is true when no message carries non-blank content.
func (c *Conversation) IsEmpty() bool {
	for _, m := range c.Messages {
		if strings.TrimSpace(m.Content) != "" {
			return false
		}
	}
	return true
}

// Prunable conversations hold nothing worth keeping: no content and no PDF.
func (c *Conversation) Prunable() bool {
	return c.IsEmpty() && !c.HasPDF()
}

// ConversationPatch carries the fields of a partial update. A nil field is
// left untouched. PDFFile is only honoured when the update creates the record.
type ConversationPatch struct {
	Title       *string                `json:"title,omitempty"`
	LastMessage *string                `json:"lastMessage,omitempty"`
	Timestamp   *string                `json:"timestamp,omitempty"`
	Messages    *[]ConversationMessage `json:"messages,omitempty"`
	PDFFile     *string                `json:"pdf_file,omitempty"`
}

// Apply copies the present fields onto c.
func (p ConversationPatch) Apply(c *Conversation) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.Messages != nil {
		c.Messages = append([]ConversationMessage(nil), (*p.Messages)...)
	}
	if p.Timestamp != nil {
		c.Timestamp = *p.Timestamp
	}
}

// UpsertOutcome tags the result of an upsert.
type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "created"
	UpsertUpdated UpsertOutcome = "updated"
	UpsertSkipped UpsertOutcome = "skipped"
)

// UpsertResult is returned by the conversation upsert. Conversation is nil when skipped.
type UpsertResult struct {
	Outcome      UpsertOutcome
	Conversation *Conversation
	Reason       string
}

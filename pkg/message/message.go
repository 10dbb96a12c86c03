// Package message defines the canonical message shapes exchanged between
// platform adapters and the rest of the gateway.
package message

import "time"

// Type classifies the content of a normalized message.
type Type string

const (
	TypeText        Type = "text"
	TypeImage       Type = "image"
	TypeVideo       Type = "video"
	TypeAudio       Type = "audio"
	TypeFile        Type = "file"
	TypeLocation    Type = "location"
	TypeSticker     Type = "sticker"
	TypeInteractive Type = "interactive"
	TypeSystem      Type = "system-event"
)

// Attachment references one media object carried by an inbound message.
type Attachment struct {
	Kind     Type   `json:"kind"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Inbound is the single normalized shape every adapter produces for an
// inbound platform event. ID is unique at least per (platform, chat) so
// downstream consumers can dedup at-least-once deliveries. Timestamp is
// always a resolved point in time; adapters convert platform-native epoch
// representations at the boundary.
type Inbound struct {
	ID          string            `json:"id"`
	BotID       string            `json:"bot_id"`
	Platform    string            `json:"platform"`
	ChatID      string            `json:"chat_id"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        Type              `json:"type"`
	Text        string            `json:"text,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Outbound is the canonical send request. Content is opaque to the router;
// the adapter builds the platform-specific envelope around it.
type Outbound struct {
	ChatID  string  `json:"chat_id"`
	Content string  `json:"content"`
	Type    Type    `json:"type,omitempty"`
	Options Options `json:"options,omitempty"`
}

// Options carries delivery hints the adapter or router may honor.
type Options struct {
	Platform     string `json:"platform,omitempty"`
	HighPriority bool   `json:"high_priority,omitempty"`
	ReplyToID    string `json:"reply_to_id,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	Format       string `json:"format,omitempty"`
}

// SendAck is the adapter's acknowledgment for one delivered message.
type SendAck struct {
	MessageID string    `json:"message_id,omitempty"`
	Platform  string    `json:"platform"`
	Timestamp time.Time `json:"timestamp"`
}

// MetaVerified marks whether the originating transport event passed
// authenticity verification. Adapters set it to "false" when the documented
// allow-on-missing-secret fallback was taken.
const MetaVerified = "verified"

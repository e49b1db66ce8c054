package types

import "time"

// MessageContent holds the text-bearing fields of an inbound WhatsApp message.
type MessageContent struct {
	Conversation string
	ExtendedText string
	ImageCaption string
	VideoCaption string
}

// Text returns the first non-empty of body, extended body, image caption and video caption.
func (c MessageContent) Text() string {
	for _, s := range []string{c.Conversation, c.ExtendedText, c.ImageCaption, c.VideoCaption} {
		if s != "" {
			return s
		}
	}
	return ""
}

// InboundEvent represents a received WhatsApp message
type InboundEvent struct {
	ID             string
	SenderID       string // e.g. "263771234567@s.whatsapp.net"
	ConversationID string // same as SenderID for DMs, "xxx@g.us" for groups
	IsGroup        bool
	DisplayName    string
	Content        MessageContent
	MentionedIDs   []string
	FromSelf       bool
	Timestamp      time.Time
}

// Text returns the textual content of the event.
func (e InboundEvent) Text() string {
	return e.Content.Text()
}

// PairingStatus describes the lifecycle of a pairing code.
type PairingStatus string

const (
	// PairingPending is a code that was issued but not yet entered on the phone
	PairingPending PairingStatus = "pending"
	// PairingPaired means the transport reported a successful pairing
	PairingPaired PairingStatus = "paired"
)

// PairingRecord is the last pairing code issued, persisted to pairing_log.json
type PairingRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Phone     string        `json:"phone"`
	Code      string        `json:"code"`
	Status    PairingStatus `json:"status"`
}

// BotStatus is the read model served on /status
type BotStatus struct {
	Name              string    `json:"name"`
	Connected         bool      `json:"connected"`
	State             string    `json:"state"`
	Phone             string    `json:"phone"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	Fatal             bool      `json:"fatal"`
	Timestamp         time.Time `json:"timestamp"`
	UptimeSeconds     int64     `json:"uptimeSeconds"`
}

// SendResult describes a message accepted by the transport
type SendResult struct {
	To string `json:"to"`
	ID string `json:"id"`
}

package whatsapp

import "whatsapp-karl-bot/types"

// ConnectionState is the lifecycle state of the transport connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateLoggedOut
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "disconnected"
	}
}

// CloseReason says why the transport connection ended
type CloseReason int

const (
	ReasonConnectionLost CloseReason = iota
	ReasonLoggedOut
	ReasonReplaced
	ReasonConnectFailure
	ReasonBanned
)

func (r CloseReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonReplaced:
		return "stream_replaced"
	case ReasonConnectFailure:
		return "connect_failure"
	case ReasonBanned:
		return "temporary_ban"
	default:
		return "connection_lost"
	}
}

// EventKind enumerates what the transport can report
type EventKind int

const (
	EventOpen EventKind = iota
	EventClosed
	EventCredentialsUpdated
	EventQR
	EventMessage

	// internal events produced by timers of the bot itself
	eventRetry
	eventAutoPair
)

// Event is a transport notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Reason  CloseReason
	Detail  string
	QRCode  string
	Message types.InboundEvent
}

// EventHandler receives transport events. It is called from the transport's goroutine.
type EventHandler func(Event)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventCredentialsUpdated:
		return "credentials_updated"
	case EventQR:
		return "qr"
	case EventMessage:
		return "message"
	case eventRetry:
		return "retry"
	case eventAutoPair:
		return "auto_pair"
	default:
		return "unknown"
	}
}

package whatsapp

import (
	"context"
	"time"

	"whatsapp-karl-bot/types"
)

// Session is one transport connection handle. A new Session is dialed for every
// connection attempt; a replaced Session must not be used again.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	// IsRegistered reports whether the device has completed pairing.
	IsRegistered() bool
	// OwnID returns the bot's own user JID without device part, or "" when unpaired.
	OwnID() string
	PairPhone(ctx context.Context, phone string) (string, error)
	SendText(ctx context.Context, to, text string, mentions []string) (string, error)
	SetTyping(ctx context.Context, chat string, typing bool) error
	MarkOnline(ctx context.Context) error
	SaveCredentials(ctx context.Context) error
}

// Dialer creates Session handles wired to the given event handler.
type Dialer interface {
	Dial(ctx context.Context, handler EventHandler) (Session, error)
}

// PairingStore persists the latest pairing record
type PairingStore interface {
	Save(record types.PairingRecord) error
	Load() (types.PairingRecord, error)
}

// Scheduler runs f after d; the returned function cancels it.
type Scheduler func(d time.Duration, f func()) (cancel func())

func timerScheduler(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

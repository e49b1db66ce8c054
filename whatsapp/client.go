package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"whatsapp-karl-bot/types"
	"whatsapp-karl-bot/utils"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	wtypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

var (
	// ErrAlreadyPaired is returned when a pairing code is requested for a registered device
	ErrAlreadyPaired = errors.New("device already paired")
	// ErrNotConnected is returned when an operation needs an open connection
	ErrNotConnected = errors.New("not connected to WhatsApp")
)

// Client wraps a whatsmeow.Client to implement Session
type Client struct {
	client    *whatsmeow.Client
	handler   EventHandler
	logger    zerolog.Logger
	handlerID uint32
	opened    atomic.Bool
}

func newClient(device *store.Device, handler EventHandler, logger zerolog.Logger) *Client {
	wc := whatsmeow.NewClient(device, waLog.Zerolog(logger.With().Str("component", "whatsmeow").Logger()))
	// reconnection is decided by the bot, not by whatsmeow
	wc.EnableAutoReconnect = false

	c := &Client{
		client:  wc,
		handler: handler,
		logger:  logger,
	}
	c.handlerID = wc.AddEventHandler(c.eventHandler)
	return c
}

// Connect opens the websocket. Events follow through the handler.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	return nil
}

// Disconnect closes the websocket and detaches the handler so a superseded
// handle can no longer report events.
func (c *Client) Disconnect() {
	c.client.RemoveEventHandler(c.handlerID)
	c.client.Disconnect()
}

// IsRegistered returns true if the device store holds a paired identity
func (c *Client) IsRegistered() bool {
	return c.client.Store.ID != nil
}

// OwnID returns the bot's own user JID
func (c *Client) OwnID() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

// PairPhone requests a phone-number pairing code
func (c *Client) PairPhone(ctx context.Context, phone string) (string, error) {
	if c.IsRegistered() {
		return "", ErrAlreadyPaired
	}
	if !c.client.IsConnected() {
		return "", ErrNotConnected
	}
	code, err := c.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("whatsapp pair phone: %w", err)
	}
	return code, nil
}

// SendText sends a text message to the given JID, mentioning the given JIDs
func (c *Client) SendText(ctx context.Context, to, text string, mentions []string) (string, error) {
	jid, err := wtypes.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("whatsapp: parse JID %q: %w", to, err)
	}
	resp, err := c.client.SendMessage(ctx, jid, utils.CreateTextMessage(text, mentions...))
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	return string(resp.ID), nil
}

// SetTyping shows or clears the "typing..." indicator in a chat
func (c *Client) SetTyping(ctx context.Context, chat string, typing bool) error {
	jid, err := wtypes.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("whatsapp: parse JID %q: %w", chat, err)
	}
	state := wtypes.ChatPresencePaused
	if typing {
		state = wtypes.ChatPresenceComposing
	}
	return c.client.SendChatPresence(ctx, jid, state, wtypes.ChatPresenceMediaText)
}

// MarkOnline sets the account presence to available
func (c *Client) MarkOnline(ctx context.Context) error {
	return c.client.SendPresence(ctx, wtypes.PresenceAvailable)
}

// SaveCredentials flushes the device identity to the sqlstore
func (c *Client) SaveCredentials(ctx context.Context) error {
	return c.client.Store.Save(ctx)
}

func (c *Client) emit(evt Event) {
	if c.handler != nil {
		c.handler(evt)
	}
}

// eventHandler translates whatsmeow events into transport events.
func (c *Client) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.opened.Store(true)
		c.emit(Event{Kind: EventOpen})
	case *events.QR:
		if len(v.Codes) > 0 {
			c.emit(Event{Kind: EventQR, QRCode: v.Codes[0]})
		}
		// an unpaired socket never sees Connected; the first QR means it is up
		if c.opened.CompareAndSwap(false, true) {
			c.emit(Event{Kind: EventOpen})
		}
	case *events.PairSuccess:
		c.emit(Event{Kind: EventCredentialsUpdated, Detail: v.ID.String()})
	case *events.LoggedOut:
		c.emit(Event{Kind: EventClosed, Reason: ReasonLoggedOut, Detail: v.Reason.String()})
	case *events.StreamReplaced:
		c.emit(Event{Kind: EventClosed, Reason: ReasonReplaced})
	case *events.ConnectFailure:
		c.emit(Event{Kind: EventClosed, Reason: ReasonConnectFailure, Detail: v.Reason.String()})
	case *events.TemporaryBan:
		c.emit(Event{Kind: EventClosed, Reason: ReasonBanned, Detail: v.String()})
	case *events.Disconnected:
		c.emit(Event{Kind: EventClosed, Reason: ReasonConnectionLost})
	case *events.Message:
		c.emit(Event{Kind: EventMessage, Message: toInbound(v)})
	}
}

func toInbound(v *events.Message) types.InboundEvent {
	return types.InboundEvent{
		ID:             string(v.Info.ID),
		SenderID:       v.Info.Sender.ToNonAD().String(),
		ConversationID: v.Info.Chat.String(),
		IsGroup:        v.Info.IsGroup,
		DisplayName:    v.Info.PushName,
		Content:        utils.ContentOf(v.Message),
		MentionedIDs:   utils.MentionsOf(v.Message),
		FromSelf:       v.Info.IsFromMe,
		Timestamp:      v.Info.Timestamp,
	}
}

var _ Session = (*Client)(nil)

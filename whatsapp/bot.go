package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"whatsapp-karl-bot/ai"
	"whatsapp-karl-bot/cache"
	"whatsapp-karl-bot/types"
	"whatsapp-karl-bot/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Replies sent in place of a completion when the AI call fails
const (
	ReplyBusy          = "I'm getting a lot of questions right now. Please try again in a moment."
	ReplyMisconfigured = "Sorry, my AI service is misconfigured at the moment. Please let my owner know."
	ReplyUnavailable   = "Sorry, I can't reach my AI service right now. Please try again later."
)

// PairingInstructions tells the user where to enter a pairing code
const PairingInstructions = "Open WhatsApp on your phone > Settings > Linked Devices > Link a device > " +
	"Link with phone number instead, then enter the code."

var (
	// ErrNoSession is returned when an operation needs a transport handle and none exists
	ErrNoSession = errors.New("no active WhatsApp session")

	errSuperseded = errors.New("connection attempt superseded")
)

type envelope struct {
	gen   uint64
	event Event
}

// Bot watches inbound messages for trigger keywords, answers them through the
// completion client and owns the connection lifecycle of the transport.
type Bot struct {
	cfg     Config
	dialer  Dialer
	ai      ai.Completer
	pairing PairingStore
	trigger *Trigger
	limiter *RateLimiter
	seen    *cache.Cache
	logger  zerolog.Logger

	events    chan envelope
	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time

	// replaced in tests
	schedule Scheduler
	spawn    func(func())
	now      func() time.Time

	inbound   func(types.InboundEvent)
	qrHandler func(code string)

	mu         sync.Mutex
	session    Session
	generation uint64
	state      ConnectionState
	reconnect  *utils.LinearBackOff
	fatal      bool
	pairedGen  uint64
	lastQR     string
	timers     []func()
}

// NewBot creates the orchestrator. Nothing connects until Start is called.
func NewBot(cfg Config, dialer Dialer, completer ai.Completer, pairing PairingStore, logger zerolog.Logger) *Bot {
	cfg = cfg.withDefaults()
	b := &Bot{
		cfg:       cfg,
		dialer:    dialer,
		ai:        completer,
		pairing:   pairing,
		trigger:   NewTrigger(cfg.Trigger),
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateBurst, 10*time.Minute),
		seen:      cache.NewCache(4096, cfg.DedupWindow),
		logger:    logger.With().Str("component", "bot").Logger(),
		events:    make(chan envelope, 64),
		done:      make(chan struct{}),
		startedAt: time.Now(),
		schedule:  timerScheduler,
		spawn:     func(f func()) { go f() },
		now:       time.Now,
		state:     StateDisconnected,
		reconnect: utils.NewLinearBackOff(cfg.ReconnectInterval, cfg.MaxReconnects),
	}
	return b
}

// SetInboundSink routes inbound messages, e.g. into a worker queue. By default
// every message is handled on its own goroutine.
func (b *Bot) SetInboundSink(sink func(types.InboundEvent)) {
	b.inbound = sink
}

// SetQRHandler is called with every QR code the transport produces.
func (b *Bot) SetQRHandler(h func(code string)) {
	b.qrHandler = h
}

// Run processes connection events until ctx is done. It is the only place
// where transport events change the connection state.
func (b *Bot) Run(ctx context.Context) {
	b.limiter.StartCleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case env := <-b.events:
			b.safeHandle(ctx, env)
		}
	}
}

// Start opens a new connection, superseding any previous one. It also clears a
// fatal "max reconnects exceeded" condition.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info().Msg("starting WhatsApp connection")
	return b.restart(ctx, false)
}

// Pair re-initializes the connection unless it is open and then requests a
// pairing code for the configured phone.
func (b *Bot) Pair(ctx context.Context) (types.PairingRecord, error) {
	if b.State() != StateOpen {
		b.logger.Info().Msg("connection not open, reconnecting before pairing")
		if err := b.restart(ctx, true); err != nil {
			return types.PairingRecord{}, fmt.Errorf("reconnect for pairing: %w", err)
		}
	}
	return b.RequestPairingCode(ctx)
}

func (b *Bot) restart(ctx context.Context, forPairing bool) error {
	b.mu.Lock()
	b.fatal = false
	b.reconnect.Reset()
	b.mu.Unlock()
	return b.connect(ctx, forPairing)
}

// Shutdown disconnects the transport and stops background work.
func (b *Bot) Shutdown() {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	sess := b.session
	b.session = nil
	b.generation++
	b.state = StateDisconnected
	b.stopTimersLocked()
	b.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
	b.seen.Stop()
	b.logger.Info().Msg("bot shut down")
}

// connect dials a new handle that supersedes the current one. With forPairing
// the caller issues the pairing code itself, so the automatic request of the
// new generation is claimed up front.
func (b *Bot) connect(ctx context.Context, forPairing bool) error {
	b.mu.Lock()
	b.generation++
	gen := b.generation
	if forPairing {
		b.pairedGen = gen
	}
	old := b.session
	b.session = nil
	b.state = StateConnecting
	b.stopTimersLocked()
	b.mu.Unlock()
	utils.SetConnectionState(int(StateConnecting))

	if old != nil {
		old.Disconnect()
	}

	sess, err := b.dialer.Dial(ctx, b.dispatch(gen))
	if err != nil {
		b.post(envelope{gen: gen, event: Event{Kind: EventClosed, Reason: ReasonConnectFailure, Detail: err.Error()}})
		return fmt.Errorf("dial whatsapp: %w", err)
	}

	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		sess.Disconnect()
		return errSuperseded
	}
	b.session = sess
	b.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		b.post(envelope{gen: gen, event: Event{Kind: EventClosed, Reason: ReasonConnectFailure, Detail: err.Error()}})
		return err
	}

	if !sess.IsRegistered() {
		b.mu.Lock()
		if b.generation == gen {
			b.timers = append(b.timers, b.schedule(b.cfg.AutoPairTimeout, func() {
				b.post(envelope{gen: gen, event: Event{Kind: eventAutoPair}})
			}))
		}
		b.mu.Unlock()
	}
	b.logger.Info().Uint64("generation", gen).Bool("registered", sess.IsRegistered()).Msg("connection attempt started")
	return nil
}

// dispatch returns the transport event handler for one connection generation.
func (b *Bot) dispatch(gen uint64) EventHandler {
	return func(evt Event) {
		if evt.Kind != EventMessage {
			b.post(envelope{gen: gen, event: evt})
			return
		}
		if !b.isCurrent(gen) {
			return
		}
		if b.inbound != nil {
			b.inbound(evt.Message)
			return
		}
		go b.HandleInbound(context.Background(), evt.Message)
	}
}

func (b *Bot) post(env envelope) {
	select {
	case b.events <- env:
	case <-b.done:
	}
}

func (b *Bot) isCurrent(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return gen == b.generation
}

func (b *Bot) safeHandle(ctx context.Context, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", env.event.Kind.String()).Msg("event handler panicked")
		}
	}()
	b.handle(ctx, env)
}

func (b *Bot) handle(ctx context.Context, env envelope) {
	// credentials are persisted whatever the state or generation
	if env.event.Kind == EventCredentialsUpdated {
		b.onCredentials(ctx, env.event)
		return
	}
	if !b.isCurrent(env.gen) {
		b.logger.Debug().Uint64("generation", env.gen).Str("event", env.event.Kind.String()).
			Msg("dropping event from superseded connection")
		return
	}

	switch env.event.Kind {
	case EventOpen:
		b.onOpen(ctx, env.gen)
	case EventClosed:
		b.onClosed(ctx, env.gen, env.event)
	case EventQR:
		b.onQR(env.event.QRCode)
	case eventRetry:
		b.onRetry(ctx)
	case eventAutoPair:
		b.autoPair(ctx, env.gen)
	}
}

func (b *Bot) onOpen(ctx context.Context, gen uint64) {
	b.mu.Lock()
	sess := b.session
	b.state = StateOpen
	b.fatal = false
	b.reconnect.Reset()
	b.mu.Unlock()
	utils.SetConnectionState(int(StateOpen))

	if sess == nil {
		return
	}
	if !sess.IsRegistered() {
		b.logger.Info().Msg("connection open, device not paired yet")
		b.autoPair(ctx, gen)
		return
	}

	b.logger.Info().Str("jid", sess.OwnID()).Msg("connection open")
	if err := sess.MarkOnline(ctx); err != nil {
		b.logger.Debug().Err(err).Msg("failed to set online presence")
	}
}

func (b *Bot) onClosed(ctx context.Context, gen uint64, evt Event) {
	b.mu.Lock()
	// one close per attempt; a logged-out session stays down until paired again
	if b.state != StateOpen && b.state != StateConnecting {
		b.mu.Unlock()
		return
	}

	if evt.Reason == ReasonLoggedOut {
		b.state = StateLoggedOut
		b.mu.Unlock()
		utils.SetConnectionState(int(StateLoggedOut))
		b.logger.Warn().Str("detail", evt.Detail).Msg("logged out, requesting a new pairing code")
		b.spawn(func() {
			_, _ = b.RequestPairingCode(ctx)
		})
		return
	}

	b.state = StateDisconnected
	delay := b.reconnect.NextBackOff()
	if delay == backoff.Stop {
		b.fatal = true
		b.mu.Unlock()
		utils.SetConnectionState(int(StateDisconnected))
		b.logger.Error().Int("max_reconnects", b.cfg.MaxReconnects).Str("reason", evt.Reason.String()).
			Msg("max reconnects exceeded, giving up")
		return
	}
	attempt := b.reconnect.Attempts()
	b.timers = append(b.timers, b.schedule(delay, func() {
		b.post(envelope{gen: gen, event: Event{Kind: eventRetry}})
	}))
	b.mu.Unlock()

	utils.SetConnectionState(int(StateDisconnected))
	utils.RecordReconnect()
	b.logger.Warn().
		Str("reason", evt.Reason.String()).
		Str("detail", evt.Detail).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("connection closed, reconnect scheduled")
}

func (b *Bot) onRetry(ctx context.Context) {
	b.mu.Lock()
	ready := b.state == StateDisconnected && !b.fatal
	b.mu.Unlock()
	if !ready {
		return
	}
	b.spawn(func() {
		if err := b.connect(ctx, false); err != nil && !errors.Is(err, errSuperseded) {
			b.logger.Warn().Err(err).Msg("reconnect attempt failed")
		}
	})
}

func (b *Bot) onCredentials(ctx context.Context, evt Event) {
	b.mu.Lock()
	sess := b.session
	b.mu.Unlock()

	if sess != nil {
		if err := sess.SaveCredentials(ctx); err != nil {
			b.logger.Error().Err(err).Msg("failed to persist credentials")
		}
	}

	record, err := b.pairing.Load()
	if err == nil && record.Status != types.PairingPaired {
		record.Status = types.PairingPaired
		if err := b.pairing.Save(record); err != nil {
			b.logger.Warn().Err(err).Msg("failed to update pairing log")
		}
	}
	b.logger.Info().Str("jid", evt.Detail).Msg("device paired, credentials saved")
}

func (b *Bot) onQR(code string) {
	b.mu.Lock()
	b.lastQR = code
	b.mu.Unlock()
	if b.qrHandler != nil {
		b.qrHandler(code)
	}
}

// autoPair requests a pairing code once per connection generation.
func (b *Bot) autoPair(ctx context.Context, gen uint64) {
	b.mu.Lock()
	sess := b.session
	already := b.pairedGen == gen
	b.mu.Unlock()
	if sess == nil || already || sess.IsRegistered() {
		return
	}
	b.spawn(func() {
		_, _ = b.pair(ctx, sess, gen)
	})
}

// RequestPairingCode asks the transport for a phone-number pairing code and
// stores it in the pairing log. After a logout a fresh handle is dialed first.
func (b *Bot) RequestPairingCode(ctx context.Context) (types.PairingRecord, error) {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	if state == StateLoggedOut {
		if err := b.connect(ctx, true); err != nil {
			b.logger.Warn().Err(err).Msg("could not reconnect for pairing; retry with POST /pair")
			return types.PairingRecord{}, fmt.Errorf("reconnect for pairing: %w", err)
		}
	}

	b.mu.Lock()
	sess, gen := b.session, b.generation
	b.mu.Unlock()
	if sess == nil {
		b.logger.Warn().Msg("pairing code requested without an active session")
		return types.PairingRecord{}, ErrNoSession
	}
	return b.pair(ctx, sess, gen)
}

func (b *Bot) pair(ctx context.Context, sess Session, gen uint64) (types.PairingRecord, error) {
	phone := utils.DigitsOnly(b.cfg.Phone)

	b.mu.Lock()
	b.pairedGen = gen
	b.mu.Unlock()

	var code string
	err := ErrAlreadyPaired
	if !sess.IsRegistered() {
		code, err = sess.PairPhone(ctx, phone)
	}
	if err != nil {
		if errors.Is(err, ErrAlreadyPaired) {
			b.logger.Info().Msg("device already paired, no pairing code needed")
		} else {
			utils.RecordPairing(err)
			b.logger.Warn().Err(err).Msg("pairing code request failed; retry with POST /pair")
		}
		return types.PairingRecord{}, err
	}
	utils.RecordPairing(nil)

	record := types.PairingRecord{
		Timestamp: b.now(),
		Phone:     phone,
		Code:      utils.FormatPairingCode(code),
		Status:    types.PairingPending,
	}
	if err := b.pairing.Save(record); err != nil {
		b.logger.Warn().Err(err).Msg("failed to write pairing log")
	}
	b.logger.Info().Str("code", record.Code).Str("phone", phone).Msg("pairing code issued")
	b.logger.Info().Msg(PairingInstructions)
	return record, nil
}

// HandleInbound decides whether a message should be answered and, if so, sends
// the reply. Failures are logged and never returned.
func (b *Bot) HandleInbound(ctx context.Context, evt types.InboundEvent) {
	text := strings.TrimSpace(evt.Text())
	if utf8.RuneCountInString(text) < 2 || evt.FromSelf || b.isSelf(evt.SenderID) {
		return
	}
	if evt.ID != "" && b.seen.Seen(evt.ID) {
		b.logger.Debug().Str("message_id", evt.ID).Msg("duplicate delivery ignored")
		return
	}

	decision := b.trigger.Match(text)
	utils.RecordTrigger(decision.Matched)
	if !decision.Matched {
		return
	}
	log := b.logger.With().
		Str("chat", evt.ConversationID).
		Str("sender", evt.SenderID).
		Str("keyword", decision.Keyword).
		Logger()
	if !b.limiter.Allow(evt.SenderID) {
		log.Debug().Msg("sender rate limited")
		return
	}

	sess := b.currentSession()
	if sess == nil {
		log.Warn().Msg("trigger matched but no active session")
		return
	}
	log.Info().Msg("trigger matched")

	if err := sess.SetTyping(ctx, evt.ConversationID, true); err != nil {
		log.Debug().Err(err).Msg("failed to send typing indicator")
	}
	reply := b.complete(ctx, text, conversationHint(evt), log)

	// the handle may have been replaced while the completion ran
	if sess = b.currentSession(); sess == nil {
		log.Warn().Msg("session went away before the reply could be sent")
		return
	}
	if err := sess.SetTyping(ctx, evt.ConversationID, false); err != nil {
		log.Debug().Err(err).Msg("failed to clear typing indicator")
	}

	var mentions []string
	if evt.IsGroup && (decision.Mention || b.mentionsSelf(evt.MentionedIDs)) {
		mentions = []string{evt.SenderID}
	}

	id, err := sess.SendText(ctx, evt.ConversationID, b.formatReply(reply), mentions)
	utils.RecordReply(err)
	if err != nil {
		log.Error().Err(err).Msg("failed to send reply")
		return
	}
	log.Info().Str("message_id", id).Msg("reply sent")
}

func (b *Bot) complete(ctx context.Context, text, hint string, log zerolog.Logger) string {
	start := time.Now()
	reply, err := b.ai.Complete(ctx, text, hint)
	if err != nil {
		kind := ai.KindOf(err)
		utils.RecordCompletion(time.Since(start), kind.String())
		log.Warn().Err(err).Str("kind", kind.String()).Msg("completion failed, sending apology")
		return apologyFor(kind)
	}
	utils.RecordCompletion(time.Since(start), "ok")
	return reply
}

func apologyFor(kind ai.Kind) string {
	switch kind {
	case ai.KindRateLimited:
		return ReplyBusy
	case ai.KindInvalidConfig:
		return ReplyMisconfigured
	default:
		return ReplyUnavailable
	}
}

func conversationHint(evt types.InboundEvent) string {
	name := evt.DisplayName
	if name == "" {
		name = "someone"
	}
	if evt.IsGroup {
		return fmt.Sprintf("Group message from %s in a group chat. Keep it short.", name)
	}
	return fmt.Sprintf("Direct message from %s.", name)
}

func (b *Bot) formatReply(reply string) string {
	return b.cfg.BotName + ": " + reply
}

func (b *Bot) currentSession() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

func (b *Bot) isSelf(id string) bool {
	sess := b.currentSession()
	if sess == nil || id == "" {
		return false
	}
	return sess.OwnID() == id
}

func (b *Bot) mentionsSelf(ids []string) bool {
	sess := b.currentSession()
	if sess == nil {
		return false
	}
	own := sess.OwnID()
	for _, id := range ids {
		if own != "" && id == own {
			return true
		}
	}
	return false
}

func (b *Bot) stopTimersLocked() {
	for _, cancel := range b.timers {
		cancel()
	}
	b.timers = nil
}

// SendText sends a message on behalf of the HTTP surface. It requires an open connection.
func (b *Bot) SendText(ctx context.Context, to, text string) (types.SendResult, error) {
	b.mu.Lock()
	sess, state := b.session, b.state
	b.mu.Unlock()
	if sess == nil || state != StateOpen {
		return types.SendResult{}, ErrNotConnected
	}

	id, err := sess.SendText(ctx, to, text, nil)
	utils.RecordReply(err)
	if err != nil {
		return types.SendResult{}, err
	}
	return types.SendResult{To: to, ID: id}, nil
}

// Status is computed on every call from the current state.
func (b *Bot) Status() types.BotStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	return types.BotStatus{
		Name:              b.cfg.BotName,
		Connected:         b.state == StateOpen,
		State:             b.state.String(),
		Phone:             b.cfg.Phone,
		ReconnectAttempts: b.reconnect.Attempts(),
		Fatal:             b.fatal,
		Timestamp:         now,
		UptimeSeconds:     int64(now.Sub(b.startedAt).Seconds()),
	}
}

// State returns the current connection state
func (b *Bot) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connected reports whether the connection is open
func (b *Bot) Connected() bool {
	return b.State() == StateOpen
}

// Uptime returns the time since the bot was created
func (b *Bot) Uptime() time.Duration {
	return b.now().Sub(b.startedAt)
}

// LatestQR returns the most recent QR code emitted by the transport, if any
func (b *Bot) LatestQR() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastQR
}

// Phone returns the configured phone identity
func (b *Bot) Phone() string {
	return b.cfg.Phone
}

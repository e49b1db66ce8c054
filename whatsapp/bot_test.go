package whatsapp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"whatsapp-karl-bot/ai"
	"whatsapp-karl-bot/types"

	"github.com/rs/zerolog"
)

const botJID = "263770000000@s.whatsapp.net"

type sentMessage struct {
	to       string
	text     string
	mentions []string
}

type fakeSession struct {
	mu           sync.Mutex
	registered   bool
	connectErr   error
	onConnect    func()
	typingErr    error
	typingCalls  int
	pairCode     string
	pairErr      error
	pairCalls    int
	sent         []sentMessage
	connects     int
	disconnected bool
	saves        int
	online       int
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connects++
	err, hook := s.connectErr, s.onConnect
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSession) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *fakeSession) OwnID() string {
	if !s.IsRegistered() {
		return ""
	}
	return botJID
}

func (s *fakeSession) PairPhone(ctx context.Context, phone string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairCalls++
	return s.pairCode, s.pairErr
}

func (s *fakeSession) SendText(ctx context.Context, to, text string, mentions []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{to: to, text: text, mentions: mentions})
	return "MSG1", nil
}

func (s *fakeSession) SetTyping(ctx context.Context, chat string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingCalls++
	return s.typingErr
}

func (s *fakeSession) MarkOnline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online++
	return nil
}

func (s *fakeSession) SaveCredentials(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *fakeSession) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fakeDialer struct {
	mu       sync.Mutex
	dialErr  error
	next     func() *fakeSession
	sessions []*fakeSession
	handlers []EventHandler
}

func (d *fakeDialer) Dial(ctx context.Context, handler EventHandler) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &fakeSession{registered: true}
	if d.next != nil {
		s = d.next()
	}
	d.sessions = append(d.sessions, s)
	d.handlers = append(d.handlers, handler)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) last() (*fakeSession, EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1], d.handlers[len(d.handlers)-1]
}

type completionCall struct {
	prompt string
	hint   string
}

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []completionCall
}

func (c *fakeCompleter) Complete(ctx context.Context, prompt, hint string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, completionCall{prompt: prompt, hint: hint})
	return c.reply, c.err
}

type memPairingStore struct {
	mu     sync.Mutex
	record *types.PairingRecord
}

func (m *memPairingStore) Save(record types.PairingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = &record
	return nil
}

func (m *memPairingStore) Load() (types.PairingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return types.PairingRecord{}, errors.New("no pairing record")
	}
	return *m.record, nil
}

type scheduled struct {
	delay time.Duration
	run   func()
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{delay: d, run: f})
	return func() {}
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, c := range s.calls {
		out = append(out, c.delay)
	}
	return out
}

func (s *fakeScheduler) lastRun() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1].run
}

type harness struct {
	bot       *Bot
	dialer    *fakeDialer
	completer *fakeCompleter
	pairing   *memPairingStore
	scheduler *fakeScheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer:    &fakeDialer{},
		completer: &fakeCompleter{reply: "hello there"},
		pairing:   &memPairingStore{},
		scheduler: &fakeScheduler{},
	}
	cfg := Config{
		Phone:     "+263 77 123 4567",
		RateBurst: 100,
		RateLimit: 100,
	}
	h.bot = NewBot(cfg, h.dialer, h.completer, h.pairing, zerolog.Nop())
	h.bot.schedule = h.scheduler.schedule
	h.bot.spawn = func(f func()) { f() }
	t.Cleanup(h.bot.Shutdown)
	return h
}

// drain runs every queued connection event on the calling goroutine.
func (h *harness) drain() {
	for {
		select {
		case env := <-h.bot.events:
			h.bot.handle(context.Background(), env)
		default:
			return
		}
	}
}

// open starts the bot and reports the connection as open.
func (h *harness) open(t *testing.T) *fakeSession {
	t.Helper()
	if err := h.bot.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess, handler := h.dialer.last()
	handler(Event{Kind: EventOpen})
	h.drain()
	if h.bot.State() != StateOpen {
		t.Fatalf("state = %v, want open", h.bot.State())
	}
	return sess
}

func (h *harness) closeConn(reason CloseReason) {
	_, handler := h.dialer.last()
	handler(Event{Kind: EventClosed, Reason: reason})
	h.drain()
}

func directMessage(id, text string) types.InboundEvent {
	return types.InboundEvent{
		ID:             id,
		SenderID:       "263771111111@s.whatsapp.net",
		ConversationID: "263771111111@s.whatsapp.net",
		DisplayName:    "Alice",
		Content:        types.MessageContent{Conversation: text},
	}
}

func groupMessage(id, text string) types.InboundEvent {
	return types.InboundEvent{
		ID:             id,
		SenderID:       "263772222222@s.whatsapp.net",
		ConversationID: "120363000000000000@g.us",
		IsGroup:        true,
		DisplayName:    "Bob",
		Content:        types.MessageContent{ExtendedText: text},
	}
}

func TestHandleInboundIgnoresShortAndSelfMessages(t *testing.T) {
	h := newHarness(t)
	sess := h.open(t)
	ctx := context.Background()

	short := directMessage("1", "k")
	h.bot.HandleInbound(ctx, short)

	fromSelf := directMessage("2", "karl hello")
	fromSelf.FromSelf = true
	h.bot.HandleInbound(ctx, fromSelf)

	ownSender := directMessage("3", "karl hello")
	ownSender.SenderID = botJID
	h.bot.HandleInbound(ctx, ownSender)

	h.bot.HandleInbound(ctx, directMessage("4", "nothing to see here"))

	if len(h.completer.calls) != 0 {
		t.Errorf("completer called %d times, want 0", len(h.completer.calls))
	}
	if n := len(sess.messages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestHandleInboundDirectMessage(t *testing.T) {
	h := newHarness(t)
	sess := h.open(t)

	h.bot.HandleInbound(context.Background(), directMessage("ABC", "Karl what's up?"))

	if len(h.completer.calls) != 1 {
		t.Fatalf("completer called %d times, want 1", len(h.completer.calls))
	}
	call := h.completer.calls[0]
	if call.prompt != "Karl what's up?" {
		t.Errorf("prompt = %q", call.prompt)
	}
	if call.hint != "Direct message from Alice." {
		t.Errorf("hint = %q", call.hint)
	}

	sent := sess.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].to != "263771111111@s.whatsapp.net" {
		t.Errorf("reply sent to %q", sent[0].to)
	}
	if sent[0].text != "Karl: hello there" {
		t.Errorf("reply text = %q", sent[0].text)
	}
	if len(sent[0].mentions) != 0 {
		t.Errorf("direct reply mentions %v", sent[0].mentions)
	}
}

func TestHandleInboundRepliesWhenTypingIndicatorFails(t *testing.T) {
	h := newHarness(t)
	sess := h.open(t)
	sess.typingErr = errors.New("presence rejected")

	h.bot.HandleInbound(context.Background(), directMessage("TYP", "karl ping"))

	if sess.typingCalls != 2 {
		t.Errorf("typing calls = %d, want set and clear", sess.typingCalls)
	}
	if n := len(sess.messages()); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestHandleInboundUsesCaptionText(t *testing.T) {
	h := newHarness(t)
	sess := h.open(t)

	evt := directMessage("CAP", "")
	evt.Content = types.MessageContent{ImageCaption: "assistant, what is this?"}
	h.bot.HandleInbound(context.Background(), evt)

	if n := len(sess.messages()); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestHandleInboundApologies(t *testing.T) {
	tests := []struct {
		kind ai.Kind
		want string
	}{
		{ai.KindRateLimited, ReplyBusy},
		{ai.KindInvalidConfig, ReplyMisconfigured},
		{ai.KindUnavailable, ReplyUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			h := newHarness(t)
			sess := h.open(t)
			h.completer.err = &ai.Error{Kind: tt.kind, Err: errors.New("boom")}

			h.bot.HandleInbound(context.Background(), directMessage("X", "karl help"))

			sent := sess.messages()
			if len(sent) != 1 {
				t.Fatalf("sent %d messages, want exactly 1", len(sent))
			}
			if sent[0].text != "Karl: "+tt.want {
				t.Errorf("reply = %q, want %q", sent[0].text, tt.want)
			}
		})
	}
}

func TestHandleInboundGroupMentions(t *testing.T) {
	h := newHarness(t)
	sess := h.open(t)
	ctx := context.Background()

	h.bot.HandleInbound(ctx, groupMessage("G1", "@karl tell me a joke"))

	plain := groupMessage("G2", "karl tell me a joke")
	h.bot.HandleInbound(ctx, plain)

	tagged := groupMessage("G3", "hey assistant")
	tagged.MentionedIDs = []string{botJID}
	h.bot.HandleInbound(ctx, tagged)

	sent := sess.messages()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	if got := sent[0].mentions; len(got) != 1 || got[0] != "263772222222@s.whatsapp.net" {
		t.Errorf("@karl reply mentions = %v", got)
	}
	if len(sent[1].mentions) != 0 {
		t.Errorf("plain keyword reply mentions = %v", sent[1].mentions)
	}
	if len(sent[2].mentions) != 1 {
		t.Errorf("JID mention reply mentions = %v", sent[2].mentions)
	}
	if !strings.HasPrefix(h.completer.calls[0].hint, "Group message from Bob in a group chat.") {
		t.Errorf("group hint = %q", h.completer.calls[0].hint)
	}
}

func TestHandleInboundDropsDuplicates(t *testing.T) {
	h := newHarness(t)
	sess := h.open(t)

	evt := directMessage("DUP", "karl are you there")
	h.bot.HandleInbound(context.Background(), evt)
	h.bot.HandleInbound(context.Background(), evt)

	if n := len(sess.messages()); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestHandleInboundRateLimitsSender(t *testing.T) {
	h := newHarness(t)
	h.bot.limiter = NewRateLimiter(0.0001, 1, time.Minute)
	sess := h.open(t)

	h.bot.HandleInbound(context.Background(), directMessage("R1", "karl one"))
	h.bot.HandleInbound(context.Background(), directMessage("R2", "karl two"))

	if n := len(sess.messages()); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestReconnectBackoffIsLinearAndBounded(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	for i := 0; i < DefaultMaxReconnects; i++ {
		h.closeConn(ReasonConnectionLost)
		if got := h.bot.State(); got != StateDisconnected {
			t.Fatalf("after close %d state = %v, want disconnected", i+1, got)
		}
		h.scheduler.lastRun()()
		h.drain()
		if got := h.bot.State(); got != StateConnecting {
			t.Fatalf("after retry %d state = %v, want connecting", i+1, got)
		}
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second}
	got := h.scheduler.delays()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}

	dials := h.dialer.dials()
	h.closeConn(ReasonConnectionLost)
	status := h.bot.Status()
	if !status.Fatal {
		t.Error("expected fatal after max reconnects")
	}
	if status.ReconnectAttempts != DefaultMaxReconnects {
		t.Errorf("attempts = %d, want %d", status.ReconnectAttempts, DefaultMaxReconnects)
	}
	if n := len(h.scheduler.delays()); n != len(want) {
		t.Errorf("scheduled %d retries after exhaustion, want %d", n, len(want))
	}
	if h.dialer.dials() != dials {
		t.Error("dialed again after exhaustion")
	}

	// a manual start clears the fatal mark
	h.open(t)
	if status := h.bot.Status(); status.Fatal || status.ReconnectAttempts != 0 {
		t.Errorf("after manual start status = %+v", status)
	}
}

func TestOpenResetsReconnectCounter(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	h.closeConn(ReasonConnectionLost)
	h.scheduler.lastRun()()
	h.drain()
	_, handler := h.dialer.last()
	handler(Event{Kind: EventOpen})
	h.drain()

	if got := h.bot.Status().ReconnectAttempts; got != 0 {
		t.Errorf("attempts after open = %d, want 0", got)
	}
	h.closeConn(ReasonConnectionLost)
	if got := h.scheduler.delays(); got[len(got)-1] != 5*time.Second {
		t.Errorf("delay after reset = %v, want 5s", got[len(got)-1])
	}
}

func TestLoggedOutRequestsPairingWithoutRetry(t *testing.T) {
	h := newHarness(t)
	first := h.open(t)
	h.dialer.next = func() *fakeSession { return &fakeSession{pairCode: "ABCDEFGH"} }

	h.closeConn(ReasonLoggedOut)

	if got := h.bot.Status().ReconnectAttempts; got != 0 {
		t.Errorf("attempts = %d, want 0", got)
	}
	for _, d := range h.scheduler.delays() {
		if d != DefaultAutoPairTimeout {
			t.Errorf("unexpected reconnect scheduled after %v", d)
		}
	}
	if !first.disconnected {
		t.Error("old session was not disconnected")
	}
	fresh, _ := h.dialer.last()
	if fresh == first || fresh.pairCalls != 1 {
		t.Fatalf("fresh session pair calls = %d", fresh.pairCalls)
	}
	record, err := h.pairing.Load()
	if err != nil {
		t.Fatalf("pairing record not saved: %v", err)
	}
	if record.Code != "ABCD-EFGH" || record.Phone != "263771234567" || record.Status != types.PairingPending {
		t.Errorf("record = %+v", record)
	}
}

// unpairedSocket returns a session that, like an unpaired whatsmeow client,
// reports a QR code and comes up as soon as it connects.
func (h *harness) unpairedSocket(code string) func() *fakeSession {
	return func() *fakeSession {
		s := &fakeSession{pairCode: code}
		s.onConnect = func() {
			_, handler := h.dialer.last()
			handler(Event{Kind: EventQR, QRCode: "2@fresh"})
			handler(Event{Kind: EventOpen})
			h.drain()
		}
		return s
	}
}

func TestLoggedOutIssuesOneCodeWhenSocketOpensImmediately(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.dialer.next = h.unpairedSocket("QRST5678")

	h.closeConn(ReasonLoggedOut)

	fresh, _ := h.dialer.last()
	if fresh.pairCalls != 1 {
		t.Fatalf("pair calls on fresh session = %d, want 1", fresh.pairCalls)
	}
	record, err := h.pairing.Load()
	if err != nil || record.Code != "QRST-5678" {
		t.Errorf("record = %+v, err = %v", record, err)
	}

	// the auto-pair timer of that generation must not ask again
	h.scheduler.lastRun()()
	h.drain()
	if fresh.pairCalls != 1 {
		t.Errorf("pair calls after auto-pair timer = %d, want 1", fresh.pairCalls)
	}
}

func TestPairReconnectsAfterReconnectsExhausted(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	for i := 0; i < DefaultMaxReconnects; i++ {
		h.closeConn(ReasonConnectionLost)
		h.scheduler.lastRun()()
		h.drain()
	}
	h.closeConn(ReasonConnectionLost)
	if !h.bot.Status().Fatal {
		t.Fatal("expected fatal after max reconnects")
	}

	dials := h.dialer.dials()
	h.dialer.next = h.unpairedSocket("LMNO9012")

	record, err := h.bot.Pair(context.Background())
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if record.Code != "LMNO-9012" {
		t.Errorf("code = %q", record.Code)
	}
	if h.dialer.dials() != dials+1 {
		t.Errorf("dials = %d, want %d", h.dialer.dials(), dials+1)
	}
	fresh, _ := h.dialer.last()
	if fresh.pairCalls != 1 {
		t.Errorf("pair calls = %d, want 1", fresh.pairCalls)
	}
	if status := h.bot.Status(); status.Fatal || status.State != "open" {
		t.Errorf("status after pairing = %+v", status)
	}
}

func TestPairKeepsOpenConnection(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	dials := h.dialer.dials()

	if _, err := h.bot.Pair(context.Background()); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("err = %v, want ErrAlreadyPaired", err)
	}
	if h.dialer.dials() != dials {
		t.Error("open connection was replaced")
	}
}

func TestStaleRetryIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	h.closeConn(ReasonConnectionLost)
	staleRetry := h.scheduler.lastRun()

	h.open(t)
	dials := h.dialer.dials()

	staleRetry()
	h.drain()

	if h.dialer.dials() != dials {
		t.Error("stale retry dialed a new connection")
	}
	if h.bot.State() != StateOpen {
		t.Errorf("state = %v, want open", h.bot.State())
	}
}

func TestStaleCloseIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	_, oldHandler := h.dialer.last()

	h.open(t)
	oldHandler(Event{Kind: EventClosed, Reason: ReasonConnectionLost})
	h.drain()

	if h.bot.State() != StateOpen {
		t.Errorf("state = %v, want open", h.bot.State())
	}
	if n := len(h.scheduler.delays()); n != 0 {
		t.Errorf("scheduled %d retries for a superseded handle", n)
	}
}

func TestConnectFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.dialer.dialErr = errors.New("database locked")

	if err := h.bot.Start(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	h.drain()

	if got := h.scheduler.delays(); len(got) != 1 || got[0] != 5*time.Second {
		t.Errorf("delays = %v, want [5s]", got)
	}
}

func TestRequestPairingCode(t *testing.T) {
	h := newHarness(t)

	if _, err := h.bot.RequestPairingCode(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("without session err = %v, want ErrNoSession", err)
	}

	h.open(t)
	if _, err := h.bot.RequestPairingCode(context.Background()); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("registered err = %v, want ErrAlreadyPaired", err)
	}
	if _, err := h.pairing.Load(); err == nil {
		t.Error("pairing record written for an already paired device")
	}
}

func TestAutoPairOncePerConnection(t *testing.T) {
	h := newHarness(t)
	h.dialer.next = func() *fakeSession { return &fakeSession{pairCode: "WXYZ1234"} }

	if err := h.bot.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess, handler := h.dialer.last()
	handler(Event{Kind: EventQR, QRCode: "2@abc"})
	handler(Event{Kind: EventOpen})
	h.drain()

	// the auto-pair timer fires afterwards
	h.scheduler.lastRun()()
	h.drain()

	if sess.pairCalls != 1 {
		t.Errorf("pair calls = %d, want 1", sess.pairCalls)
	}
	if h.bot.LatestQR() != "2@abc" {
		t.Errorf("latest QR = %q", h.bot.LatestQR())
	}

	handler(Event{Kind: EventCredentialsUpdated, Detail: botJID})
	h.drain()
	if sess.saves != 1 {
		t.Errorf("credential saves = %d, want 1", sess.saves)
	}
	record, _ := h.pairing.Load()
	if record.Status != types.PairingPaired || record.Code != "WXYZ-1234" {
		t.Errorf("record after pairing = %+v", record)
	}
}

func TestSendTextRequiresOpenConnection(t *testing.T) {
	h := newHarness(t)

	if _, err := h.bot.SendText(context.Background(), "263771234567@s.whatsapp.net", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	sess := h.open(t)
	res, err := h.bot.SendText(context.Background(), "263771234567@s.whatsapp.net", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != "MSG1" || res.To != "263771234567@s.whatsapp.net" {
		t.Errorf("result = %+v", res)
	}
	if sent := sess.messages(); len(sent) != 1 || sent[0].text != "hi" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	start := h.bot.startedAt
	h.bot.now = func() time.Time { return start.Add(90 * time.Second) }

	status := h.bot.Status()
	if status.Connected || status.State != "disconnected" {
		t.Errorf("initial status = %+v", status)
	}

	h.open(t)
	status = h.bot.Status()
	if !status.Connected || status.State != "open" {
		t.Errorf("open status = %+v", status)
	}
	if status.Name != "Karl" || status.Phone != "+263 77 123 4567" {
		t.Errorf("identity = %q %q", status.Name, status.Phone)
	}
	if status.UptimeSeconds != 90 {
		t.Errorf("uptime = %d, want 90", status.UptimeSeconds)
	}
}

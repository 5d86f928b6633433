package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doyleh/care-sync/internal/protocol"
)

// DefaultRetryDelay is the fixed pause before a reconnect attempt.
const DefaultRetryDelay = 2 * time.Second

const writeTimeout = 3 * time.Second

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateOpen
)

// Listener receives every inbound ACTION body (as an Event) and every
// LOGIN_OK (as a synthetic LOGIN_SUCCESS event), in arrival order.
type Listener func(protocol.Event)

// StatusListener receives a bool on every Open/Disconnected transition.
type StatusListener func(connected bool)

type subscription[T any] struct {
	id int
	fn T
}

// Transport owns the client's single connection to the relay.
//
// It is a looping Disconnected -> Connecting -> Open state machine with an
// unbounded FIFO queue for envelopes sent while not Open, and at most one
// pending reconnect timer. An explicit Disconnect cancels the timer and
// is terminal until Connect is called again.
type Transport struct {
	mu         sync.Mutex
	dial       Dialer
	log        *zap.Logger
	retryDelay time.Duration

	addr  string
	state connState
	conn  Conn
	queue []protocol.Envelope
	retry *time.Timer

	// gen invalidates in-flight dial attempts and read loops after an
	// explicit Disconnect or a superseding Connect.
	gen int

	nextSub   int
	listeners []subscription[Listener]
	statusLs  []subscription[StatusListener]
}

type Option func(*Transport)

// WithRetryDelay overrides the reconnect backoff. Tests shrink it.
func WithRetryDelay(d time.Duration) Option {
	return func(t *Transport) { t.retryDelay = d }
}

func NewTransport(dial Dialer, log *zap.Logger, opts ...Option) *Transport {
	t := &Transport{
		dial:       dial,
		log:        log,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateOpen
}

// Connect starts connecting to addr. No-op when already Open or
// Connecting to the same address. An empty addr reuses the last one.
func (t *Transport) Connect(addr string) {
	t.mu.Lock()
	if addr == "" {
		addr = t.addr
	}
	if addr == "" {
		t.mu.Unlock()
		t.log.Warn("connect called with no relay address")
		return
	}
	if t.addr == addr && (t.state == stateOpen || t.state == stateConnecting) {
		t.mu.Unlock()
		return
	}
	// A new target supersedes the current connection and any pending
	// retry; bumping gen in startConnectLocked retires the old run loop.
	t.addr = addr
	t.clearRetryLocked()
	old := t.conn
	t.conn = nil
	wasOpen := t.state == stateOpen
	t.startConnectLocked()

	if old != nil {
		_ = old.Close()
	}
	if wasOpen {
		t.notifyStatus(false)
	}
}

// Send transmits immediately when Open; otherwise it queues the envelope
// and opportunistically kicks off a connect. Nothing queued is ever
// dropped: the whole queue flushes in FIFO order on the next Open.
func (t *Transport) Send(env protocol.Envelope) {
	t.mu.Lock()
	if t.state == stateOpen && t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		t.write(conn, env)
		return
	}
	t.queue = append(t.queue, env)
	if t.state == stateDisconnected && t.addr != "" && t.retry == nil {
		t.startConnectLocked()
		return
	}
	t.mu.Unlock()
}

// Login sends a LOGIN envelope through the normal send path, so it queues
// like anything else when the relay is unreachable.
func (t *Transport) Login(identity, secret, room string) {
	t.Send(protocol.NewLogin(identity, secret, room))
}

// SendAction wraps a domain event in an ACTION envelope.
func (t *Transport) SendAction(ev protocol.Event) {
	t.Send(protocol.NewAction(ev))
}

// Disconnect cancels any pending reconnect, closes the connection, and
// stays down until the next explicit Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.clearRetryLocked()
	t.gen++
	conn := t.conn
	t.conn = nil
	wasOpen := t.state == stateOpen
	t.state = stateDisconnected
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasOpen {
		t.notifyStatus(false)
	}
}

// Subscribe registers a listener for inbound events. The returned func
// removes it.
func (t *Transport) Subscribe(fn Listener) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.listeners = append(t.listeners, subscription[Listener]{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, sub := range t.listeners {
			if sub.id == id {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnStatus registers a connection-status observer.
func (t *Transport) OnStatus(fn StatusListener) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.statusLs = append(t.statusLs, subscription[StatusListener]{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, sub := range t.statusLs {
			if sub.id == id {
				t.statusLs = append(t.statusLs[:i], t.statusLs[i+1:]...)
				return
			}
		}
	}
}

// startConnectLocked transitions to Connecting and launches the dial
// goroutine. Caller holds the mutex; it is released here.
func (t *Transport) startConnectLocked() {
	t.state = stateConnecting
	t.gen++
	gen := t.gen
	addr := t.addr
	t.mu.Unlock()
	go t.run(gen, addr)
}

// run dials, flushes the queue, then reads until the connection drops.
// One run goroutine per connection attempt; gen mismatches mean this
// attempt was superseded and must clean up silently.
func (t *Transport) run(gen int, addr string) {
	conn, err := t.dial(context.Background(), addr)

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.state = stateDisconnected
		t.scheduleRetryLocked()
		t.mu.Unlock()
		t.log.Warn("relay dial failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	t.conn = conn
	// Drain the queue before flipping to Open: while the flush is in
	// progress the state stays Connecting, so concurrent Sends append to
	// the queue instead of jumping ahead of older queued envelopes.
	for len(t.queue) > 0 {
		pending := t.queue
		t.queue = nil
		t.mu.Unlock()
		for _, env := range pending {
			t.write(conn, env)
		}
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
	}
	t.state = stateOpen
	t.mu.Unlock()

	t.log.Info("connected to relay", zap.String("addr", addr))
	t.notifyStatus(true)

	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			break
		}
		env, derr := protocol.DecodeEnvelope(data)
		if derr != nil {
			t.log.Warn("dropping malformed inbound message", zap.Error(derr))
			continue
		}
		t.deliver(env)
	}

	t.mu.Lock()
	if t.gen != gen {
		// Explicit Disconnect (or a newer Connect) already owns teardown.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = stateDisconnected
	t.scheduleRetryLocked()
	t.mu.Unlock()

	t.log.Info("relay connection lost", zap.String("addr", addr))
	t.notifyStatus(false)
}

// scheduleRetryLocked arms the single reconnect timer slot. A timer that
// is already pending is left alone. The callback captures gen: a timer
// whose Stop raced a fired callback must still not reconnect after an
// explicit Disconnect or a superseding Connect, both of which bump gen.
func (t *Transport) scheduleRetryLocked() {
	if t.retry != nil || t.addr == "" {
		return
	}
	gen := t.gen
	t.retry = time.AfterFunc(t.retryDelay, func() {
		t.mu.Lock()
		t.retry = nil
		if t.gen != gen || t.state != stateDisconnected || t.addr == "" {
			t.mu.Unlock()
			return
		}
		t.startConnectLocked()
	})
}

func (t *Transport) clearRetryLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

func (t *Transport) write(conn Conn, env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, protocol.Encode(env)); err != nil {
		// No requeue: the read loop notices the broken connection, and
		// subsequent sends queue until the next Open.
		t.log.Warn("send failed", zap.Error(err))
	}
}

// deliver unwraps an inbound envelope and fans it out to listeners
// synchronously, in subscription order.
func (t *Transport) deliver(env protocol.Envelope) {
	var ev protocol.Event
	switch env.Kind {
	case protocol.KindAction:
		parsed, err := protocol.ParseEvent(env.Payload)
		if err != nil {
			t.log.Warn("dropping unparseable action body", zap.Error(err))
			return
		}
		ev = parsed
	case protocol.KindLoginOK:
		ev = protocol.Event{Kind: protocol.EvLoginSuccess, Payload: env.Payload}
	case protocol.KindError:
		t.log.Warn("relay error", zap.ByteString("reason", env.Payload))
		return
	default:
		t.log.Warn("dropping inbound envelope of unexpected kind", zap.String("kind", env.Kind))
		return
	}

	t.mu.Lock()
	subs := make([]subscription[Listener], len(t.listeners))
	copy(subs, t.listeners)
	t.mu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}

func (t *Transport) notifyStatus(connected bool) {
	t.mu.Lock()
	subs := make([]subscription[StatusListener], len(t.statusLs))
	copy(subs, t.statusLs)
	t.mu.Unlock()
	for _, sub := range subs {
		sub.fn(connected)
	}
}

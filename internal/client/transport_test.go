package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/doyleh/care-sync/internal/protocol"
)

// fakeConn is an in-memory Conn. Reads block until something is pushed or
// the conn is closed; writes are captured on a channel.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out scripted dial outcomes in order and counts attempts.
type fakeDialer struct {
	mu       sync.Mutex
	script   []dialOutcome
	attempts int
}

type dialOutcome struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) dial(ctx context.Context, addr string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if len(d.script) == 0 {
		return nil, errors.New("no scripted outcome")
	}
	next := d.script[0]
	d.script = d.script[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// helper: receive one written frame with a timeout so tests never hang
func recvWrite(t *testing.T, c *fakeConn, within time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("wrote non-envelope frame: %v", err)
		}
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for write")
		return protocol.Envelope{} // unreachable
	}
}

func recvNoWrite(t *testing.T, c *fakeConn, within time.Duration) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("expected no write within %v, got: %s", within, data)
	case <-time.After(within):
	}
}

func waitFor(t *testing.T, cond func() bool, within time.Duration, what string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func actionEvent(t *testing.T, kind, originID string) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEvent(kind, map[string]string{"id": "x"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	ev.OriginID = originID
	return ev
}

func TestTransport_SendBeforeConnectQueuesThenFlushesInOrder(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []dialOutcome{{conn: conn}}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(5*time.Millisecond))

	// no connect has ever been issued: sends must queue, not drop
	tr.SendAction(actionEvent(t, protocol.EvAddReminder, "o1"))
	tr.SendAction(actionEvent(t, protocol.EvAddReminder, "o2"))
	tr.SendAction(actionEvent(t, protocol.EvAddReminder, "o3"))

	tr.Connect("ws://relay/ws")

	for _, want := range []string{"o1", "o2", "o3"} {
		env := recvWrite(t, conn, time.Second)
		if env.Kind != protocol.KindAction {
			t.Fatalf("want ACTION, got %s", env.Kind)
		}
		ev, err := protocol.ParseEvent(env.Payload)
		if err != nil {
			t.Fatalf("bad action body: %v", err)
		}
		if ev.OriginID != want {
			t.Fatalf("flush out of order: want %s, got %s", want, ev.OriginID)
		}
	}
}

func TestTransport_QueuedWhileDisconnectedFlushAfterReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	d := &fakeDialer{script: []dialOutcome{{conn: conn1}, {conn: conn2}}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(5*time.Millisecond))

	tr.Connect("ws://relay/ws")
	waitFor(t, tr.Connected, time.Second, "initial connect")

	// server drops the connection
	_ = conn1.Close()
	waitFor(t, func() bool { return !tr.Connected() }, time.Second, "disconnect")

	tr.SendAction(actionEvent(t, protocol.EvAddReminder, "q1"))
	tr.SendAction(actionEvent(t, protocol.EvAddReminder, "q2"))

	waitFor(t, tr.Connected, time.Second, "reconnect")
	for _, want := range []string{"q1", "q2"} {
		env := recvWrite(t, conn2, time.Second)
		ev, _ := protocol.ParseEvent(env.Payload)
		if ev.OriginID != want {
			t.Fatalf("want %s, got %s", want, ev.OriginID)
		}
	}
}

func TestTransport_StatusObserversSeeEveryTransition(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	d := &fakeDialer{script: []dialOutcome{{conn: conn1}, {conn: conn2}}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(5*time.Millisecond))

	var mu sync.Mutex
	var transitions []bool
	tr.OnStatus(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	tr.Connect("ws://relay/ws")
	waitFor(t, tr.Connected, time.Second, "connect")
	_ = conn1.Close()
	waitFor(t, func() bool { return !tr.Connected() }, time.Second, "drop")
	waitFor(t, tr.Connected, time.Second, "reconnect")

	mu.Lock()
	got := append([]bool{}, transitions...)
	mu.Unlock()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestTransport_DisconnectCancelsPendingReconnect(t *testing.T) {
	conn1 := newFakeConn()
	d := &fakeDialer{script: []dialOutcome{{conn: conn1}, {conn: newFakeConn()}}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(20*time.Millisecond))

	tr.Connect("ws://relay/ws")
	waitFor(t, tr.Connected, time.Second, "connect")

	// drop, then explicitly disconnect while the retry timer is pending
	_ = conn1.Close()
	waitFor(t, func() bool { return !tr.Connected() }, time.Second, "drop")
	tr.Disconnect()

	time.Sleep(80 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("explicit disconnect must be terminal: want 1 dial, got %d", n)
	}
}

func TestTransport_DisconnectTerminalEvenWhenTimerAlreadyFired(t *testing.T) {
	// Land Disconnect inside the window where the retry timer has fired
	// but its callback has not yet taken the lock: timer.Stop is too late
	// there, so the callback itself must recognize the shutdown.
	for i := 0; i < 25; i++ {
		conn := newFakeConn()
		d := &fakeDialer{script: []dialOutcome{
			{conn: conn}, {conn: newFakeConn()}, {conn: newFakeConn()},
		}}
		tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(2*time.Millisecond))

		tr.Connect("ws://relay/ws")
		waitFor(t, tr.Connected, time.Second, "connect")
		_ = conn.Close()
		// Don't poll Connected(): with an instant fake dial the reconnect
		// closes the disconnected window faster than the poll interval.
		// A second dial attempt is proof the drop happened.
		waitFor(t, func() bool { return d.dialCount() >= 2 }, time.Second, "drop")

		time.Sleep(2 * time.Millisecond)
		tr.Disconnect()

		// a reconnect that won the race before Disconnect is fine; one
		// after it is not
		time.Sleep(20 * time.Millisecond)
		if tr.Connected() {
			t.Fatalf("iteration %d: connected after explicit Disconnect", i)
		}
		dials := d.dialCount()
		time.Sleep(20 * time.Millisecond)
		if tr.Connected() || d.dialCount() != dials {
			t.Fatalf("iteration %d: reconnected after explicit Disconnect (dials %d -> %d)",
				i, dials, d.dialCount())
		}
	}
}

func TestTransport_SendDuringFlushLandsAfterQueue(t *testing.T) {
	conn := newFakeConn()
	conn.out = make(chan []byte) // unbuffered: the flush blocks until the test reads
	d := &fakeDialer{script: []dialOutcome{{conn: conn}}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(5*time.Millisecond))

	tr.SendAction(actionEvent(t, protocol.EvAddReminder, "q1"))
	tr.SendAction(actionEvent(t, protocol.EvAddReminder, "q2"))
	tr.Connect("ws://relay/ws")

	// the flush is parked writing q1; a concurrent send must queue
	// behind the remaining envelopes, not take the immediate-write path
	sent := make(chan struct{})
	go func() {
		tr.SendAction(actionEvent(t, protocol.EvAddReminder, "s1"))
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatalf("send blocked while transport was flushing")
	}

	for _, want := range []string{"q1", "q2", "s1"} {
		env := recvWrite(t, conn, time.Second)
		ev, err := protocol.ParseEvent(env.Payload)
		if err != nil {
			t.Fatalf("bad action body: %v", err)
		}
		if ev.OriginID != want {
			t.Fatalf("interleaved flush: want %s, got %s", want, ev.OriginID)
		}
	}
}

func TestTransport_ConnectIdempotentWhenOpen(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []dialOutcome{{conn: conn}}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(5*time.Millisecond))

	tr.Connect("ws://relay/ws")
	waitFor(t, tr.Connected, time.Second, "connect")
	tr.Connect("ws://relay/ws")
	tr.Connect("ws://relay/ws")

	time.Sleep(20 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("want 1 dial, got %d", n)
	}
}

func TestTransport_DialFailureSchedulesSingleRetry(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []dialOutcome{
		{err: errors.New("refused")},
		{conn: conn},
	}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(10*time.Millisecond))

	tr.Connect("ws://relay/ws")
	tr.SendAction(actionEvent(t, protocol.EvAddQuote, "o1"))

	waitFor(t, tr.Connected, time.Second, "retry connect")
	env := recvWrite(t, conn, time.Second)
	if env.Kind != protocol.KindAction {
		t.Fatalf("queued action lost across failed dial: got %s", env.Kind)
	}
	if n := d.dialCount(); n != 2 {
		t.Fatalf("want exactly 2 dials, got %d", n)
	}
}

func TestTransport_DeliversActionsAndLoginOKToListeners(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []dialOutcome{{conn: conn}}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(5*time.Millisecond))

	events := make(chan protocol.Event, 8)
	unsubscribe := tr.Subscribe(func(ev protocol.Event) { events <- ev })

	tr.Connect("ws://relay/ws")
	waitFor(t, tr.Connected, time.Second, "connect")

	conn.in <- protocol.Encode(protocol.NewLoginOK("alice", "demo"))
	body, _ := json.Marshal(protocol.Event{Kind: protocol.EvAddReminder, OriginID: "o9"})
	conn.in <- protocol.Encode(protocol.Envelope{Kind: protocol.KindAction, Payload: body})
	conn.in <- []byte(`not json at all`) // must be dropped, connection kept

	first := recvEvent(t, events, time.Second)
	if first.Kind != protocol.EvLoginSuccess {
		t.Fatalf("want LOGIN_SUCCESS first, got %s", first.Kind)
	}
	second := recvEvent(t, events, time.Second)
	if second.Kind != protocol.EvAddReminder || second.OriginID != "o9" {
		t.Fatalf("want the action body, got %+v", second)
	}
	if !tr.Connected() {
		t.Fatalf("malformed inbound frame must not drop the connection")
	}

	unsubscribe()
	conn.in <- protocol.Encode(protocol.NewLoginOK("alice", "demo"))
	select {
	case ev := <-events:
		t.Fatalf("listener still delivered after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func recvEvent(t *testing.T, ch <-chan protocol.Event, within time.Duration) protocol.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return protocol.Event{} // unreachable
	}
}

func TestTransport_RapidDropsLeaveOnePendingTimer(t *testing.T) {
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	d := &fakeDialer{script: []dialOutcome{
		{conn: conns[0]}, {conn: conns[1]}, {conn: conns[2]},
	}}
	tr := NewTransport(d.dial, zap.NewNop(), WithRetryDelay(10*time.Millisecond))

	tr.Connect("ws://relay/ws")
	for _, c := range conns[:2] {
		waitFor(t, tr.Connected, time.Second, "connect")
		_ = c.Close()
		waitFor(t, func() bool { return !tr.Connected() }, time.Second, "drop")
	}
	waitFor(t, tr.Connected, time.Second, "final reconnect")

	// one dial per drop, nothing leaked beyond the scripted three
	if n := d.dialCount(); n != 3 {
		t.Fatalf("want 3 dials, got %d", n)
	}
}

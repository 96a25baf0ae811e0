package bridge

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/teebridge/internal/events"
	"github.com/energizer-project/teebridge/internal/network"
	"github.com/energizer-project/teebridge/internal/protocol"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeListener, *fakeDialer) {
	t.Helper()
	l := newFakeListener()
	d := &fakeDialer{}
	if opts.Target.Port == 0 {
		opts.Target = legacyTarget
	}
	e := NewEngine(l, NewRegistry(d, 0), opts)
	return e, l, d
}

func mustConnect(t *testing.T, l *fakeListener, id int) {
	t.Helper()
	if err := l.connect(id); err != nil {
		t.Fatalf("connect %d: %v", id, err)
	}
}

func TestTwoClientsGetDistinctSessions(t *testing.T) {
	e, l, _ := newTestEngine(t, Options{})
	mustConnect(t, l, 0)
	mustConnect(t, l, 1)

	r := e.Registry()
	a, okA := r.LookupByReal(0)
	b, okB := r.LookupByReal(1)
	if !okA || !okB {
		t.Fatal("sessions not created")
	}
	if a.FakeID == b.FakeID {
		t.Errorf("fake ids collide: %d", a.FakeID)
	}
	for _, s := range []*Session{a, b} {
		got, ok := r.LookupByFake(s.FakeID)
		if !ok || got.RealID != s.RealID {
			t.Errorf("fake %d maps to %v", s.FakeID, got)
		}
	}
	if e.Stats().Created != 2 || e.Stats().Sessions != 2 {
		t.Errorf("stats = %+v", e.Stats())
	}
}

func TestChatIsObservedAndForwarded(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	chats := make(chan events.ChatMessagePayload, 1)
	bus.Subscribe(events.EventChatMessage, "test", func(ctx context.Context, ev events.Event) error {
		chats <- ev.Payload.(events.ChatMessagePayload)
		return nil
	})

	e, l, d := newTestEngine(t, Options{Events: bus})
	mustConnect(t, l, 0)
	d.conns[0].goOnline()

	payload := new(protocol.Packer).AddInt(protocol.MsgChatSay << 1).AddString("hello").Bytes()
	orig := append([]byte(nil), payload...)
	l.push(0, payload)
	e.Tick()

	select {
	case msg := <-chats:
		if msg.Text != "hello" || msg.Kind != "say" || msg.RealID != 0 || msg.FakeID != 1 {
			t.Errorf("chat event = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat event not emitted")
	}

	got := d.conns[0].delivered
	if len(got) != 1 || !bytes.Equal(got[0].Data, orig) {
		t.Fatalf("backend received %v, want the unchanged payload", got)
	}
	if e.Stats().ChatMessages != 1 {
		t.Errorf("chat counter = %d", e.Stats().ChatMessages)
	}
}

func TestBackendChunksDeliveredInOrder(t *testing.T) {
	e, l, d := newTestEngine(t, Options{})
	mustConnect(t, l, 3)
	conn := d.conns[0]
	conn.goOnline()

	conn.serverSends("one", "two", "three")
	e.Tick()
	l.disconnect(3, "left")

	got := l.sentTo(3)
	if strings.Join(got, ",") != "one,two,three" {
		t.Errorf("client received %v", got)
	}
	for _, c := range l.sent {
		if c.ClientID != 3 {
			t.Errorf("chunk addressed to %d, want 3", c.ClientID)
		}
	}
}

func TestDisconnectDiscardsBufferedChunks(t *testing.T) {
	e, l, d := newTestEngine(t, Options{})
	mustConnect(t, l, 0)
	conn := d.conns[0]

	l.push(0, []byte("a"))
	l.push(0, []byte("b"))
	e.Tick()
	e.Tick()
	if len(conn.pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(conn.pending))
	}

	l.disconnect(0, "client quit")

	if len(conn.delivered) != 0 || len(conn.pending) != 0 {
		t.Error("buffered chunks must be discarded")
	}
	if !conn.closed {
		t.Error("backend not closed")
	}
	if e.Registry().Len() != 0 {
		t.Error("session not destroyed")
	}
	e.Tick()
	if e.Stats().ChunksDropped != 0 {
		t.Errorf("teardown produced drops: %d", e.Stats().ChunksDropped)
	}
}

func TestNoCrossSessionLeakage(t *testing.T) {
	e, l, d := newTestEngine(t, Options{InboundPerTick: 8})
	mustConnect(t, l, 0)
	mustConnect(t, l, 1)
	d.conns[0].goOnline()
	d.conns[1].goOnline()

	d.conns[0].serverSends("for-a")
	d.conns[1].serverSends("for-b")
	l.push(0, []byte("from-a"))
	l.push(1, []byte("from-b"))
	e.Tick()

	if got := l.sentTo(0); len(got) != 1 || got[0] != "for-a" {
		t.Errorf("client 0 received %v", got)
	}
	if got := l.sentTo(1); len(got) != 1 || got[0] != "for-b" {
		t.Errorf("client 1 received %v", got)
	}
	if string(d.conns[0].delivered[0].Data) != "from-a" || string(d.conns[1].delivered[0].Data) != "from-b" {
		t.Error("inbound chunks reached the wrong backend")
	}
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	e, l, d := newTestEngine(t, Options{})
	mustConnect(t, l, 0)
	d.conns[0].goOnline()

	payload := []byte{0x00, 0xff, 0x10, 0x7f, 0x80}
	l.push(0, payload)
	e.Tick()

	got := d.conns[0].delivered
	if len(got) != 1 || !bytes.Equal(got[0].Data, payload) {
		t.Errorf("backend received %v", got)
	}
}

func TestInboundBudgetPerTick(t *testing.T) {
	e, l, d := newTestEngine(t, Options{})
	mustConnect(t, l, 0)
	d.conns[0].goOnline()

	for i := 0; i < 3; i++ {
		l.push(0, []byte{byte(i)})
	}
	e.Tick()
	if n := len(d.conns[0].delivered); n != 1 {
		t.Fatalf("default budget forwarded %d chunks, want 1", n)
	}
	e.Tick()
	e.Tick()
	if n := len(d.conns[0].delivered); n != 3 {
		t.Errorf("forwarded %d chunks after three ticks", n)
	}
}

func TestUnknownClientChunkDropped(t *testing.T) {
	e, l, _ := newTestEngine(t, Options{})
	l.push(9, []byte("stray"))
	if !e.Tick() {
		t.Error("tick consumed a chunk and should report work")
	}
	if e.Stats().ChunksDropped != 1 {
		t.Errorf("dropped = %d", e.Stats().ChunksDropped)
	}
}

func TestHookDrop(t *testing.T) {
	block := func(p *Packet) Verdict {
		if p.Direction == ToClient && bytes.Equal(p.Payload, []byte("secret")) {
			return Drop
		}
		return Forward
	}
	e, l, d := newTestEngine(t, Options{Hooks: []Hook{block}})
	mustConnect(t, l, 0)
	d.conns[0].goOnline()

	d.conns[0].serverSends("secret", "public")
	e.Tick()

	if got := l.sentTo(0); len(got) != 1 || got[0] != "public" {
		t.Errorf("client received %v", got)
	}
}

func TestRefusedWhenDialFails(t *testing.T) {
	l := newFakeListener()
	e := NewEngine(l, NewRegistry(&fakeDialer{err: errDial}, 0), Options{Target: legacyTarget})

	err := l.connect(0)
	if !errors.Is(err, errDial) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if e.Stats().Refused != 1 || e.Registry().Len() != 0 {
		t.Errorf("stats = %+v", e.Stats())
	}
}

func TestBackendOfflineDropsClient(t *testing.T) {
	e, l, d := newTestEngine(t, Options{})
	mustConnect(t, l, 2)
	conn := d.conns[0]
	conn.goOnline()
	e.Tick()

	conn.state = network.StateOffline
	conn.reason = "closed by server: This server is full"
	e.Tick()

	if reason, ok := l.dropped[2]; !ok || !strings.Contains(reason, "This server is full") {
		t.Errorf("client not dropped, dropped=%v", l.dropped)
	}
	if e.Registry().Len() != 0 {
		t.Error("session survived backend loss")
	}
}

func TestRejoinKeepsSession(t *testing.T) {
	e, l, _ := newTestEngine(t, Options{})
	mustConnect(t, l, 0)
	before, _ := e.Registry().LookupByReal(0)

	l.handler.OnRejoin(0)

	after, ok := e.Registry().LookupByReal(0)
	if !ok || after != before {
		t.Error("rejoin must keep the existing session")
	}
}

func TestKick(t *testing.T) {
	e, l, _ := newTestEngine(t, Options{})
	mustConnect(t, l, 4)

	if err := e.Kick(5, ""); !errors.Is(err, network.ErrUnknownClient) {
		t.Errorf("kick unknown: %v", err)
	}
	if err := e.Kick(4, "bye"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if _, dropped := l.dropped[4]; dropped {
		t.Fatal("kick must run on the loop, not the caller")
	}

	e.Tick()
	if l.dropped[4] != "bye" {
		t.Errorf("dropped = %v", l.dropped)
	}
	if e.Registry().Len() != 0 {
		t.Error("kicked session not destroyed")
	}
}

func TestKickSkipsReusedClientID(t *testing.T) {
	e, l, _ := newTestEngine(t, Options{})
	mustConnect(t, l, 4)
	if err := e.Kick(4, "bye"); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	l.disconnect(4, "left")
	mustConnect(t, l, 4)
	next, _ := e.Registry().LookupByReal(4)

	e.Tick()
	if _, dropped := l.dropped[4]; dropped {
		t.Fatal("queued kick hit the player who reused the id")
	}
	cur, ok := e.Registry().LookupByReal(4)
	if !ok || cur != next {
		t.Error("new player lost its session")
	}
}

func TestRunStopsAndDropsClients(t *testing.T) {
	e, l, _ := newTestEngine(t, Options{IdleWait: time.Millisecond})
	mustConnect(t, l, 0)
	mustConnect(t, l, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if len(l.dropped) != 2 || e.Registry().Len() != 0 {
		t.Errorf("dropped=%v sessions=%d", l.dropped, e.Registry().Len())
	}
}

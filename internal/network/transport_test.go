package network

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/teebridge/internal/protocol"
)

type recordingHandler struct {
	connects    []int
	variants    []Variant
	noAuth      []int
	rejoins     []int
	disconnects []int
	reasons     []string
	refuse      error
}

func (h *recordingHandler) OnConnect(id int, v Variant) error {
	if h.refuse != nil {
		return h.refuse
	}
	h.connects = append(h.connects, id)
	h.variants = append(h.variants, v)
	return nil
}

func (h *recordingHandler) OnConnectNoAuth(id int) error {
	if h.refuse != nil {
		return h.refuse
	}
	h.noAuth = append(h.noAuth, id)
	return nil
}

func (h *recordingHandler) OnRejoin(id int) {
	h.rejoins = append(h.rejoins, id)
}

func (h *recordingHandler) OnDisconnect(id int, reason string) {
	h.disconnects = append(h.disconnects, id)
	h.reasons = append(h.reasons, reason)
}

func startListener(t *testing.T, cfg ListenerConfig) (*Listener, *recordingHandler, Addr) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	l, err := Listen(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	h := &recordingHandler{}
	l.SetHandler(h)

	port := l.LocalAddr().(*net.UDPAddr).Port
	return l, h, Addr{Host: "127.0.0.1", Port: port}
}

func dial(t *testing.T, target Addr, variant Variant) *Connection {
	t.Helper()
	c, err := Dial(context.Background(), target, variant, DialConfig{ResendInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close("test done") })
	return c
}

// pump drives the listener and connections until cond holds.
func pump(t *testing.T, l *Listener, conns []*Connection, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		l.Update()
		for _, c := range conns {
			c.Update()
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func exchange(t *testing.T, l *Listener, c *Connection, wantID int) {
	t.Helper()
	if err := c.Send(Chunk{Flags: protocol.FlagVital, Data: []byte("hello")}); err != nil {
		t.Fatalf("Send to server: %v", err)
	}
	var in Chunk
	pump(t, l, []*Connection{c}, func() bool {
		var ok bool
		in, ok = l.Recv()
		return ok
	})
	if in.ClientID != wantID || string(in.Data) != "hello" || in.Flags&protocol.FlagVital == 0 {
		t.Fatalf("listener received %+v", in)
	}

	if err := l.Send(Chunk{ClientID: wantID, Data: []byte("world")}); err != nil {
		t.Fatalf("Send to client: %v", err)
	}
	var out Chunk
	pump(t, l, []*Connection{c}, func() bool {
		var ok bool
		out, ok = c.TryRecv()
		return ok
	})
	if string(out.Data) != "world" {
		t.Fatalf("connection received %q", out.Data)
	}
}

func TestLegacyHandshake(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	c := dial(t, target, VariantLegacy)

	pump(t, l, []*Connection{c}, func() bool { return c.State() == StateOnline })

	if len(h.connects) != 1 || h.variants[0] != VariantLegacy {
		t.Fatalf("connects=%v variants=%v", h.connects, h.variants)
	}
	if l.NumClients() != 1 || l.ClientAddr(h.connects[0]) == "" {
		t.Error("client slot not registered")
	}
	exchange(t, l, c, h.connects[0])
}

func TestExtendedHandshake(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	target.Extended = true
	c := dial(t, target, target.Variant())

	pump(t, l, []*Connection{c}, func() bool { return c.State() == StateOnline })

	if len(h.connects) != 1 || h.variants[0] != VariantExtended {
		t.Fatalf("connects=%v variants=%v", h.connects, h.variants)
	}
	if c.Peer() == "" {
		t.Error("extended handshake did not pick a peer")
	}
	exchange(t, l, c, h.connects[0])
}

func TestDialerResolvesPreparedTargetOnce(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})

	d := NewDialer(DialConfig{ResendInterval: 20 * time.Millisecond})
	lookups := 0
	d.resolve = func(ctx context.Context, a Addr, all bool) ([]*net.UDPAddr, error) {
		lookups++
		return []*net.UDPAddr{{IP: net.ParseIP(target.Host), Port: target.Port}}, nil
	}

	named := Addr{Host: "game.example.invalid", Port: target.Port}
	if err := d.Prepare(context.Background(), named); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	var conns []*Connection
	for i := 0; i < 2; i++ {
		c, err := d.Dial(context.Background(), named, VariantLegacy)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		t.Cleanup(func() { c.Close("test done") })
		conns = append(conns, c)
	}

	pump(t, l, conns, func() bool {
		return conns[0].State() == StateOnline && conns[1].State() == StateOnline
	})
	if lookups != 1 {
		t.Errorf("lookups = %d, want 1", lookups)
	}
	if len(h.connects) != 2 {
		t.Errorf("connects = %v", h.connects)
	}
}

func TestChunksSentWhileConnectingAreFlushed(t *testing.T) {
	l, _, target := startListener(t, ListenerConfig{})
	c := dial(t, target, VariantLegacy)

	if c.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", c.State())
	}
	if err := c.Send(Chunk{Data: []byte("early")}); err != nil {
		t.Fatalf("Send while connecting: %v", err)
	}

	var in Chunk
	pump(t, l, []*Connection{c}, func() bool {
		var ok bool
		in, ok = l.Recv()
		return ok
	})
	if string(in.Data) != "early" {
		t.Errorf("received %q", in.Data)
	}
}

func TestPendingLimit(t *testing.T) {
	_, _, target := startListener(t, ListenerConfig{})
	c, err := Dial(context.Background(), target, VariantLegacy, DialConfig{PendingLimit: 2})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close("done")

	for i := 0; i < 2; i++ {
		if err := c.Send(Chunk{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := c.Send(Chunk{Data: []byte{2}}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestServerFull(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{MaxClients: 1})
	first := dial(t, target, VariantLegacy)
	pump(t, l, []*Connection{first}, func() bool { return first.State() == StateOnline })

	second := dial(t, target, VariantLegacy)
	pump(t, l, []*Connection{first, second}, func() bool { return second.State() == StateOffline })

	if !strings.Contains(second.Reason(), ReasonServerFull) {
		t.Errorf("reason = %q", second.Reason())
	}
	if len(h.connects) != 1 {
		t.Errorf("connects = %v", h.connects)
	}
	if err := second.Send(Chunk{Data: []byte("x")}); !errors.Is(err, ErrNotOnline) {
		t.Errorf("Send on offline connection: %v", err)
	}
}

func TestBannedClientRefused(t *testing.T) {
	bans, _ := NewBanList([]string{"127.0.0.0/8"})
	l, h, target := startListener(t, ListenerConfig{Bans: bans})
	c := dial(t, target, VariantLegacy)

	pump(t, l, []*Connection{c}, func() bool { return c.State() == StateOffline })
	if !strings.Contains(c.Reason(), ReasonBanned) {
		t.Errorf("reason = %q", c.Reason())
	}
	if len(h.connects) != 0 {
		t.Error("banned client reached the handler")
	}
}

func TestHandlerRefusal(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	h.refuse = errors.New("no backend")
	c := dial(t, target, VariantLegacy)

	pump(t, l, []*Connection{c}, func() bool { return c.State() == StateOffline })
	if !strings.Contains(c.Reason(), "no backend") {
		t.Errorf("reason = %q", c.Reason())
	}
	if l.NumClients() != 0 {
		t.Error("refused client kept its slot")
	}
	if len(h.disconnects) != 0 {
		t.Error("refused client must not produce OnDisconnect")
	}
}

func TestDropNotifiesBothSides(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	c := dial(t, target, VariantLegacy)
	pump(t, l, []*Connection{c}, func() bool { return c.State() == StateOnline })

	if err := c.Send(Chunk{Data: []byte("queued")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pump(t, l, []*Connection{c}, func() bool { return len(l.queue) == 1 })

	l.Drop(0, "kicked")
	if len(l.queue) != 0 {
		t.Error("Drop must discard queued chunks of the client")
	}
	if len(h.disconnects) != 1 || h.reasons[0] != "kicked" {
		t.Fatalf("disconnects=%v reasons=%v", h.disconnects, h.reasons)
	}

	pump(t, l, []*Connection{c}, func() bool { return c.State() == StateOffline })
	if c.Reason() != "closed by server: kicked" {
		t.Errorf("reason = %q", c.Reason())
	}

	l.Drop(0, "again")
	if len(h.disconnects) != 1 {
		t.Error("dropping a free slot must be a no-op")
	}
	if err := l.Send(Chunk{ClientID: 0, Data: []byte("x")}); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("Send to dropped client: %v", err)
	}
}

func TestClientClose(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	c := dial(t, target, VariantLegacy)
	pump(t, l, []*Connection{c}, func() bool { return c.State() == StateOnline })

	c.Close("bye")
	pump(t, l, nil, func() bool { return len(h.disconnects) == 1 })
	if h.reasons[0] != "bye" {
		t.Errorf("reason = %q", h.reasons[0])
	}
}

func rawSocket(t *testing.T, target Addr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP(target.Host), Port: target.Port})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRejoinKeepsSlot(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	raw := rawSocket(t, target)

	raw.Write(protocol.BuildLegacyConnect(77))
	pump(t, l, nil, func() bool { return len(h.connects) == 1 })

	raw.Write(protocol.BuildLegacyConnect(77))
	pump(t, l, nil, func() bool { return len(h.rejoins) == 1 })

	if h.rejoins[0] != h.connects[0] {
		t.Errorf("rejoin id %d, want %d", h.rejoins[0], h.connects[0])
	}
	if l.NumClients() != 1 {
		t.Errorf("NumClients = %d", l.NumClients())
	}
}

func TestRestartedLegacyClientReaccepted(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	raw := rawSocket(t, target)

	raw.Write(protocol.BuildLegacyConnect(77))
	pump(t, l, nil, func() bool { return len(h.connects) == 1 })

	raw.Write(protocol.BuildLegacyConnect(78))
	pump(t, l, nil, func() bool { return len(h.connects) == 2 })

	if len(h.rejoins) != 0 {
		t.Errorf("new token treated as rejoin")
	}
	if len(h.disconnects) != 1 || h.reasons[0] != ReasonRestarted {
		t.Errorf("disconnects = %v, reasons = %v", h.disconnects, h.reasons)
	}
	if l.NumClients() != 1 {
		t.Errorf("NumClients = %d", l.NumClients())
	}
}

func TestNoAuthConnect(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	raw := rawSocket(t, target)

	raw.Write(protocol.BuildNoAuthConnect())
	pump(t, l, nil, func() bool { return len(h.noAuth) == 1 })

	if len(h.connects) != 0 {
		t.Error("no-auth client reported as authenticated")
	}
}

func TestForeignTokenDropped(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{})
	raw := rawSocket(t, target)

	raw.Write(protocol.BuildLegacyConnect(77))
	pump(t, l, nil, func() bool { return len(h.connects) == 1 })

	raw.Write(protocol.BuildData(78, 0, []byte("spoofed")))
	other := rawSocket(t, target)
	other.Write(protocol.BuildData(77, 0, []byte("wrong source")))
	raw.Write(protocol.BuildData(77, 0, []byte("genuine")))

	var in Chunk
	pump(t, l, nil, func() bool {
		var ok bool
		in, ok = l.Recv()
		return ok
	})
	if string(in.Data) != "genuine" {
		t.Errorf("received %q", in.Data)
	}
	if _, ok := l.Recv(); ok {
		t.Error("spoofed chunk was queued")
	}
}

func TestListenerTimeout(t *testing.T) {
	l, h, target := startListener(t, ListenerConfig{Timeout: 50 * time.Millisecond})
	raw := rawSocket(t, target)

	raw.Write(protocol.BuildLegacyConnect(5))
	pump(t, l, nil, func() bool { return len(h.connects) == 1 })
	pump(t, l, nil, func() bool { return len(h.disconnects) == 1 })

	if h.reasons[0] != ReasonTimeout {
		t.Errorf("reason = %q", h.reasons[0])
	}
}

package bridge

import (
	"errors"
	"fmt"

	"github.com/energizer-project/teebridge/internal/network"
)

// fakeConn is an in-memory backend connection.
type fakeConn struct {
	target  network.Addr
	variant network.Variant
	state   network.ConnState
	reason  string

	delivered []network.Chunk // chunks that reached the server
	pending   []network.Chunk // held back while connecting
	inbox     []network.Chunk // chunks the server sends to the bridge

	closed      bool
	closeReason string
	updates     int
}

func (c *fakeConn) Update() { c.updates++ }

func (c *fakeConn) Send(ch network.Chunk) error {
	switch c.state {
	case network.StateOnline:
		c.delivered = append(c.delivered, ch)
	case network.StateConnecting:
		c.pending = append(c.pending, ch)
	default:
		return network.ErrNotOnline
	}
	return nil
}

func (c *fakeConn) TryRecv() (network.Chunk, bool) {
	if len(c.inbox) == 0 {
		return network.Chunk{}, false
	}
	ch := c.inbox[0]
	c.inbox = c.inbox[1:]
	return ch, true
}

func (c *fakeConn) State() network.ConnState { return c.state }
func (c *fakeConn) Reason() string           { return c.reason }

func (c *fakeConn) Close(reason string) error {
	c.closed = true
	c.closeReason = reason
	c.pending = nil
	c.inbox = nil
	c.state = network.StateOffline
	return nil
}

func (c *fakeConn) goOnline() {
	c.state = network.StateOnline
	c.delivered = append(c.delivered, c.pending...)
	c.pending = nil
}

func (c *fakeConn) serverSends(data ...string) {
	for _, d := range data {
		c.inbox = append(c.inbox, network.Chunk{ClientID: -1, Data: []byte(d)})
	}
}

type fakeDialer struct {
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(target network.Addr, variant network.Variant) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{target: target, variant: variant, state: network.StateConnecting}
	d.conns = append(d.conns, c)
	return c, nil
}

// fakeListener is an in-memory inbound transport.
type fakeListener struct {
	handler   network.ClientHandler
	connected map[int]bool
	inbound   []network.Chunk
	sent      []network.Chunk
	dropped   map[int]string
	updates   int
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		connected: make(map[int]bool),
		dropped:   make(map[int]string),
	}
}

func (l *fakeListener) Update() { l.updates++ }

func (l *fakeListener) Recv() (network.Chunk, bool) {
	if len(l.inbound) == 0 {
		return network.Chunk{}, false
	}
	c := l.inbound[0]
	l.inbound = l.inbound[1:]
	return c, true
}

func (l *fakeListener) Send(c network.Chunk) error {
	if !l.connected[c.ClientID] {
		return fmt.Errorf("send to client %d: %w", c.ClientID, network.ErrUnknownClient)
	}
	l.sent = append(l.sent, c)
	return nil
}

func (l *fakeListener) Drop(id int, reason string) {
	if !l.connected[id] {
		return
	}
	l.disconnect(id, reason)
	l.dropped[id] = reason
}

func (l *fakeListener) SetHandler(h network.ClientHandler) { l.handler = h }

func (l *fakeListener) ClientAddr(id int) string {
	if !l.connected[id] {
		return ""
	}
	return fmt.Sprintf("10.0.0.%d:40000", id)
}

func (l *fakeListener) connect(id int) error {
	l.connected[id] = true
	if err := l.handler.OnConnect(id, network.VariantLegacy); err != nil {
		delete(l.connected, id)
		return err
	}
	return nil
}

// disconnect mimics the client leaving on its own.
func (l *fakeListener) disconnect(id int, reason string) {
	delete(l.connected, id)
	kept := l.inbound[:0]
	for _, c := range l.inbound {
		if c.ClientID != id {
			kept = append(kept, c)
		}
	}
	l.inbound = kept
	l.handler.OnDisconnect(id, reason)
}

func (l *fakeListener) push(id int, data []byte) {
	l.inbound = append(l.inbound, network.Chunk{ClientID: id, Data: data})
}

func (l *fakeListener) sentTo(id int) []string {
	var out []string
	for _, c := range l.sent {
		if c.ClientID == id {
			out = append(out, string(c.Data))
		}
	}
	return out
}

var errDial = errors.New("socket creation failed")

var legacyTarget = network.Addr{Host: "127.0.0.1", Port: 8304}

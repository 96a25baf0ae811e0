package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/protocol"
)

// Outbound connection defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultResendInterval = 500 * time.Millisecond
	DefaultPendingLimit   = 256
)

// DialConfig holds the timing parameters of outbound connections.
type DialConfig struct {
	ConnectTimeout    time.Duration // give up on a handshake after this
	ResendInterval    time.Duration // handshake retransmit interval
	Timeout           time.Duration // silence before an online connection goes offline
	KeepaliveInterval time.Duration
	PendingLimit      int // chunks buffered while connecting
	QueueSize         int // received chunks not yet taken
	Wake              Signal
}

func (c DialConfig) withDefaults() DialConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = DefaultResendInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = DefaultPendingLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Dialer opens outbound connections with a shared configuration. Targets
// passed to Prepare are resolved once and dialed from the cache afterwards.
type Dialer struct {
	cfg     DialConfig
	resolve func(ctx context.Context, target Addr, all bool) ([]*net.UDPAddr, error)

	mu       sync.Mutex
	resolved map[string][]*net.UDPAddr
}

// NewDialer creates a Dialer.
func NewDialer(cfg DialConfig) *Dialer {
	return &Dialer{
		cfg:      cfg.withDefaults(),
		resolve:  resolveAddr,
		resolved: make(map[string][]*net.UDPAddr),
	}
}

func resolveAddr(ctx context.Context, target Addr, all bool) ([]*net.UDPAddr, error) {
	return target.Resolve(ctx, all)
}

// Prepare resolves target and caches its addresses for later dials.
func (d *Dialer) Prepare(ctx context.Context, target Addr) error {
	candidates, err := d.resolve(ctx, target, true)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.resolved[target.String()] = candidates
	d.mu.Unlock()

	log.Debug().
		Str("target", target.String()).
		Int("addresses", len(candidates)).
		Msg("target resolved")
	return nil
}

// Dial starts a connection to target using the given handshake variant.
// It returns once the first handshake datagrams are sent; the connection
// is Connecting until Update observes the server's acceptance. Targets
// that were not prepared are resolved on every call.
func (d *Dialer) Dial(ctx context.Context, target Addr, variant Variant) (*Connection, error) {
	d.mu.Lock()
	candidates, ok := d.resolved[target.String()]
	d.mu.Unlock()

	if !ok {
		var err error
		candidates, err = d.resolve(ctx, target, variant == VariantExtended)
		if err != nil {
			return nil, err
		}
	}
	return dialAddrs(target, variant, candidates, d.cfg)
}

// Connection is a client-side connection to the upstream server. Update,
// Send, TryRecv and Close must be called from a single goroutine.
type Connection struct {
	cfg     DialConfig
	target  Addr
	variant Variant
	conn    *net.UDPConn
	logger  zerolog.Logger

	candidates []*net.UDPAddr
	peer       *net.UDPAddr
	nonce      uint32
	token      uint32
	state      ConnState
	reason     string

	incoming chan datagram
	queue    []Chunk
	pending  []Chunk

	startedAt     time.Time
	lastRecv      time.Time
	lastSend      time.Time
	lastHandshake time.Time

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Dial starts a connection without a Dialer.
func Dial(ctx context.Context, target Addr, variant Variant, cfg DialConfig) (*Connection, error) {
	candidates, err := target.Resolve(ctx, variant == VariantExtended)
	if err != nil {
		return nil, err
	}
	return dialAddrs(target, variant, candidates, cfg.withDefaults())
}

func dialAddrs(target Addr, variant Variant, candidates []*net.UDPAddr, cfg DialConfig) (*Connection, error) {
	if variant != VariantExtended {
		candidates = candidates[:1]
	}

	network := "udp"
	if allIPv4(candidates) {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open socket for %s: %w", target, err)
	}

	c := &Connection{
		cfg:        cfg,
		target:     target,
		variant:    variant,
		conn:       conn,
		candidates: candidates,
		state:      StateConnecting,
		incoming:   make(chan datagram, incomingBacklog),
		startedAt:  time.Now(),
	}
	c.logger = log.With().
		Str("component", "connection").
		Str("target", target.String()).
		Str("variant", variant.String()).
		Logger()

	if variant == VariantExtended {
		c.nonce = newToken()
	} else {
		c.peer = candidates[0]
		c.token = newToken()
	}

	c.wg.Add(1)
	go c.readLoop()

	c.sendHandshake(c.startedAt)
	c.logger.Debug().Int("candidates", len(candidates)).Msg("connecting")

	return c, nil
}

func allIPv4(addrs []*net.UDPAddr) bool {
	for _, a := range addrs {
		if a.IP.To4() == nil {
			return false
		}
	}
	return true
}

func (c *Connection) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Debug().Err(err).Msg("UDP read error")
			continue
		}

		select {
		case c.incoming <- datagram{data: append([]byte(nil), buf[:n]...), from: from}:
			c.cfg.Wake.Notify()
		default:
		}
	}
}

// Update processes received datagrams and advances the handshake,
// keepalive and timeout logic.
func (c *Connection) Update() {
	if c.stopped.Load() {
		return
	}
	now := time.Now()

drain:
	for {
		select {
		case d := <-c.incoming:
			c.handle(d, now)
		default:
			break drain
		}
	}

	switch c.state {
	case StateConnecting:
		if now.Sub(c.startedAt) > c.cfg.ConnectTimeout {
			c.setOffline("connect timeout")
		} else if now.Sub(c.lastHandshake) >= c.cfg.ResendInterval {
			c.sendHandshake(now)
		}
	case StateOnline:
		if now.Sub(c.lastRecv) > c.cfg.Timeout {
			c.setOffline(ReasonTimeout)
		} else if now.Sub(c.lastSend) >= c.cfg.KeepaliveInterval {
			c.write(protocol.BuildKeepAlive(c.token), c.peer, now)
		}
	}
}

// Send queues a chunk for the server. While connecting, chunks are held
// back and flushed once the connection is online.
func (c *Connection) Send(ch Chunk) error {
	if len(ch.Data) > protocol.MaxPayloadSize {
		return fmt.Errorf("chunk too large: %d bytes (max %d)", len(ch.Data), protocol.MaxPayloadSize)
	}
	switch c.state {
	case StateOnline:
		return c.write(protocol.BuildData(c.token, ch.Flags, ch.Data), c.peer, time.Now())
	case StateConnecting:
		if len(c.pending) >= c.cfg.PendingLimit {
			return fmt.Errorf("pending chunks for %s: %w", c.target, ErrQueueFull)
		}
		c.pending = append(c.pending, ch)
		return nil
	default:
		return ErrNotOnline
	}
}

// TryRecv returns the next chunk received from the server, if any.
func (c *Connection) TryRecv() (Chunk, bool) {
	if len(c.queue) == 0 {
		return Chunk{}, false
	}
	ch := c.queue[0]
	c.queue[0] = Chunk{}
	c.queue = c.queue[1:]
	return ch, true
}

// State returns the connection state.
func (c *Connection) State() ConnState {
	return c.state
}

// Reason returns why the connection went offline.
func (c *Connection) Reason() string {
	return c.reason
}

// Variant returns the handshake variant in use.
func (c *Connection) Variant() Variant {
	return c.variant
}

// Peer returns the address of the server, or "" while an extended
// handshake has not picked one yet.
func (c *Connection) Peer() string {
	if c.peer == nil {
		return ""
	}
	return c.peer.String()
}

// Close sends a close notice if the server knows us, discards buffered
// chunks and releases the socket. It is safe to call more than once.
func (c *Connection) Close(reason string) error {
	if c.stopped.Swap(true) {
		return nil
	}
	if c.state != StateOffline && c.peer != nil && c.token != 0 {
		c.write(protocol.BuildClose(c.token, reason), c.peer, time.Now())
	}
	if c.state != StateOffline {
		c.state = StateOffline
		c.reason = reason
	}
	c.pending = nil
	c.queue = nil

	err := c.conn.Close()
	c.wg.Wait()
	c.logger.Debug().Str("reason", reason).Msg("connection closed")
	return err
}

func (c *Connection) sendHandshake(now time.Time) {
	c.lastHandshake = now
	switch {
	case c.variant == VariantLegacy:
		c.write(protocol.BuildLegacyConnect(c.token), c.peer, now)
	case c.peer == nil:
		req := protocol.BuildTokenRequest(c.nonce)
		for _, a := range c.candidates {
			c.write(req, a, now)
		}
	default:
		c.write(protocol.BuildControl(c.token, protocol.CtrlConnect, nil), c.peer, now)
	}
}

func (c *Connection) handle(d datagram, now time.Time) {
	if !c.fromServer(d.from) {
		return
	}
	pkt, err := protocol.ParseDatagram(d.data)
	if err != nil {
		c.logger.Trace().Err(err).Msg("dropping malformed datagram")
		return
	}

	if pkt.IsControl() {
		c.handleControl(d.from, pkt, now)
		return
	}

	if c.peer == nil || !sameAddr(d.from, c.peer) || pkt.Token != c.token {
		return
	}
	switch c.state {
	case StateOffline:
		return
	case StateConnecting:
		// ConnectAccept was lost but the server is already talking to us.
		c.goOnline(now)
	}
	c.lastRecv = now

	if len(c.queue) >= c.cfg.QueueSize {
		c.logger.Warn().Msg("receive queue full, dropping chunk")
		return
	}
	c.queue = append(c.queue, Chunk{Flags: pkt.Flags, Data: pkt.Payload, Token: pkt.Token})
}

func (c *Connection) handleControl(from *net.UDPAddr, pkt *protocol.Datagram, now time.Time) {
	switch pkt.Control {
	case protocol.CtrlToken:
		if c.variant != VariantExtended || c.peer != nil || pkt.Token != c.nonce {
			return
		}
		tok, err := protocol.ParseTokenExtra(pkt.Extra)
		if err != nil {
			return
		}
		c.peer = from
		c.token = tok
		c.logger.Debug().Str("peer", from.String()).Msg("received connect token")
		c.sendHandshake(now)

	case protocol.CtrlConnectAccept:
		if c.peer == nil || !sameAddr(from, c.peer) || pkt.Token != c.token {
			return
		}
		switch c.state {
		case StateConnecting:
			c.goOnline(now)
		case StateOnline:
			c.lastRecv = now
			c.write(protocol.BuildControl(c.token, protocol.CtrlAccept, nil), c.peer, now)
		}

	case protocol.CtrlKeepAlive:
		if c.peer != nil && sameAddr(from, c.peer) && pkt.Token == c.token {
			c.lastRecv = now
		}

	case protocol.CtrlClose:
		if c.state == StateOffline || !c.closeMatches(pkt.Token) {
			return
		}
		reason := protocol.ParseCloseReason(pkt.Extra)
		c.setOffline("closed by server: " + reason)
	}
}

// closeMatches reports whether a Close carries a token the server could
// legitimately use towards us.
func (c *Connection) closeMatches(token uint32) bool {
	if c.token != 0 && token == c.token {
		return true
	}
	if c.state != StateConnecting {
		return false
	}
	if c.variant == VariantExtended {
		return token == c.nonce
	}
	return token == protocol.TokenNone
}

func (c *Connection) goOnline(now time.Time) {
	c.state = StateOnline
	c.lastRecv = now
	c.write(protocol.BuildControl(c.token, protocol.CtrlAccept, nil), c.peer, now)

	for _, ch := range c.pending {
		c.write(protocol.BuildData(c.token, ch.Flags, ch.Data), c.peer, now)
	}
	flushed := len(c.pending)
	c.pending = nil

	c.logger.Debug().
		Str("peer", c.peer.String()).
		Int("flushed", flushed).
		Dur("handshake", now.Sub(c.startedAt)).
		Msg("connection online")
}

func (c *Connection) setOffline(reason string) {
	c.state = StateOffline
	c.reason = reason
	c.pending = nil
	c.logger.Debug().Str("reason", reason).Msg("connection offline")
}

func (c *Connection) fromServer(from *net.UDPAddr) bool {
	if c.peer != nil {
		return sameAddr(from, c.peer)
	}
	for _, a := range c.candidates {
		if sameAddr(from, a) {
			return true
		}
	}
	return false
}

func (c *Connection) write(b []byte, to *net.UDPAddr, now time.Time) error {
	if _, err := c.conn.WriteToUDP(b, to); err != nil {
		c.logger.Debug().Err(err).Str("remote", to.String()).Msg("write failed")
		return fmt.Errorf("write to %s: %w", to, err)
	}
	c.lastSend = now
	return nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

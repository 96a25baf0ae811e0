package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/protocol"
)

// Listener defaults.
const (
	DefaultMaxClients        = 64
	DefaultTimeout           = 10 * time.Second
	DefaultKeepaliveInterval = time.Second
	DefaultConnectRatePerSec = 10
	DefaultQueueSize         = 4096
	incomingBacklog          = 1024
)

// Close reasons sent by the listener.
const (
	ReasonServerFull = "This server is full"
	ReasonBanned     = "You have been banned"
	ReasonTimeout    = "Timeout"
	ReasonRestarted  = "Client restarted"
)

// ListenerConfig holds the configuration of a Listener.
type ListenerConfig struct {
	Address           string        // bind address (host:port)
	MaxClients        int           // number of slots
	Timeout           time.Duration // silence before a client is dropped
	KeepaliveInterval time.Duration // idle time before a keepalive is sent
	ConnectRatePerSec int           // connect attempts per second per source IP
	QueueSize         int           // max queued inbound chunks
	Bans              *BanList
	Wake              Signal
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.ConnectRatePerSec == 0 {
		c.ConnectRatePerSec = DefaultConnectRatePerSec
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

type datagram struct {
	data []byte
	from *net.UDPAddr
}

type slotState int

const (
	slotPending slotState = iota
	slotOnline
)

// slot is one accepted real client.
type slot struct {
	id          int
	addr        *net.UDPAddr
	key         string
	token       uint32
	state       slotState
	variant     Variant
	noAuth      bool
	connectedAt time.Time
	lastRecv    time.Time
	lastSend    time.Time
}

type pendingToken struct {
	token  uint32
	issued time.Time
}

// Listener accepts real game clients. Update, Recv, Send and Drop must be
// called from a single goroutine.
type Listener struct {
	cfg     ListenerConfig
	conn    *net.UDPConn
	logger  zerolog.Logger
	handler ClientHandler

	incoming chan datagram
	slots    []*slot
	byAddr   map[string]*slot
	tokens   map[string]pendingToken
	queue    []Chunk
	rate     *rateTracker

	lastPrune time.Time
	stopped   atomic.Bool
	overruns  atomic.Uint64
	wg        sync.WaitGroup
}

// Listen binds the UDP socket and starts the reader goroutine.
func Listen(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	cfg = cfg.withDefaults()

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	l := &Listener{
		cfg:      cfg,
		conn:     pc.(*net.UDPConn),
		incoming: make(chan datagram, incomingBacklog),
		slots:    make([]*slot, cfg.MaxClients),
		byAddr:   make(map[string]*slot),
		tokens:   make(map[string]pendingToken),
		rate:     newRateTracker(cfg.ConnectRatePerSec),
	}
	l.logger = log.With().
		Str("component", "listener").
		Str("addr", l.conn.LocalAddr().String()).
		Logger()

	l.wg.Add(1)
	go l.readLoop()

	l.logger.Info().
		Int("max_clients", cfg.MaxClients).
		Int("bans", cfg.Bans.Len()).
		Msg("listener started")

	return l, nil
}

// SetHandler installs the lifecycle handler. It must be called before the
// first Update.
func (l *Listener) SetHandler(h ClientHandler) {
	l.handler = h
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Overruns returns the number of datagrams dropped because the reader
// backlog was full.
func (l *Listener) Overruns() uint64 {
	return l.overruns.Load()
}

func (l *Listener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if l.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug().Err(err).Msg("UDP read error")
			continue
		}

		d := datagram{data: append([]byte(nil), buf[:n]...), from: from}
		select {
		case l.incoming <- d:
			l.cfg.Wake.Notify()
		default:
			l.overruns.Add(1)
		}
	}
}

// Update processes queued datagrams, fires lifecycle callbacks, drops
// silent clients and sends keepalives.
func (l *Listener) Update() {
	now := time.Now()

drain:
	for {
		select {
		case d := <-l.incoming:
			l.handle(d, now)
		default:
			break drain
		}
	}

	for _, s := range l.slots {
		if s == nil {
			continue
		}
		if now.Sub(s.lastRecv) > l.cfg.Timeout {
			l.logger.Info().Int("client_id", s.id).Str("remote", s.key).Msg("client timed out")
			l.remove(s, ReasonTimeout, false, true)
			continue
		}
		if s.state == slotOnline && now.Sub(s.lastSend) >= l.cfg.KeepaliveInterval {
			l.write(s, protocol.BuildKeepAlive(s.token), now)
		}
	}

	if now.Sub(l.lastPrune) >= time.Second {
		l.lastPrune = now
		l.rate.prune()
		for key, pt := range l.tokens {
			if now.Sub(pt.issued) > l.cfg.Timeout {
				delete(l.tokens, key)
			}
		}
	}
}

// Recv returns the next queued chunk from any client.
func (l *Listener) Recv() (Chunk, bool) {
	if len(l.queue) == 0 {
		return Chunk{}, false
	}
	c := l.queue[0]
	l.queue[0] = Chunk{}
	l.queue = l.queue[1:]
	return c, true
}

// Send delivers a chunk to the client in c.ClientID.
func (l *Listener) Send(c Chunk) error {
	s := l.slot(c.ClientID)
	if s == nil {
		return fmt.Errorf("send to client %d: %w", c.ClientID, ErrUnknownClient)
	}
	if len(c.Data) > protocol.MaxPayloadSize {
		return fmt.Errorf("chunk too large: %d bytes (max %d)", len(c.Data), protocol.MaxPayloadSize)
	}
	return l.write(s, protocol.BuildData(s.token, c.Flags, c.Data), time.Now())
}

// Drop disconnects a client, discards its queued chunks and fires
// OnDisconnect. Unknown ids are ignored.
func (l *Listener) Drop(clientID int, reason string) {
	s := l.slot(clientID)
	if s == nil {
		return
	}
	l.logger.Info().Int("client_id", clientID).Str("reason", reason).Msg("dropping client")
	l.remove(s, reason, true, true)
}

// ClientAddr returns the remote address of a client, or "" if unknown.
func (l *Listener) ClientAddr(clientID int) string {
	if s := l.slot(clientID); s != nil {
		return s.key
	}
	return ""
}

// NumClients returns the number of occupied slots.
func (l *Listener) NumClients() int {
	return len(l.byAddr)
}

// Close stops the reader goroutine and closes the socket. Connected
// clients are not notified; call Drop first for a clean shutdown.
func (l *Listener) Close() error {
	if l.stopped.Swap(true) {
		return nil
	}
	err := l.conn.Close()
	l.wg.Wait()
	l.logger.Info().Msg("listener stopped")
	return err
}

func (l *Listener) slot(id int) *slot {
	if id < 0 || id >= len(l.slots) {
		return nil
	}
	return l.slots[id]
}

func (l *Listener) handle(d datagram, now time.Time) {
	pkt, err := protocol.ParseDatagram(d.data)
	if err != nil {
		l.logger.Trace().Err(err).Str("remote", d.from.String()).Msg("dropping malformed datagram")
		return
	}

	key := d.from.String()
	s := l.byAddr[key]

	if pkt.IsControl() {
		l.handleControl(s, d.from, key, pkt, now)
		return
	}

	if s == nil || pkt.Token != s.token {
		l.logger.Trace().Str("remote", key).Msg("dropping chunk with unknown token")
		return
	}
	s.lastRecv = now
	if s.state == slotPending {
		s.state = slotOnline
	}

	if len(l.queue) >= l.cfg.QueueSize {
		l.logger.Warn().Int("client_id", s.id).Msg("inbound queue full, dropping chunk")
		return
	}
	l.queue = append(l.queue, Chunk{
		ClientID: s.id,
		Flags:    pkt.Flags,
		Data:     pkt.Payload,
		Token:    pkt.Token,
	})
}

func (l *Listener) handleControl(s *slot, from *net.UDPAddr, key string, pkt *protocol.Datagram, now time.Time) {
	switch pkt.Control {
	case protocol.CtrlToken:
		if s != nil {
			return
		}
		// Retransmitted requests get the token already issued.
		pt, ok := l.tokens[key]
		if !ok {
			if l.refused(from, pkt.Token) {
				return
			}
			pt = pendingToken{token: newToken(), issued: now}
			l.tokens[key] = pt
		}
		l.writeTo(protocol.BuildTokenResponse(pkt.Token, pt.token), from)

	case protocol.CtrlConnect:
		if s != nil {
			if !l.restarted(s, pkt) {
				l.rejoin(s, pkt, now)
				return
			}
			l.logger.Info().Int("client_id", s.id).Str("remote", key).Msg("client restarted with a new token")
			l.remove(s, ReasonRestarted, false, true)
		}
		l.accept(from, key, pkt, now)

	case protocol.CtrlAccept:
		if s != nil && pkt.Token == s.token {
			s.lastRecv = now
			s.state = slotOnline
		}

	case protocol.CtrlKeepAlive:
		if s != nil && pkt.Token == s.token {
			s.lastRecv = now
		}

	case protocol.CtrlClose:
		if s != nil && pkt.Token == s.token {
			reason := protocol.ParseCloseReason(pkt.Extra)
			l.logger.Info().Int("client_id", s.id).Str("reason", reason).Msg("client closed connection")
			l.remove(s, reason, false, true)
		}
	}
}

// refused applies the connect rate limit and the ban list. Banned peers
// get a Close echoing the token they sent.
func (l *Listener) refused(from *net.UDPAddr, echo uint32) bool {
	if !l.rate.allow(from.IP.String()) {
		l.logger.Debug().Str("remote", from.String()).Msg("connect rate limit exceeded")
		return true
	}
	if l.cfg.Bans.IsBanned(from.IP) {
		l.logger.Info().Str("remote", from.String()).Msg("refusing banned address")
		l.writeTo(protocol.BuildClose(echo, ReasonBanned), from)
		return true
	}
	return false
}

func (l *Listener) accept(from *net.UDPAddr, key string, pkt *protocol.Datagram, now time.Time) {
	var (
		token   uint32
		variant Variant
		noAuth  bool
	)

	switch {
	case pkt.Token != protocol.TokenNone:
		pt, ok := l.tokens[key]
		if !ok || pt.token != pkt.Token {
			l.logger.Trace().Str("remote", key).Msg("connect with unknown token")
			return
		}
		delete(l.tokens, key)
		token = pkt.Token
		variant = VariantExtended
	default:
		if l.refused(from, pkt.Token) {
			return
		}
		if tok, ok := protocol.ParseConnectToken(pkt.Extra); ok {
			token = tok
			variant = VariantLegacy
		} else {
			token = newToken()
			noAuth = true
		}
	}

	id := l.freeSlot()
	if id < 0 {
		l.logger.Info().Str("remote", key).Msg("refusing client, server full")
		l.writeTo(protocol.BuildClose(pkt.Token, ReasonServerFull), from)
		return
	}

	s := &slot{
		id:          id,
		addr:        from,
		key:         key,
		token:       token,
		state:       slotPending,
		variant:     variant,
		noAuth:      noAuth,
		connectedAt: now,
		lastRecv:    now,
	}
	l.slots[id] = s
	l.byAddr[key] = s

	var err error
	if l.handler != nil {
		if noAuth {
			err = l.handler.OnConnectNoAuth(id)
		} else {
			err = l.handler.OnConnect(id, variant)
		}
	}
	if err != nil {
		l.logger.Warn().Err(err).Int("client_id", id).Str("remote", key).Msg("client refused by handler")
		l.remove(s, err.Error(), true, false)
		return
	}

	l.write(s, protocol.BuildControl(token, protocol.CtrlConnectAccept, nil), now)

	l.logger.Info().
		Int("client_id", id).
		Str("remote", key).
		Str("variant", variant.String()).
		Bool("no_auth", noAuth).
		Msg("client connected")
}

// restarted reports whether a legacy Connect from a connected address
// carries a different token, meaning the client process was restarted.
func (l *Listener) restarted(s *slot, pkt *protocol.Datagram) bool {
	if pkt.Token != protocol.TokenNone || s.variant != VariantLegacy || s.noAuth {
		return false
	}
	tok, ok := protocol.ParseConnectToken(pkt.Extra)
	return ok && tok != s.token
}

// rejoin answers a repeated handshake from a connected address. The
// client keeps its slot and token.
func (l *Listener) rejoin(s *slot, pkt *protocol.Datagram, now time.Time) {
	switch {
	case pkt.Token != protocol.TokenNone:
		if pkt.Token != s.token {
			return
		}
	default:
		tok, ok := protocol.ParseConnectToken(pkt.Extra)
		if ok && tok != s.token {
			return
		}
		if !ok && !s.noAuth {
			return
		}
	}

	s.lastRecv = now
	l.write(s, protocol.BuildControl(s.token, protocol.CtrlConnectAccept, nil), now)
	l.logger.Debug().Int("client_id", s.id).Msg("client rejoined")
	if l.handler != nil {
		l.handler.OnRejoin(s.id)
	}
}

// remove frees the slot and discards queued chunks of the client.
func (l *Listener) remove(s *slot, reason string, sendClose, notify bool) {
	l.slots[s.id] = nil
	delete(l.byAddr, s.key)

	kept := l.queue[:0]
	for _, c := range l.queue {
		if c.ClientID != s.id {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = Chunk{}
	}
	l.queue = kept

	if sendClose {
		l.writeTo(protocol.BuildClose(s.token, reason), s.addr)
	}
	if notify && l.handler != nil {
		l.handler.OnDisconnect(s.id, reason)
	}
}

func (l *Listener) freeSlot() int {
	for i, s := range l.slots {
		if s == nil {
			return i
		}
	}
	return -1
}

func (l *Listener) write(s *slot, b []byte, now time.Time) error {
	if _, err := l.conn.WriteToUDP(b, s.addr); err != nil {
		return fmt.Errorf("write to client %d: %w", s.id, err)
	}
	s.lastSend = now
	return nil
}

func (l *Listener) writeTo(b []byte, to *net.UDPAddr) {
	if _, err := l.conn.WriteToUDP(b, to); err != nil {
		l.logger.Debug().Err(err).Str("remote", to.String()).Msg("write failed")
	}
}

// newToken returns a random security token other than TokenNone.
func newToken() uint32 {
	for {
		if t := rand.Uint32(); t != protocol.TokenNone {
			return t
		}
	}
}

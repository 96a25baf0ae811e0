package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/network"
)

// Conn is an outbound connection to the upstream server.
type Conn interface {
	Update()
	Send(c network.Chunk) error
	TryRecv() (network.Chunk, bool)
	State() network.ConnState
	Reason() string
	Close(reason string) error
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(target network.Addr, variant network.Variant) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(target network.Addr, variant network.Variant) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(target network.Addr, variant network.Variant) (Conn, error) {
	return f(target, variant)
}

// NetDialer dials real UDP connections through d.
func NetDialer(ctx context.Context, d *network.Dialer) Dialer {
	return DialerFunc(func(target network.Addr, variant network.Variant) (Conn, error) {
		c, err := d.Dial(ctx, target, variant)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Session is the bridge's stand-in for one real client towards the
// upstream server.
type Session struct {
	FakeID     int64
	RealID     int
	ClientAddr string
	Target     network.Addr
	Variant    network.Variant
	CreatedAt  time.Time

	conn   Conn
	logger zerolog.Logger

	prevState  network.ConnState
	observed   atomic.Int32
	onlineAt   atomic.Int64
	chunksUp   atomic.Uint64
	chunksDown atomic.Uint64
}

// openSession dials the backend with the variant carried by target.
func openSession(fakeID int64, realID int, target network.Addr, clientAddr string, d Dialer) (*Session, error) {
	variant := target.Variant()
	conn, err := d.Dial(target, variant)
	if err != nil {
		return nil, err
	}

	s := &Session{
		FakeID:     fakeID,
		RealID:     realID,
		ClientAddr: clientAddr,
		Target:     target,
		Variant:    variant,
		CreatedAt:  time.Now(),
		conn:       conn,
		prevState:  network.StateConnecting,
		logger: log.With().
			Str("component", "session").
			Int64("fake_id", fakeID).
			Int("real_id", realID).
			Logger(),
	}
	s.observed.Store(int32(network.StateConnecting))
	return s, nil
}

// Send forwards a chunk to the backend.
func (s *Session) Send(c network.Chunk) error {
	if err := s.conn.Send(c); err != nil {
		return err
	}
	s.chunksUp.Add(1)
	return nil
}

// TryRecv returns the next chunk from the backend, if any.
func (s *Session) TryRecv() (network.Chunk, bool) {
	c, ok := s.conn.TryRecv()
	if ok {
		s.chunksDown.Add(1)
	}
	return c, ok
}

// Update advances the backend connection.
func (s *Session) Update() {
	s.conn.Update()
}

// State returns the backend connection state.
func (s *Session) State() network.ConnState {
	return s.conn.State()
}

// Reason returns why the backend went offline.
func (s *Session) Reason() string {
	return s.conn.Reason()
}

// observe records the current state and reports a transition since the
// previous call.
func (s *Session) observe(now time.Time) (from, to network.ConnState, changed bool) {
	cur := s.conn.State()
	if cur == s.prevState {
		return cur, cur, false
	}
	from = s.prevState
	s.prevState = cur
	s.observed.Store(int32(cur))
	if cur == network.StateOnline {
		s.onlineAt.Store(now.UnixNano())
	}
	return from, cur, true
}

// Close shuts the backend connection and discards anything buffered for it.
func (s *Session) Close(reason string) error {
	return s.conn.Close(reason)
}

// SessionInfo is a read-only copy of a session for admin surfaces.
type SessionInfo struct {
	FakeID     int64             `json:"fake_id"`
	RealID     int               `json:"real_id"`
	ClientAddr string            `json:"client_addr"`
	Target     string            `json:"target"`
	Variant    string            `json:"variant"`
	State      network.ConnState `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	OnlineAt   *time.Time        `json:"online_at,omitempty"`
	ChunksUp   uint64            `json:"chunks_up"`
	ChunksDown uint64            `json:"chunks_down"`
}

// Info returns a snapshot safe to take from any goroutine.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		FakeID:     s.FakeID,
		RealID:     s.RealID,
		ClientAddr: s.ClientAddr,
		Target:     s.Target.String(),
		Variant:    s.Variant.String(),
		State:      network.ConnState(s.observed.Load()),
		CreatedAt:  s.CreatedAt,
		ChunksUp:   s.chunksUp.Load(),
		ChunksDown: s.chunksDown.Load(),
	}
	if ns := s.onlineAt.Load(); ns != 0 {
		t := time.Unix(0, ns)
		info.OnlineAt = &t
	}
	return info
}

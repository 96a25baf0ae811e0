package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/events"
	"github.com/energizer-project/teebridge/internal/metrics"
	"github.com/energizer-project/teebridge/internal/network"
	"github.com/energizer-project/teebridge/internal/protocol"
)

// Engine defaults.
const (
	DefaultInboundPerTick = 1
	DefaultIdleWait       = 10 * time.Millisecond
	commandBacklog        = 64
)

// ErrCommandQueueFull is returned when the loop is not keeping up with
// admin commands.
var ErrCommandQueueFull = errors.New("engine command queue full")

// Listener is the inbound side of the transport.
type Listener interface {
	Update()
	Recv() (network.Chunk, bool)
	Send(c network.Chunk) error
	Drop(clientID int, reason string)
	SetHandler(h network.ClientHandler)
	ClientAddr(clientID int) string
}

// Options configures an Engine.
type Options struct {
	Target         network.Addr
	InboundPerTick int           // inbound chunks forwarded per tick
	IdleWait       time.Duration // max sleep when a tick did no work
	Wake           network.Signal
	Hooks          []Hook // run after the chat hook
	Events         *events.EventBus
	Metrics        *metrics.Metrics
}

// Stats are cumulative engine counters.
type Stats struct {
	Sessions       int           `json:"sessions"`
	Created        uint64        `json:"sessions_created"`
	Destroyed      uint64        `json:"sessions_destroyed"`
	Refused        uint64        `json:"sessions_refused"`
	ChunksToServer uint64        `json:"chunks_to_server"`
	ChunksToClient uint64        `json:"chunks_to_client"`
	ChunksDropped  uint64        `json:"chunks_dropped"`
	ChatMessages   uint64        `json:"chat_messages"`
	Uptime         time.Duration `json:"uptime_ns"`
}

// Engine runs the bridge loop. Everything except Kick, Stats and the
// Registry's snapshot methods must be used from the goroutine calling Run
// or Tick.
type Engine struct {
	opts     Options
	listener Listener
	registry *Registry
	hooks    []Hook
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	cmds     chan func()

	startedAt      time.Time
	created        atomic.Uint64
	destroyed      atomic.Uint64
	refused        atomic.Uint64
	chunksToServer atomic.Uint64
	chunksToClient atomic.Uint64
	chunksDropped  atomic.Uint64
	chatMessages   atomic.Uint64
}

// NewEngine binds the engine to the listener as its ClientHandler.
func NewEngine(l Listener, r *Registry, opts Options) *Engine {
	if opts.InboundPerTick <= 0 {
		opts.InboundPerTick = DefaultInboundPerTick
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = DefaultIdleWait
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New("")
	}

	e := &Engine{
		opts:      opts,
		listener:  l,
		registry:  r,
		metrics:   m,
		cmds:      make(chan func(), commandBacklog),
		startedAt: time.Now(),
		logger: log.With().
			Str("component", "engine").
			Str("target", opts.Target.String()).
			Logger(),
	}
	e.hooks = append([]Hook{ChatHook(protocol.NewChatParser(), e.onChat)}, opts.Hooks...)
	l.SetHandler(e)
	return e
}

// Registry returns the session registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Run ticks until ctx is cancelled, then drops every client.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Int("inbound_per_tick", e.opts.InboundPerTick).
		Dur("idle_wait", e.opts.IdleWait).
		Msg("bridge engine started")

	timer := time.NewTimer(e.opts.IdleWait)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			e.shutdown("server shutting down")
			return nil
		}

		if e.Tick() {
			runtime.Gosched()
			continue
		}

		timer.Reset(e.opts.IdleWait)
		select {
		case <-ctx.Done():
		case <-e.opts.Wake:
		case fn := <-e.cmds:
			fn()
		case <-timer.C:
		}
	}
}

// Tick runs one loop iteration and reports whether any chunk moved or
// command ran.
func (e *Engine) Tick() bool {
	worked := e.runCommands()

	e.listener.Update()

	for i := 0; i < e.opts.InboundPerTick; i++ {
		c, ok := e.listener.Recv()
		if !ok {
			break
		}
		worked = true
		e.forwardToServer(c)
	}

	now := time.Now()
	var offline []*Session
	for _, s := range e.registry.Sessions() {
		s.Update()
		e.observe(s, now)

		for {
			c, ok := s.TryRecv()
			if !ok {
				break
			}
			worked = true
			e.forwardToClient(s, c)
		}

		if s.State() == network.StateOffline {
			offline = append(offline, s)
		}
	}

	for _, s := range offline {
		reason := "backend disconnected"
		if r := s.Reason(); r != "" {
			reason += ": " + r
		}
		e.listener.Drop(s.RealID, reason)
		// The listener may have lost the client already.
		if _, ok := e.registry.LookupByReal(s.RealID); ok {
			e.OnDisconnect(s.RealID, reason)
		}
		worked = true
	}

	return worked
}

func (e *Engine) runCommands() bool {
	ran := false
	for {
		select {
		case fn := <-e.cmds:
			fn()
			ran = true
		default:
			return ran
		}
	}
}

func (e *Engine) forwardToServer(c network.Chunk) {
	s, ok := e.registry.LookupByReal(c.ClientID)
	if !ok {
		e.logger.Debug().Int("real_id", c.ClientID).Msg("chunk from client without session")
		e.dropped(metrics.DropUnknownSession)
		return
	}

	p := &Packet{Payload: c.Data, Direction: ToServer, RealID: c.ClientID, FakeID: s.FakeID}
	if runHooks(e.hooks, p) == Drop {
		e.dropped(metrics.DropHook)
		return
	}

	if err := s.Send(c); err != nil {
		s.logger.Debug().Err(err).Msg("failed to forward chunk to server")
		e.dropped(metrics.DropSendError)
		return
	}
	e.chunksToServer.Add(1)
	e.metrics.ChunksForwarded.WithLabelValues(metrics.DirToServer).Inc()
}

func (e *Engine) forwardToClient(s *Session, c network.Chunk) {
	c.ClientID = s.RealID

	p := &Packet{Payload: c.Data, Direction: ToClient, RealID: s.RealID, FakeID: s.FakeID}
	if runHooks(e.hooks, p) == Drop {
		e.dropped(metrics.DropHook)
		return
	}

	if err := e.listener.Send(c); err != nil {
		s.logger.Debug().Err(err).Msg("failed to forward chunk to client")
		e.dropped(metrics.DropSendError)
		return
	}
	e.chunksToClient.Add(1)
	e.metrics.ChunksForwarded.WithLabelValues(metrics.DirToClient).Inc()
}

func (e *Engine) dropped(reason string) {
	e.chunksDropped.Add(1)
	e.metrics.ChunksDropped.WithLabelValues(reason).Inc()
}

func (e *Engine) observe(s *Session, now time.Time) {
	from, to, changed := s.observe(now)
	if !changed {
		return
	}

	ev := s.logger.Info()
	if to == network.StateOffline {
		ev = s.logger.Warn().Str("reason", s.Reason())
	}
	ev.Str("from", from.String()).Str("to", to.String()).Msg("backend state changed")

	e.metrics.BackendTransitions.WithLabelValues(to.String()).Inc()
	e.emit(events.EventBackendState, events.BackendStatePayload{
		FakeID: s.FakeID,
		RealID: s.RealID,
		From:   from.String(),
		To:     to.String(),
		Reason: s.Reason(),
	})
}

func (e *Engine) onChat(p *Packet, msg protocol.ChatMessage) {
	e.logger.Info().
		Int64("fake_id", p.FakeID).
		Int("real_id", p.RealID).
		Str("kind", string(msg.Kind)).
		Str("text", msg.Text).
		Msg("chat")

	e.chatMessages.Add(1)
	e.metrics.ChatMessages.WithLabelValues(string(msg.Kind)).Inc()
	e.emit(events.EventChatMessage, events.ChatMessagePayload{
		FakeID: p.FakeID,
		RealID: p.RealID,
		Kind:   string(msg.Kind),
		Text:   msg.Text,
		At:     time.Now(),
	})
}

// OnConnect creates a session for an authenticated client.
func (e *Engine) OnConnect(realID int, variant network.Variant) error {
	return e.createSession(realID)
}

// OnConnectNoAuth creates a session for a client without a token.
func (e *Engine) OnConnectNoAuth(realID int) error {
	return e.createSession(realID)
}

// OnRejoin keeps the existing session; the client kept its id.
func (e *Engine) OnRejoin(realID int) {
	if s, ok := e.registry.LookupByReal(realID); ok {
		s.logger.Debug().Msg("client rejoined, keeping session")
		return
	}
	e.logger.Debug().Int("real_id", realID).Msg("client rejoined without a session")
}

// OnDisconnect destroys the session of the client.
func (e *Engine) OnDisconnect(realID int, reason string) {
	s, ok := e.registry.Destroy(realID, reason)
	if !ok {
		return
	}

	info := s.Info()
	lifetime := time.Since(s.CreatedAt)

	e.destroyed.Add(1)
	e.metrics.SessionsDestroyed.Inc()
	e.metrics.SessionsActive.Set(float64(e.registry.Len()))
	e.metrics.SessionDuration.Observe(lifetime.Seconds())

	s.logger.Info().
		Str("reason", reason).
		Uint64("chunks_up", info.ChunksUp).
		Uint64("chunks_down", info.ChunksDown).
		Dur("duration", lifetime).
		Msg("session closed")

	e.emit(events.EventSessionDestroyed, events.SessionPayload{
		FakeID:     s.FakeID,
		RealID:     s.RealID,
		ClientAddr: s.ClientAddr,
		Target:     s.Target.String(),
		Variant:    s.Variant.String(),
		Reason:     reason,
		ChunksUp:   info.ChunksUp,
		ChunksDown: info.ChunksDown,
		Duration:   lifetime,
	})
}

func (e *Engine) createSession(realID int) error {
	addr := e.listener.ClientAddr(realID)

	fakeID, err := e.registry.Create(realID, e.opts.Target, addr)
	if err != nil {
		e.refused.Add(1)
		e.metrics.SessionsRefused.Inc()
		e.logger.Error().Err(err).Int("real_id", realID).Str("client", addr).Msg("failed to create session")
		e.emit(events.EventSessionRefused, events.SessionRefusedPayload{
			RealID:     realID,
			ClientAddr: addr,
			Error:      err.Error(),
		})
		return fmt.Errorf("bridge unavailable: %w", err)
	}

	e.created.Add(1)
	e.metrics.SessionsCreated.Inc()
	e.metrics.SessionsActive.Set(float64(e.registry.Len()))

	e.logger.Info().
		Int64("fake_id", fakeID).
		Int("real_id", realID).
		Str("client", addr).
		Str("variant", e.opts.Target.Variant().String()).
		Msg("session opened")

	e.emit(events.EventSessionCreated, events.SessionPayload{
		FakeID:     fakeID,
		RealID:     realID,
		ClientAddr: addr,
		Target:     e.opts.Target.String(),
		Variant:    e.opts.Target.Variant().String(),
	})
	return nil
}

// Kick asks the loop to disconnect a real client. Safe for any goroutine.
// The kick targets the session seen now; if the client id has been reused
// by the time the loop runs the command, nothing is dropped.
func (e *Engine) Kick(realID int, reason string) error {
	s, ok := e.registry.LookupByReal(realID)
	if !ok {
		return fmt.Errorf("kick client %d: %w", realID, network.ErrUnknownClient)
	}
	if reason == "" {
		reason = "Kicked by admin"
	}
	fakeID := s.FakeID

	kick := func() {
		cur, ok := e.registry.LookupByReal(realID)
		if !ok || cur.FakeID != fakeID {
			e.logger.Debug().Int("real_id", realID).Int64("fake_id", fakeID).Msg("kick target already gone")
			return
		}
		e.listener.Drop(realID, reason)
	}

	select {
	case e.cmds <- kick:
		e.opts.Wake.Notify()
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// shutdown drops every client so both ends are told the bridge is going away.
func (e *Engine) shutdown(reason string) {
	sessions := e.registry.Sessions()
	e.logger.Info().Int("sessions", len(sessions)).Msg("dropping all clients")

	for _, s := range sessions {
		e.listener.Drop(s.RealID, reason)
		if _, ok := e.registry.LookupByReal(s.RealID); ok {
			e.OnDisconnect(s.RealID, reason)
		}
	}
	e.metrics.SessionsActive.Set(0)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sessions:       e.registry.Len(),
		Created:        e.created.Load(),
		Destroyed:      e.destroyed.Load(),
		Refused:        e.refused.Load(),
		ChunksToServer: e.chunksToServer.Load(),
		ChunksToClient: e.chunksToClient.Load(),
		ChunksDropped:  e.chunksDropped.Load(),
		ChatMessages:   e.chatMessages.Load(),
		Uptime:         time.Since(e.startedAt),
	}
}

// Sessions returns a snapshot of the live sessions ordered by fake id.
func (e *Engine) Sessions() []SessionInfo {
	return e.registry.Snapshot()
}

// Session returns a snapshot of the session owning fakeID.
func (e *Engine) Session(fakeID int64) (SessionInfo, bool) {
	s, ok := e.registry.LookupByFake(fakeID)
	if !ok {
		return SessionInfo{}, false
	}
	return s.Info(), true
}

// Target returns the upstream server address.
func (e *Engine) Target() network.Addr {
	return e.opts.Target
}

// Metrics returns the collectors the engine reports to.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

func (e *Engine) emit(t events.EventType, payload interface{}) {
	if e.opts.Events == nil {
		return
	}
	e.opts.Events.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "engine",
		Payload: payload,
	})
}

// Package network implements the UDP transport the bridge speaks on both
// sides: a Listener accepting real game clients into small-integer slots,
// and outbound Connections standing in for those clients towards the
// upstream server. Sockets are read by background goroutines that only
// queue datagrams; all protocol state is advanced by Update, so callbacks
// and state changes happen on the caller's goroutine.
package network

import (
	"errors"
)

// Transport errors.
var (
	ErrUnknownClient = errors.New("unknown client")
	ErrNotOnline     = errors.New("connection is not online")
	ErrClosed        = errors.New("transport closed")
	ErrQueueFull     = errors.New("queue full")
)

// Chunk is one unit of payload exchanged over a connection.
type Chunk struct {
	ClientID int    // listener slot of the real client
	Flags    byte   // reliability flags carried from the datagram header
	Data     []byte // opaque payload
	Token    uint32 // security token the chunk arrived with
}

// Variant selects the handshake used to reach a server.
type Variant int

const (
	VariantLegacy Variant = iota
	VariantExtended
)

// String returns the variant name.
func (v Variant) String() string {
	if v == VariantExtended {
		return "extended"
	}
	return "legacy"
}

// ConnState is the state of an outbound connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOnline
	StateOffline
)

var connStateStrings = map[ConnState]string{
	StateConnecting: "connecting",
	StateOnline:     "online",
	StateOffline:    "offline",
}

// String returns the lowercase state name.
func (s ConnState) String() string {
	if str, ok := connStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ConnState as a JSON string (e.g. "online").
func (s ConnState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ClientHandler receives listener lifecycle notifications. All methods are
// invoked from Listener.Update or Listener.Drop on the caller's goroutine.
type ClientHandler interface {
	// OnConnect is called after an authenticated handshake. Returning an
	// error refuses the client.
	OnConnect(clientID int, variant Variant) error
	// OnConnectNoAuth is called for clients that connected without a token.
	OnConnectNoAuth(clientID int) error
	// OnRejoin is called when a connected client repeats its handshake.
	// The client keeps its id.
	OnRejoin(clientID int)
	// OnDisconnect is called once per accepted client when it leaves.
	OnDisconnect(clientID int, reason string)
}

// Signal wakes an idle event loop when a socket has queued data.
type Signal chan struct{}

// NewSignal creates a signal with a one-element buffer.
func NewSignal() Signal {
	return make(Signal, 1)
}

// Notify wakes the waiter without blocking. A nil signal is a no-op.
func (s Signal) Notify() {
	if s == nil {
		return
	}
	select {
	case s <- struct{}{}:
	default:
	}
}

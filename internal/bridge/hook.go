package bridge

import (
	"github.com/energizer-project/teebridge/internal/protocol"
)

// Direction tells which way a chunk travels through the bridge.
type Direction int

const (
	ToServer Direction = iota
	ToClient
)

// String returns the direction name.
func (d Direction) String() string {
	if d == ToClient {
		return "to_client"
	}
	return "to_server"
}

// Verdict is the outcome of a hook.
type Verdict int

const (
	Forward Verdict = iota
	Drop
)

// Packet is the view of a chunk handed to hooks. Payload must not be
// modified.
type Packet struct {
	Payload   []byte
	Direction Direction
	RealID    int
	FakeID    int64
}

// Hook inspects a chunk in flight and decides whether it is forwarded.
type Hook func(p *Packet) Verdict

// runHooks applies hooks in order. The first Drop wins.
func runHooks(hooks []Hook, p *Packet) Verdict {
	for _, h := range hooks {
		if h(p) == Drop {
			return Drop
		}
	}
	return Forward
}

// ChatSink receives chat messages found by ChatHook.
type ChatSink func(p *Packet, msg protocol.ChatMessage)

// ChatHook reports chat messages sent towards the server. It never drops.
func ChatHook(parser *protocol.ChatParser, sink ChatSink) Hook {
	return func(p *Packet) Verdict {
		if p.Direction != ToServer || sink == nil {
			return Forward
		}
		if msg, ok := parser.Inspect(p.Payload); ok {
			sink(p, msg)
		}
		return Forward
	}
}

// Package protocol implements the wire codecs used by the bridge: the
// datagram header shared by the listener and the outbound connections,
// the connection control messages, the variable-length integer packing
// used inside game payloads, and the chat message introspection.
package protocol

// Datagram header flags.
const (
	FlagControl byte = 0x01 // body is a control message
	FlagVital   byte = 0x02 // sender wants reliable delivery for this chunk
)

// Connection control messages (first body byte when FlagControl is set).
const (
	CtrlKeepAlive     byte = 0x00 // Idle heartbeat
	CtrlConnect       byte = 0x01 // Client asks for a slot
	CtrlConnectAccept byte = 0x02 // Server grants a slot, header carries the token
	CtrlAccept        byte = 0x03 // Client confirms, connection is online
	CtrlClose         byte = 0x04 // Either side closes, extra is the reason
	CtrlToken         byte = 0x05 // Token exchange of the extended handshake
)

// Game message types recognised by the chat introspection.
const (
	MsgChatSay     = 1
	MsgChatWhisper = 2
)

// HeaderSize is the size of the datagram header: flags + 4-byte token.
const HeaderSize = 5

// MaxPayloadSize is the largest chunk payload carried in one datagram.
const MaxPayloadSize = 1400

// MaxDatagramSize bounds a full datagram including header and control byte.
const MaxDatagramSize = HeaderSize + 1 + MaxPayloadSize

// TokenNone marks a datagram sent before a security token is known.
const TokenNone uint32 = 0xFFFFFFFF

// TokenMagic prefixes the client-chosen token in a legacy Connect.
var TokenMagic = []byte("TKEN")

// MaxReasonLength caps close reasons on the wire.
const MaxReasonLength = 128

// Datagram is a decoded datagram.
type Datagram struct {
	Flags   byte
	Token   uint32
	Control byte   // valid when IsControl
	Extra   []byte // control extra bytes
	Payload []byte // data payload
}

// IsControl reports whether the datagram carries a control message.
func (d *Datagram) IsControl() bool {
	return d.Flags&FlagControl != 0
}

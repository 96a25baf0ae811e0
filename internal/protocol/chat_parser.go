package protocol

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ChatKind distinguishes public chat from whispers.
type ChatKind string

const (
	ChatSay     ChatKind = "say"
	ChatWhisper ChatKind = "whisper"
)

// ChatMessage is a chat line decoded from a client payload.
type ChatMessage struct {
	Kind ChatKind
	Text string
}

// ChatParser recognises chat messages in client-to-server payloads.
// It is read-only: the payload is never modified.
type ChatParser struct {
	logger zerolog.Logger
}

// NewChatParser creates a new chat parser.
func NewChatParser() *ChatParser {
	return &ChatParser{
		logger: log.With().Str("component", "chat_parser").Logger(),
	}
}

// Inspect decodes payload as [varint msg<<1|flag][string...]. It returns
// false for any message that is not a chat message, including truncated or
// malformed input.
func (p *ChatParser) Inspect(payload []byte) (ChatMessage, bool) {
	u := NewUnpacker(payload)

	msg, err := u.GetInt()
	if err != nil {
		return ChatMessage{}, false
	}
	// low bit is the flag, the rest is the message type
	msgType := msg >> 1

	var kind ChatKind
	switch msgType {
	case MsgChatSay:
		kind = ChatSay
	case MsgChatWhisper:
		kind = ChatWhisper
	default:
		return ChatMessage{}, false
	}

	text, err := u.GetString()
	if err != nil {
		p.logger.Trace().Err(err).Int("len", len(payload)).Msg("malformed chat message")
		return ChatMessage{}, false
	}

	return ChatMessage{Kind: kind, Text: text}, true
}

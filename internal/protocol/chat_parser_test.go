package protocol

import (
	"math/rand"
	"testing"
)

func TestChatParserSay(t *testing.T) {
	p := NewChatParser()
	payload := new(Packer).AddInt(MsgChatSay << 1).AddString("hello").Bytes()
	orig := append([]byte(nil), payload...)

	msg, ok := p.Inspect(payload)
	if !ok {
		t.Fatal("expected chat message")
	}
	if msg.Kind != ChatSay || msg.Text != "hello" {
		t.Errorf("Inspect = %+v, want say/hello", msg)
	}
	if string(payload) != string(orig) {
		t.Error("Inspect modified the payload")
	}
}

func TestChatParserWhisperWithFlag(t *testing.T) {
	p := NewChatParser()
	// low bit set must be ignored
	payload := new(Packer).AddInt(MsgChatWhisper<<1 | 1).AddString("psst\x07").Bytes()

	msg, ok := p.Inspect(payload)
	if !ok {
		t.Fatal("expected whisper")
	}
	if msg.Kind != ChatWhisper || msg.Text != "psst" {
		t.Errorf("Inspect = %+v, want whisper/psst", msg)
	}
}

func TestChatParserIgnoresOtherMessages(t *testing.T) {
	p := NewChatParser()
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"other type", new(Packer).AddInt(5 << 1).AddString("hello").Bytes()},
		{"say without string", new(Packer).AddInt(MsgChatSay << 1).Bytes()},
		{"say with truncated string", []byte{0x02, 0x09, 'h', 'i'}},
		{"say with negative length", []byte{0x02, 0x41}},
		{"bad varint", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if msg, ok := p.Inspect(tt.payload); ok {
				t.Errorf("Inspect(%x) = %+v, want not a chat message", tt.payload, msg)
			}
		})
	}
}

func TestChatParserNeverPanics(t *testing.T) {
	p := NewChatParser()
	full := new(Packer).AddInt(MsgChatSay << 1).AddString("a longer chat line").Bytes()

	// every truncation of a valid message
	for i := 0; i <= len(full); i++ {
		p.Inspect(full[:i])
	}

	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 64)
	for i := 0; i < 5000; i++ {
		n := rng.Intn(len(buf) + 1)
		rng.Read(buf[:n])
		p.Inspect(buf[:n])
	}
}

package protocol

import (
	"testing"
)

func TestParseDataDatagram(t *testing.T) {
	raw := BuildData(0xDEADBEEF, FlagVital|FlagControl, []byte("payload"))
	d, err := ParseDatagram(raw)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if d.IsControl() {
		t.Error("BuildData must clear the control flag")
	}
	if d.Flags&FlagVital == 0 {
		t.Error("vital flag lost")
	}
	if d.Token != 0xDEADBEEF {
		t.Errorf("token = %08x", d.Token)
	}
	if string(d.Payload) != "payload" {
		t.Errorf("payload = %q", d.Payload)
	}
}

func TestParseControlDatagrams(t *testing.T) {
	d, err := ParseDatagram(BuildLegacyConnect(42))
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if !d.IsControl() || d.Control != CtrlConnect || d.Token != TokenNone {
		t.Fatalf("unexpected connect datagram: %+v", d)
	}
	tok, ok := ParseConnectToken(d.Extra)
	if !ok || tok != 42 {
		t.Errorf("ParseConnectToken = %d, %v", tok, ok)
	}

	d, _ = ParseDatagram(BuildNoAuthConnect())
	if _, ok := ParseConnectToken(d.Extra); ok {
		t.Error("no-auth connect must not carry a token")
	}

	d, _ = ParseDatagram(BuildTokenResponse(7, 99))
	if d.Token != 7 {
		t.Errorf("token response nonce = %d, want 7", d.Token)
	}
	if tok, err := ParseTokenExtra(d.Extra); err != nil || tok != 99 {
		t.Errorf("ParseTokenExtra = %d, %v", tok, err)
	}

	d, _ = ParseDatagram(BuildClose(5, "bye\x00now"))
	if reason := ParseCloseReason(d.Extra); reason != "byenow" {
		t.Errorf("close reason = %q", reason)
	}
}

func TestParseDatagramErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short header", []byte{0x00, 0x01}},
		{"empty data", []byte{0x00, 0, 0, 0, 1}},
		{"control without message", []byte{FlagControl, 0, 0, 0, 1}},
		{"unknown control", []byte{FlagControl, 0, 0, 0, 1, 0x33}},
		{"oversized", make([]byte, MaxDatagramSize+1)},
	}
	for _, tt := range tests {
		if _, err := ParseDatagram(tt.raw); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

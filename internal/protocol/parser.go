package protocol

import (
	"encoding/binary"
	"fmt"
)

// ParseDatagram decodes the header and body of a received datagram.
// Payload and Extra alias b; callers that keep them must copy.
func ParseDatagram(b []byte) (*Datagram, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("datagram too small: %d bytes", len(b))
	}
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("datagram too large: %d bytes (max %d)", len(b), MaxDatagramSize)
	}

	d := &Datagram{
		Flags: b[0],
		Token: binary.BigEndian.Uint32(b[1:HeaderSize]),
	}
	body := b[HeaderSize:]

	if !d.IsControl() {
		if len(body) == 0 {
			return nil, fmt.Errorf("empty data datagram")
		}
		d.Payload = body
		return d, nil
	}

	if len(body) < 1 {
		return nil, fmt.Errorf("control datagram without message")
	}
	d.Control = body[0]
	d.Extra = body[1:]

	if d.Control > CtrlToken {
		return nil, fmt.Errorf("unknown control message: 0x%02X", d.Control)
	}
	return d, nil
}

// ParseConnectToken extracts the client-chosen token from a legacy Connect
// extra. ok is false when the extension is absent.
func ParseConnectToken(extra []byte) (token uint32, ok bool) {
	if len(extra) < len(TokenMagic)+4 {
		return 0, false
	}
	for i, c := range TokenMagic {
		if extra[i] != c {
			return 0, false
		}
	}
	token = binary.BigEndian.Uint32(extra[len(TokenMagic):])
	return token, token != TokenNone
}

// ParseTokenExtra reads the 4-byte token carried by a Token control message.
func ParseTokenExtra(extra []byte) (uint32, error) {
	if len(extra) < 4 {
		return 0, fmt.Errorf("token extra too small: %d bytes", len(extra))
	}
	return binary.BigEndian.Uint32(extra[:4]), nil
}

// ParseCloseReason returns the sanitized close reason.
func ParseCloseReason(extra []byte) string {
	if len(extra) > MaxReasonLength {
		extra = extra[:MaxReasonLength]
	}
	return SanitizeString(extra)
}

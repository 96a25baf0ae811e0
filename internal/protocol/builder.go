package protocol

import (
	"encoding/binary"
)

// header writes the common datagram header into a new buffer.
func header(flags byte, token uint32, bodyLen int) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+bodyLen)
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:HeaderSize], token)
	return buf
}

// BuildData builds a data datagram. Only the reliability flag of flags is
// kept; the control flag is always cleared.
func BuildData(token uint32, flags byte, payload []byte) []byte {
	buf := header(flags&FlagVital, token, len(payload))
	return append(buf, payload...)
}

// BuildControl builds a control datagram with optional extra bytes.
func BuildControl(token uint32, ctrl byte, extra []byte) []byte {
	buf := header(FlagControl, token, 1+len(extra))
	buf = append(buf, ctrl)
	return append(buf, extra...)
}

// BuildKeepAlive builds a keepalive control datagram.
func BuildKeepAlive(token uint32) []byte {
	return BuildControl(token, CtrlKeepAlive, nil)
}

// BuildLegacyConnect builds the single-step Connect carrying the
// client-chosen token after TokenMagic.
func BuildLegacyConnect(token uint32) []byte {
	extra := make([]byte, 0, len(TokenMagic)+4)
	extra = append(extra, TokenMagic...)
	extra = binary.BigEndian.AppendUint32(extra, token)
	return BuildControl(TokenNone, CtrlConnect, extra)
}

// BuildNoAuthConnect builds a Connect without any token extension.
func BuildNoAuthConnect() []byte {
	return BuildControl(TokenNone, CtrlConnect, nil)
}

// BuildTokenRequest builds the first message of the extended handshake.
// The header carries the client's nonce.
func BuildTokenRequest(nonce uint32) []byte {
	return BuildControl(nonce, CtrlToken, nil)
}

// BuildTokenResponse answers a token request: the header echoes the
// client's nonce and the extra carries the issued token.
func BuildTokenResponse(nonce, token uint32) []byte {
	return BuildControl(nonce, CtrlToken, binary.BigEndian.AppendUint32(nil, token))
}

// BuildClose builds a Close control datagram with a reason.
func BuildClose(token uint32, reason string) []byte {
	if len(reason) > MaxReasonLength {
		reason = reason[:MaxReasonLength]
	}
	return BuildControl(token, CtrlClose, []byte(reason))
}

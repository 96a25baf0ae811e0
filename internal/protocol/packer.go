package protocol

import (
	"errors"
	"strings"
)

// Errors returned by the Unpacker.
var (
	ErrTruncated     = errors.New("truncated buffer")
	ErrInvalidVarInt = errors.New("invalid variable-length integer")
	ErrInvalidString = errors.New("invalid string length")
)

// maxVarIntSize is the longest encoding of a 32-bit value.
const maxVarIntSize = 5

// Packer builds game payloads using the variable-length integer encoding:
// first byte [extend:1][sign:1][data:6], following bytes [extend:1][data:7],
// the last of five bytes carries 4 bits.
type Packer struct {
	buf []byte
}

// AddInt appends a variable-length integer.
func (p *Packer) AddInt(v int32) *Packer {
	p.buf = AppendVarInt(p.buf, v)
	return p
}

// AddString appends a varint length followed by the raw bytes.
func (p *Packer) AddString(s string) *Packer {
	p.buf = AppendVarInt(p.buf, int32(len(s)))
	p.buf = append(p.buf, s...)
	return p
}

// AddRaw appends bytes verbatim.
func (p *Packer) AddRaw(b []byte) *Packer {
	p.buf = append(p.buf, b...)
	return p
}

// Bytes returns the packed buffer.
func (p *Packer) Bytes() []byte {
	return p.buf
}

// AppendVarInt appends the encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	var b byte
	u := uint32(v)
	if v < 0 {
		b = 0x40
		u = uint32(^v)
	}
	b |= byte(u & 0x3F)
	u >>= 6
	for u != 0 {
		dst = append(dst, b|0x80)
		b = byte(u & 0x7F)
		u >>= 7
	}
	return append(dst, b)
}

// Unpacker reads fields from a game payload. Once an error occurs every
// subsequent read fails with the same error.
type Unpacker struct {
	data []byte
	pos  int
	err  error
}

// NewUnpacker creates an unpacker over data. The slice is not copied.
func NewUnpacker(data []byte) *Unpacker {
	return &Unpacker{data: data}
}

// Err returns the first decode error, if any.
func (u *Unpacker) Err() error {
	return u.err
}

// Remaining returns the number of unread bytes.
func (u *Unpacker) Remaining() int {
	return len(u.data) - u.pos
}

// GetInt reads one variable-length integer.
func (u *Unpacker) GetInt() (int32, error) {
	if u.err != nil {
		return 0, u.err
	}
	v, n, err := ReadVarInt(u.data[u.pos:])
	if err != nil {
		u.err = err
		return 0, err
	}
	u.pos += n
	return v, nil
}

// GetString reads a varint length and that many bytes, then strips control
// characters and replaces invalid UTF-8.
func (u *Unpacker) GetString() (string, error) {
	n, err := u.GetInt()
	if err != nil {
		return "", err
	}
	if n < 0 {
		u.err = ErrInvalidString
		return "", u.err
	}
	if int(n) > u.Remaining() {
		u.err = ErrTruncated
		return "", u.err
	}
	raw := u.data[u.pos : u.pos+int(n)]
	u.pos += int(n)
	return SanitizeString(raw), nil
}

// ReadVarInt decodes one variable-length integer from the start of b and
// returns the value and the number of bytes consumed.
func ReadVarInt(b []byte) (int32, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	sign := (b[0] >> 6) & 1
	v := uint32(b[0] & 0x3F)
	n := 1
	shift := uint(6)
	for b[n-1]&0x80 != 0 {
		if n == maxVarIntSize {
			return 0, 0, ErrInvalidVarInt
		}
		if n >= len(b) {
			return 0, 0, ErrTruncated
		}
		if n == maxVarIntSize-1 {
			v |= uint32(b[n]&0x0F) << shift
		} else {
			v |= uint32(b[n]&0x7F) << shift
		}
		shift += 7
		n++
	}
	// a set sign bit stores the bitwise complement
	if sign == 1 {
		v = ^v
	}
	return int32(v), n, nil
}

// SanitizeString drops ASCII control characters and replaces invalid UTF-8.
func SanitizeString(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "�")
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, s)
}

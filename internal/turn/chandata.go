package turn

import (
	"errors"
)

// ChannelNumber identifies a bound channel, range [0x4000, 0x7FFE]
// (RFC 5766 §11).
type ChannelNumber uint16

// MinChannelNumber and MaxChannelNumber bound the legal channel range.
const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x7FFE
)

// Valid reports whether n falls inside the legal channel range.
func (n ChannelNumber) Valid() bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

const chandataHeaderSize = 4

// ChannelData implements the ChannelData message (RFC 5766 §11.4): a
// 4-byte header (channel number, data length) followed by the raw
// application data.
//
// On stream transports (TCP, TLS-over-TCP), each ChannelData message
// is additionally padded to a multiple of 4 bytes; on UDP it is not.
// Pad controls which framing Encode/Decode use.
type ChannelData struct {
	Data   []byte
	Number ChannelNumber
	Pad    bool
}

// ErrUnexpectedEOF means buf was too short to contain a full
// ChannelData message.
var ErrUnexpectedEOF = errors.New("turn: unexpected EOF decoding ChannelData")

// IsChannelData reports whether the first two bytes of buf encode a
// channel number in the valid bound-channel range, distinguishing
// ChannelData from a STUN-framed message on the same stream (whose top
// two bits are always 00, per RFC 5389 §6).
func IsChannelData(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	n := ChannelNumber(bin.Uint16(buf[0:2]))
	return n.Valid()
}

// Encode writes c to buf, growing it as needed, and returns the
// updated slice.
func (c *ChannelData) Encode(buf []byte) []byte {
	buf = buf[:0]
	var hdr [chandataHeaderSize]byte
	bin.PutUint16(hdr[0:2], uint16(c.Number))
	bin.PutUint16(hdr[2:4], uint16(len(c.Data)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, c.Data...)
	if c.Pad {
		if n := len(c.Data) % 4; n != 0 {
			var zero [4]byte
			buf = append(buf, zero[:4-n]...)
		}
	}
	return buf
}

// Decode parses a ChannelData message from buf. When c.Pad is true,
// the caller is expected to have already delimited buf to exactly one
// message (the padded length derived from the 4-byte header); Decode
// itself only validates that the declared data length fits.
func (c *ChannelData) Decode(buf []byte) error {
	if len(buf) < chandataHeaderSize {
		return ErrUnexpectedEOF
	}
	c.Number = ChannelNumber(bin.Uint16(buf[0:2]))
	length := int(bin.Uint16(buf[2:4]))
	if chandataHeaderSize+length > len(buf) {
		return ErrUnexpectedEOF
	}
	c.Data = buf[chandataHeaderSize : chandataHeaderSize+length]
	return nil
}

// PaddedLen returns the total on-wire length of c.Data when framed
// with stream padding, including the 4-byte header.
func PaddedLen(dataLen int) int {
	total := chandataHeaderSize + dataLen
	if n := total % 4; n != 0 {
		total += 4 - n
	}
	return total
}

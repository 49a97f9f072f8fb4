// ABOUTME: Binary framing and packet codec for the gateway stream connection.
// ABOUTME: Frame = 0x94 0xC3 magic, big-endian uint16 length, packet body.

package stream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame magic bytes. The first byte doubles as a wakeup for gateways that
// sleep their serial bridge.
const (
	magic1 = 0x94
	magic2 = 0xC3
)

// MaxFrameBody bounds a single frame's body. Larger frames indicate a
// desynchronized stream and force a resync.
const MaxFrameBody = 512

// ErrFrameTooLarge is returned when a frame header announces a body
// larger than MaxFrameBody.
var ErrFrameTooLarge = errors.New("frame exceeds maximum body size")

// ErrBadPacket is returned when a frame body does not decode as a packet.
var ErrBadPacket = errors.New("bad packet body")

// Packet is one unit on the gateway connection. Addresses are the
// radio's numeric node ids; Channel is the radio channel index.
type Packet struct {
	From    uint32
	To      uint32
	Channel uint32
	ID      uint32
	WantAck bool
	Text    string
}

// packet body flags
const flagWantAck = 1 << 0

// packetHeaderLen is the fixed portion of an encoded packet body:
// from(4) + to(4) + channel(4) + id(4) + flags(1).
const packetHeaderLen = 17

// encodeBody renders a packet body (without frame header).
func encodeBody(p Packet) ([]byte, error) {
	if packetHeaderLen+len(p.Text) > MaxFrameBody {
		return nil, fmt.Errorf("%w: text is %d bytes", ErrFrameTooLarge, len(p.Text))
	}
	body := make([]byte, packetHeaderLen+len(p.Text))
	binary.BigEndian.PutUint32(body[0:4], p.From)
	binary.BigEndian.PutUint32(body[4:8], p.To)
	binary.BigEndian.PutUint32(body[8:12], p.Channel)
	binary.BigEndian.PutUint32(body[12:16], p.ID)
	if p.WantAck {
		body[16] |= flagWantAck
	}
	copy(body[packetHeaderLen:], p.Text)
	return body, nil
}

// decodeBody parses a frame body back into a packet.
func decodeBody(body []byte) (Packet, error) {
	if len(body) < packetHeaderLen {
		return Packet{}, fmt.Errorf("%w: body is %d bytes", ErrBadPacket, len(body))
	}
	return Packet{
		From:    binary.BigEndian.Uint32(body[0:4]),
		To:      binary.BigEndian.Uint32(body[4:8]),
		Channel: binary.BigEndian.Uint32(body[8:12]),
		ID:      binary.BigEndian.Uint32(body[12:16]),
		WantAck: body[16]&flagWantAck != 0,
		Text:    string(body[packetHeaderLen:]),
	}, nil
}

// writeFrame writes one framed packet to w.
func writeFrame(w io.Writer, p Packet) error {
	body, err := encodeBody(p)
	if err != nil {
		return err
	}
	hdr := []byte{magic1, magic2, byte(len(body) >> 8), byte(len(body))}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads the next framed packet from r, resynchronizing on the
// magic bytes if the stream contains debug output or garbage between
// frames (the gateway interleaves log lines on the same port).
func readFrame(r *bufio.Reader) (Packet, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		if b != magic1 {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		if b != magic2 {
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Packet{}, err
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n > MaxFrameBody {
			// Desynchronized; drop back to magic scanning.
			continue
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return Packet{}, err
		}

		pkt, err := decodeBody(body)
		if err != nil {
			// Skip undecodable frames rather than killing the stream.
			continue
		}
		return pkt, nil
	}
}

// Package wire implements the framed binary message codec:
// length-prefixed typed messages over a byte stream, with a write-side
// buffer that commits only at frame boundaries.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gelsrv/edgecore/internal/edgeerr"
)

const (
	// SoftFlushThreshold is the soft output-buffer size that triggers
	// an automatic flush between frames.
	SoftFlushThreshold = 100 * 1024

	maxFrameLength = 1 << 28

	headerLen = 5 // 1 byte type + 4 byte big-endian length
)

// Message is one decoded frame: a type tag plus a cursor over its
// payload for the typed field readers.
type Message struct {
	Type    byte
	payload []byte
	pos     int
}

// Remaining returns the number of unread bytes left in the frame.
func (m *Message) Remaining() int { return len(m.payload) - m.pos }

// Payload returns the full, unconsumed-relative payload (for tests).
func (m *Message) Payload() []byte { return m.payload }

func (m *Message) ReadByte() (byte, error) {
	if m.pos >= len(m.payload) {
		return 0, io.ErrUnexpectedEOF
	}
	b := m.payload[m.pos]
	m.pos++
	return b, nil
}

func (m *Message) ReadUint16() (uint16, error) {
	if m.pos+2 > len(m.payload) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(m.payload[m.pos:])
	m.pos += 2
	return v, nil
}

func (m *Message) ReadInt16() (int16, error) {
	v, err := m.ReadUint16()
	return int16(v), err
}

func (m *Message) ReadUint32() (uint32, error) {
	if m.pos+4 > len(m.payload) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(m.payload[m.pos:])
	m.pos += 4
	return v, nil
}

func (m *Message) ReadUint64() (uint64, error) {
	if m.pos+8 > len(m.payload) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(m.payload[m.pos:])
	m.pos += 8
	return v, nil
}

func (m *Message) ReadInt64() (int64, error) {
	v, err := m.ReadUint64()
	return int64(v), err
}

// ReadBytes consumes and returns the next n raw bytes.
func (m *Message) ReadBytes(n int) ([]byte, error) {
	if n < 0 || m.pos+n > len(m.payload) {
		return nil, io.ErrUnexpectedEOF
	}
	b := m.payload[m.pos : m.pos+n]
	m.pos += n
	return b, nil
}

// ReadUUID consumes the next 16 raw bytes as a type id.
func (m *Message) ReadUUID() ([16]byte, error) {
	var id [16]byte
	b, err := m.ReadBytes(16)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// ReadLenString reads a 4-byte big-endian length followed by that many
// bytes of UTF-8 text.
func (m *Message) ReadLenString() (string, error) {
	n, err := m.ReadUint32()
	if err != nil {
		return "", err
	}
	b, err := m.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadLenBytes reads a 4-byte big-endian length followed by that many
// raw bytes.
func (m *Message) ReadLenBytes() ([]byte, error) {
	n, err := m.ReadUint32()
	if err != nil {
		return nil, err
	}
	return m.ReadBytes(int(n))
}

// ReadCString reads a null-terminated string.
func (m *Message) ReadCString() (string, error) {
	idx := -1
	for i := m.pos; i < len(m.payload); i++ {
		if m.payload[i] == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", edgeerr.BinaryProtocolError("unterminated string in frame")
	}
	s := string(m.payload[m.pos:idx])
	m.pos = idx + 1
	return s, nil
}

// ReadRemaining consumes and returns every byte left in the frame.
func (m *Message) ReadRemaining() []byte {
	b := m.payload[m.pos:]
	m.pos = len(m.payload)
	return b
}

// Decoder reads a stream of frames, accumulating partial frames across
// reads and exposing both a non-blocking check and a blocking wait.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 32*1024)}
}

func frameLenFromHeader(hdr []byte) (int, error) {
	frameLen := int(binary.BigEndian.Uint32(hdr[1:5]))
	if frameLen < 4 || frameLen > maxFrameLength {
		return 0, edgeerr.BinaryProtocolError(fmt.Sprintf("invalid frame length %d", frameLen))
	}
	return frameLen, nil
}

// TakeMessage returns a decoded frame if one is already fully buffered.
// It never reads from the underlying connection, so it cannot block.
func (d *Decoder) TakeMessage() (*Message, bool, error) {
	if d.r.Buffered() < headerLen {
		return nil, false, nil
	}
	hdr, err := d.r.Peek(headerLen)
	if err != nil {
		return nil, false, nil
	}
	frameLen, err := frameLenFromHeader(hdr)
	if err != nil {
		return nil, false, err
	}
	total := 1 + frameLen
	if d.r.Buffered() < total {
		return nil, false, nil
	}
	msg, err := d.consume(total)
	return msg, err == nil, err
}

// WaitForMessage blocks until a complete frame is available or the
// connection closes, in which case it returns edgeerr.ErrConnectionAborted.
func (d *Decoder) WaitForMessage() (*Message, error) {
	hdr, err := d.r.Peek(headerLen)
	if err != nil {
		return nil, edgeerr.ErrConnectionAborted
	}
	frameLen, err := frameLenFromHeader(hdr)
	if err != nil {
		return nil, err
	}
	return d.consume(1 + frameLen)
}

func (d *Decoder) consume(total int) (*Message, error) {
	buf := make([]byte, total)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, edgeerr.ErrConnectionAborted
	}
	return &Message{Type: buf[0], payload: buf[headerLen:]}, nil
}

// PeekType reports the type byte of the next fully-buffered frame
// without consuming it, used by the common execute path to detect a
// trailing Sync already pipelined by the client.
func (d *Decoder) PeekType() (byte, bool) {
	if d.r.Buffered() < headerLen {
		return 0, false
	}
	hdr, err := d.r.Peek(headerLen)
	if err != nil {
		return 0, false
	}
	frameLen, err := frameLenFromHeader(hdr)
	if err != nil {
		return 0, false
	}
	if d.r.Buffered() < 1+frameLen {
		return 0, false
	}
	return hdr[0], true
}

// DiscardUntil consumes and drops frames (without interpreting them)
// until one of type `stopAt` is found, returning that frame. Used by
// the error-recovery path to discard frames until Sync.
func (d *Decoder) DiscardUntil(stopAt byte) (*Message, error) {
	for {
		msg, err := d.WaitForMessage()
		if err != nil {
			return nil, err
		}
		if msg.Type == stopAt {
			return msg, nil
		}
	}
}

// Encoder accumulates outgoing frames and flushes them as a single
// transport write, never emitting a partial frame.
type Encoder struct {
	w   io.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame appends one complete frame to the outgoing buffer,
// auto-flushing once the soft threshold is crossed.
func (e *Encoder) WriteFrame(typ byte, payload []byte) error {
	var hdr [headerLen]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)+4))
	e.buf = append(e.buf, hdr[:]...)
	e.buf = append(e.buf, payload...)
	if len(e.buf) >= SoftFlushThreshold {
		return e.Flush()
	}
	return nil
}

// Flush writes the accumulated buffer as a single transport write.
func (e *Encoder) Flush() error {
	if len(e.buf) == 0 {
		return nil
	}
	_, err := e.w.Write(e.buf)
	e.buf = e.buf[:0]
	return err
}

// Pending reports the number of buffered-but-unflushed bytes (tests).
func (e *Encoder) Pending() int { return len(e.buf) }

// Builder assembles a frame payload from typed fields, mirroring
// Message's readers.
type Builder struct {
	buf []byte
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Byte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *Builder) Uint16(v uint16) *Builder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *Builder) Int16(v int16) *Builder {
	return b.Uint16(uint16(v))
}

func (b *Builder) Uint32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *Builder) Bytes(v []byte) *Builder {
	b.buf = append(b.buf, v...)
	return b
}

func (b *Builder) UUID(v [16]byte) *Builder {
	return b.Bytes(v[:])
}

func (b *Builder) Uint64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *Builder) Int64(v int64) *Builder { return b.Uint64(uint64(v)) }

func (b *Builder) LenString(s string) *Builder {
	b.Uint32(uint32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

func (b *Builder) LenBytes(v []byte) *Builder {
	b.Uint32(uint32(len(v)))
	b.buf = append(b.buf, v...)
	return b
}

func (b *Builder) CString(s string) *Builder {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	return b
}

func (b *Builder) Build() []byte { return b.buf }

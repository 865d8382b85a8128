package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
)

// Wire layout of one event-stream message:
//
//	[total_len u32 BE][headers_len u32 BE][prelude_crc u32 BE]
//	[headers][payload][message_crc u32 BE]
const (
	preludeLen  = 12
	trailerLen  = 4
	MaxMessage  = 16 * 1024 * 1024 // 16 MB
	maxNameLen  = math.MaxUint8
	maxValueLen = math.MaxUint16
)

// ErrChecksum is returned when a prelude or message CRC does not match.
var ErrChecksum = errors.New("event-stream checksum mismatch")

// Message is the raw wire unit: headers and payload. Frames travel as
// messages whose reserved headers carry kind, flags and stream id.
type Message struct {
	Headers []Header
	Payload []byte
}

// ReadMessage reads a single message from the reader.
// Returns (nil, nil) on clean EOF during the prelude read.
func ReadMessage(r io.Reader) (*Message, error) {
	var prelude [preludeLen]byte
	if _, err := io.ReadFull(r, prelude[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, fmt.Errorf("reading message prelude: %w", err)
	}

	total := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	if crc32.ChecksumIEEE(prelude[:8]) != binary.BigEndian.Uint32(prelude[8:12]) {
		return nil, fmt.Errorf("prelude: %w", ErrChecksum)
	}
	if total > MaxMessage {
		return nil, fmt.Errorf("message too large: %d bytes", total)
	}
	if total < preludeLen+trailerLen || headersLen > total-preludeLen-trailerLen {
		return nil, fmt.Errorf("malformed message lengths: total %d, headers %d", total, headersLen)
	}

	buf := make([]byte, total)
	copy(buf, prelude[:])
	if _, err := io.ReadFull(r, buf[preludeLen:]); err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}
	return parse(buf, headersLen)
}

// UnmarshalMessage decodes exactly one message from b.
func UnmarshalMessage(b []byte) (*Message, error) {
	m, err := ReadMessage(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return m, nil
}

func parse(buf []byte, headersLen uint32) (*Message, error) {
	end := len(buf) - trailerLen
	if crc32.ChecksumIEEE(buf[:end]) != binary.BigEndian.Uint32(buf[end:]) {
		return nil, fmt.Errorf("message: %w", ErrChecksum)
	}

	hdrs, err := decodeHeaders(buf[preludeLen : preludeLen+int(headersLen)])
	if err != nil {
		return nil, err
	}
	m := &Message{Headers: hdrs}
	if payload := buf[preludeLen+int(headersLen) : end]; len(payload) > 0 {
		m.Payload = payload
	}
	return m, nil
}

// WriteMessage writes a single message to the writer.
func WriteMessage(w io.Writer, m *Message) error {
	b, err := MarshalMessage(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// MarshalMessage encodes m into its wire form.
func MarshalMessage(m *Message) ([]byte, error) {
	var hdrs bytes.Buffer
	for _, h := range m.Headers {
		if err := encodeHeader(&hdrs, h); err != nil {
			return nil, err
		}
	}

	total := preludeLen + hdrs.Len() + len(m.Payload) + trailerLen
	if total > MaxMessage {
		return nil, fmt.Errorf("message too large: %d bytes", total)
	}

	buf := make([]byte, preludeLen, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(hdrs.Len()))
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[:8]))
	buf = append(buf, hdrs.Bytes()...)
	buf = append(buf, m.Payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

func encodeHeader(buf *bytes.Buffer, h Header) error {
	if len(h.Name) == 0 || len(h.Name) > maxNameLen {
		return fmt.Errorf("header name %q: invalid length %d", h.Name, len(h.Name))
	}
	buf.WriteByte(byte(len(h.Name)))
	buf.WriteString(h.Name)
	buf.WriteByte(byte(h.Type))

	bad := func() error {
		return fmt.Errorf("header %q: value %T does not match type %d", h.Name, h.Value, h.Type)
	}
	switch h.Type {
	case HeaderBoolTrue, HeaderBoolFalse:
		if _, ok := h.Value.(bool); !ok {
			return bad()
		}
	case HeaderByte:
		v, ok := h.Value.(int8)
		if !ok {
			return bad()
		}
		buf.WriteByte(byte(v))
	case HeaderInt16:
		v, ok := h.Value.(int16)
		if !ok {
			return bad()
		}
		buf.Write(binary.BigEndian.AppendUint16(nil, uint16(v)))
	case HeaderInt32:
		v, ok := h.Value.(int32)
		if !ok {
			return bad()
		}
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
	case HeaderInt64:
		v, ok := h.Value.(int64)
		if !ok {
			return bad()
		}
		buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
	case HeaderBytes, HeaderString:
		var data []byte
		switch v := h.Value.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		default:
			return bad()
		}
		if len(data) > maxValueLen {
			return fmt.Errorf("header %q: value too long (%d bytes)", h.Name, len(data))
		}
		buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(data))))
		buf.Write(data)
	case HeaderTimestamp:
		v, ok := h.Value.(time.Time)
		if !ok {
			return bad()
		}
		buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v.UnixMilli())))
	case HeaderUUID:
		v, ok := h.Value.(uuid.UUID)
		if !ok {
			return bad()
		}
		buf.Write(v[:])
	default:
		return fmt.Errorf("header %q: unknown type %d", h.Name, h.Type)
	}
	return nil
}

func decodeHeaders(b []byte) ([]Header, error) {
	var out []Header
	for len(b) > 0 {
		nameLen := int(b[0])
		if nameLen == 0 || len(b) < 1+nameLen+1 {
			return nil, fmt.Errorf("truncated header name")
		}
		name := string(b[1 : 1+nameLen])
		typ := HeaderType(b[1+nameLen])
		b = b[2+nameLen:]

		need := func(n int) error {
			if len(b) < n {
				return fmt.Errorf("header %q: truncated value", name)
			}
			return nil
		}
		h := Header{Name: name, Type: typ}
		switch typ {
		case HeaderBoolTrue:
			h.Value = true
		case HeaderBoolFalse:
			h.Value = false
		case HeaderByte:
			if err := need(1); err != nil {
				return nil, err
			}
			h.Value = int8(b[0])
			b = b[1:]
		case HeaderInt16:
			if err := need(2); err != nil {
				return nil, err
			}
			h.Value = int16(binary.BigEndian.Uint16(b))
			b = b[2:]
		case HeaderInt32:
			if err := need(4); err != nil {
				return nil, err
			}
			h.Value = int32(binary.BigEndian.Uint32(b))
			b = b[4:]
		case HeaderInt64:
			if err := need(8); err != nil {
				return nil, err
			}
			h.Value = int64(binary.BigEndian.Uint64(b))
			b = b[8:]
		case HeaderBytes, HeaderString:
			if err := need(2); err != nil {
				return nil, err
			}
			n := int(binary.BigEndian.Uint16(b))
			b = b[2:]
			if err := need(n); err != nil {
				return nil, err
			}
			if typ == HeaderString {
				h.Value = string(b[:n])
			} else {
				h.Value = append([]byte(nil), b[:n]...)
			}
			b = b[n:]
		case HeaderTimestamp:
			if err := need(8); err != nil {
				return nil, err
			}
			h.Value = time.UnixMilli(int64(binary.BigEndian.Uint64(b))).UTC()
			b = b[8:]
		case HeaderUUID:
			if err := need(16); err != nil {
				return nil, err
			}
			var id uuid.UUID
			copy(id[:], b[:16])
			h.Value = id
			b = b[16:]
		default:
			return nil, fmt.Errorf("header %q: unknown type %d", name, typ)
		}
		out = append(out, h)
	}
	return out, nil
}

// EncodeFrame wraps a frame into a wire message for the given stream.
func EncodeFrame(streamID int32, f Frame) *Message {
	hdrs := make([]Header, 0, len(f.Headers)+3)
	hdrs = append(hdrs,
		Int32Header(HeaderMessageType, int32(f.Kind)),
		Int32Header(HeaderMessageFlags, int32(f.Flags)),
		Int32Header(HeaderStreamID, streamID),
	)
	hdrs = append(hdrs, f.Headers...)
	return &Message{Headers: hdrs, Payload: f.Payload}
}

// DecodeFrame splits a wire message into its stream id and frame. The
// kind, flags and stream id headers are consumed; other headers, reserved or
// not, stay on the frame.
func DecodeFrame(m *Message) (int32, Frame, error) {
	var (
		f        Frame
		streamID int32
		haveKind bool
	)
	for _, h := range m.Headers {
		switch h.Name {
		case HeaderMessageType, HeaderMessageFlags, HeaderStreamID:
			v, ok := h.Value.(int32)
			if !ok || h.Type != HeaderInt32 {
				return 0, Frame{}, fmt.Errorf("header %q must be int32", h.Name)
			}
			switch h.Name {
			case HeaderMessageType:
				f.Kind, haveKind = MessageKind(v), true
			case HeaderMessageFlags:
				f.Flags = Flags(v)
			default:
				streamID = v
			}
		default:
			f.Headers = append(f.Headers, h)
		}
	}
	if !haveKind {
		return 0, Frame{}, fmt.Errorf("missing %s header", HeaderMessageType)
	}
	f.Payload = m.Payload
	return streamID, f, nil
}

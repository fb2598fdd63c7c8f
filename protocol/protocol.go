// Package protocol implements the binary frame protocol spoken between requesters
// and responders.
//
// It solves TCP's sticky packet problem by using a fixed-size 14-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ft│ streamID│ bodyLen │    body ...    │
//	│ rsk  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// ct names the codec used for request metadata; the payload codec travels inside
// that metadata as MIME_TYPE.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"socket-rpc/message"
)

// Magic number bytes: "rsk" (reactive socket).
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x72 // 'r'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x6b // 'k'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (streamID) + 4 (bodyLen)

	// MaxBodySize bounds a single frame body so a corrupt length cannot trigger a huge allocation.
	MaxBodySize = 16 << 20
)

// FrameType distinguishes requests, replies, flow control and keep-alive frames.
type FrameType byte

const (
	FrameRequestResponse FrameType = 0x01 // Requester → Responder, expects one Payload or Error
	FrameFireAndForget   FrameType = 0x02 // Requester → Responder, no reply
	FrameRequestStream   FrameType = 0x03 // Requester → Responder, expects Payload* then Complete or Error
	FrameRequestN        FrameType = 0x04 // Requester → Responder, grants n more stream items
	FrameCancel          FrameType = 0x05 // Requester → Responder, abandons a stream or pending call
	FramePayload         FrameType = 0x06 // Responder → Requester, reply or stream item
	FrameComplete        FrameType = 0x07 // Responder → Requester, end of stream
	FrameError           FrameType = 0x08 // Responder → Requester, body is the error message
	FrameHeartbeat       FrameType = 0x09 // KeepAlive probe (no body)
)

func (t FrameType) valid() bool {
	return t >= FrameRequestResponse && t <= FrameHeartbeat
}

// FrameTypeFor returns the request frame that opens a call of the given style.
func FrameTypeFor(style message.InteractionStyle) (FrameType, error) {
	switch style {
	case message.RequestResponse:
		return FrameRequestResponse, nil
	case message.FireAndForget:
		return FrameFireAndForget, nil
	case message.RequestStream:
		return FrameRequestStream, nil
	}
	return 0, fmt.Errorf("no request frame for %s", style)
}

// Style is the inverse of FrameTypeFor. ok is false for non-request frames.
func (t FrameType) Style() (style message.InteractionStyle, ok bool) {
	switch t {
	case FrameRequestResponse:
		return message.RequestResponse, true
	case FrameFireAndForget:
		return message.FireAndForget, true
	case FrameRequestStream:
		return message.RequestStream, true
	}
	return 0, false
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecTypeForm   byte = 2
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte      // Metadata serialization format: 0=JSON, 1=Binary, 2=Form
	FrameType FrameType // Request, reply, flow control or heartbeat
	StreamID  uint32    // The key to multiplexing (matches request ↔ replies)
	BodyLen   uint32    // Body length in bytes, delimits frames on the stream
}

var ErrShortBody = errors.New("protocol: body too short")

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different streams will interleave and corrupt the connection.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], h.StreamID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	// One write per frame: fewer syscalls, and a half-written header never precedes a failed body write.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, and frame type.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] > CodecTypeForm {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	frameType := FrameType(headerBuf[5])
	if !frameType.valid() {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", headerBuf[5])
	}

	streamID := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("frame body too large: %d", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		StreamID:  streamID,
		BodyLen:   bodyLen,
	}, body, nil
}

// EncodePayload lays out a payload-bearing body: metadataLen uint32 | metadata | data.
func EncodePayload(p message.Payload) []byte {
	body := make([]byte, 4, 4+len(p.Metadata)+len(p.Data))
	binary.BigEndian.PutUint32(body[0:4], uint32(len(p.Metadata)))
	body = append(body, p.Metadata...)
	return append(body, p.Data...)
}

// DecodePayload is the inverse of EncodePayload. The returned slices alias body.
func DecodePayload(body []byte) (message.Payload, error) {
	if len(body) < 4 {
		return message.Payload{}, ErrShortBody
	}
	metaLen := binary.BigEndian.Uint32(body[0:4])
	if uint64(metaLen) > uint64(len(body)-4) {
		return message.Payload{}, fmt.Errorf("metadata length %d exceeds body: %w", metaLen, ErrShortBody)
	}
	p := message.Payload{Data: body[4+metaLen:]}
	if metaLen > 0 {
		p.Metadata = body[4 : 4+metaLen]
	}
	return p, nil
}

// EncodeRequestN builds the body of a RequestN frame.
func EncodeRequestN(n uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, n)
}

func DecodeRequestN(body []byte) (uint32, error) {
	if len(body) != 4 {
		return 0, ErrShortBody
	}
	return binary.BigEndian.Uint32(body), nil
}

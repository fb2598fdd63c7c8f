// Package transport implements the requester side of a connection with multiplexing,
// stream flow control and heartbeat.
//
// ClientTransport enables many concurrent calls over a single TCP connection.
// Each call gets a unique stream ID, and a background goroutine (recvLoop)
// continuously reads frames and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──RequestResponse(id=1)──┐
//	goroutine-2 ──RequestStream(id=2)────┼──→ single TCP conn ──→ Responder
//	goroutine-3 ──FireAndForget(id=3)────┘
//
//	recvLoop:  ←── Payload(id=2) → pending[2] chan ← item → goroutine-2 pulls it
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"socket-rpc/codec"
	"socket-rpc/message"
	"socket-rpc/protocol"
	"socket-rpc/socket"
)

var (
	ErrTransportClosed = errors.New("transport: closed")
	ErrStreamOverflow  = errors.New("transport: responder sent more items than requested")
)

var (
	_ socket.Socket                = (*ClientTransport)(nil)
	_ socket.MetadataCodecReporter = (*ClientTransport)(nil)
)

// frame is what recvLoop hands to a waiting caller.
// err is io.EOF for Complete, *message.RemoteError for Error, or the connection failure.
type frame struct {
	payload message.Payload
	err     error
}

type pendingCall struct {
	ch     chan frame
	stream bool

	// failed is closed once err is set. It reaches the caller even when ch is full.
	failed   chan struct{}
	err      error
	failOnce sync.Once
}

func newPendingCall(size uint32, stream bool) *pendingCall {
	return &pendingCall{
		ch:     make(chan frame, size),
		stream: stream,
		failed: make(chan struct{}),
	}
}

func (c *pendingCall) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.failed)
	})
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType // Metadata serialization format stamped on request frames
	seq     uint32          // Last issued stream ID (protected by sending mutex)
	pending sync.Map        // map[uint32]*pendingCall; each call waits on its own channel
	sending sync.Mutex      // Write lock: frames from different calls must not interleave
	failed  error           // Set once the connection is unusable (protected by sending mutex)
	window  uint32

	done      chan struct{}
	closeOnce sync.Once

	log *zap.Logger
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: continuously reads frames from the connection and dispatches to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	o := applyOptions(opts...)
	t := &ClientTransport{
		conn:   conn,
		codec:  o.codecType,
		window: o.streamWindow,
		done:   make(chan struct{}),
		log:    o.log.Named("transport").With(zap.Stringer("remote", conn.RemoteAddr())),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	t.log.Debug("transport created")
	return t
}

// Dial connects to a responder and wraps the connection in a ClientTransport.
func Dial(ctx context.Context, network, address string, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewClientTransport(conn, opts...), nil
}

// RequestResponse sends p and waits for the single reply.
// If ctx ends first the call is abandoned and the responder is told to cancel it.
func (t *ClientTransport) RequestResponse(ctx context.Context, p message.Payload) (message.Payload, error) {
	id, call, err := t.open(protocol.FrameRequestResponse, p, false)
	if err != nil {
		return message.Payload{}, err
	}

	select {
	case f := <-call.ch:
		return f.payload, f.err
	case <-call.failed:
		return message.Payload{}, call.err
	case <-ctx.Done():
		t.cancel(id)
		return message.Payload{}, ctx.Err()
	}
}

// FireAndForget writes p and returns; no reply is expected.
func (t *ClientTransport) FireAndForget(ctx context.Context, p message.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	if t.failed != nil {
		return t.failed
	}
	t.seq++
	return t.write(protocol.FrameFireAndForget, t.seq, protocol.EncodePayload(p))
}

// RequestStream sends p together with the initial demand and returns the item stream.
func (t *ClientTransport) RequestStream(ctx context.Context, p message.Payload) (socket.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, call, err := t.open(protocol.FrameRequestStream, p, true)
	if err != nil {
		return nil, err
	}
	return newStream(t, id, call, t.window), nil
}

// open registers a pending call and writes its request frame.
//
// Registration happens under the same lock that failAllPending takes, so a call is
// either registered before the connection fails (and gets notified) or sees t.failed.
func (t *ClientTransport) open(ft protocol.FrameType, p message.Payload, stream bool) (uint32, *pendingCall, error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.failed != nil {
		return 0, nil, t.failed
	}

	t.seq++
	id := t.seq

	size := uint32(1)
	if stream {
		// window items plus one terminal frame: recvLoop never blocks on a slow consumer
		size = t.window + 1
	}
	call := newPendingCall(size, stream)
	// Register BEFORE sending (avoid race with recvLoop)
	t.pending.Store(id, call)

	if err := t.write(ft, id, protocol.EncodePayload(p)); err != nil {
		t.pending.Delete(id)
		return 0, nil, err
	}
	if stream {
		if err := t.write(protocol.FrameRequestN, id, protocol.EncodeRequestN(t.window)); err != nil {
			t.pending.Delete(id)
			return 0, nil, err
		}
	}
	return id, call, nil
}

// write sends one frame. The caller must hold t.sending.
func (t *ClientTransport) write(ft protocol.FrameType, id uint32, body []byte) error {
	header := protocol.Header{
		CodecType: byte(t.codec),
		FrameType: ft,
		StreamID:  id,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *ClientTransport) requestN(id, n uint32) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	if t.failed != nil {
		return t.failed
	}
	return t.write(protocol.FrameRequestN, id, protocol.EncodeRequestN(n))
}

// cancel forgets a pending call and tells the responder to stop working on it.
// It is a no-op when the call already finished.
func (t *ClientTransport) cancel(id uint32) error {
	if _, ok := t.pending.LoadAndDelete(id); !ok {
		return nil
	}
	return t.sendCancel(id)
}

func (t *ClientTransport) sendCancel(id uint32) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	if t.failed != nil {
		return nil
	}
	return t.write(protocol.FrameCancel, id, nil)
}

// recvLoop runs in a dedicated goroutine, continuously reading frames from the connection.
// TCP is a byte stream, so reads must be sequential to correctly parse frame boundaries.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			select {
			case <-t.done:
				err = ErrTransportClosed
			default:
				t.log.Warn("connection broken", zap.Error(err))
				// io.EOF would read as a completed stream.
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				err = fmt.Errorf("transport: connection lost: %w", err)
			}
			t.failAllPending(err)
			return
		}

		value, ok := t.pending.Load(header.StreamID)
		if !ok {
			// Late reply to a cancelled call.
			continue
		}
		call := value.(*pendingCall)

		var f frame
		terminal := true
		switch header.FrameType {
		case protocol.FramePayload:
			f.payload, f.err = protocol.DecodePayload(body)
			terminal = !call.stream || f.err != nil
		case protocol.FrameComplete:
			f.err = io.EOF
		case protocol.FrameError:
			f.err = &message.RemoteError{Message: string(body)}
		default:
			t.log.Debug("unexpected frame", zap.Uint8("type", uint8(header.FrameType)), zap.Uint32("stream", header.StreamID))
			continue
		}

		if terminal {
			t.pending.Delete(header.StreamID)
		}
		select {
		case call.ch <- f:
		default:
			// The responder sent more than was requested.
			t.log.Warn("stream overflow, dropping call", zap.Uint32("stream", header.StreamID))
			t.pending.Delete(header.StreamID)
			call.fail(ErrStreamOverflow)
			if err := t.sendCancel(header.StreamID); err != nil {
				t.log.Debug("cancel failed", zap.Uint32("stream", header.StreamID), zap.Error(err))
			}
		}
	}
}

// failAllPending is called when the connection breaks. It sends an error to every
// pending caller so they don't block forever waiting for a reply.
func (t *ClientTransport) failAllPending(err error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.failed == nil {
		t.failed = err
	}
	t.pending.Range(func(key, value any) bool {
		call := value.(*pendingCall)
		// Queue behind buffered items when there is room, so they are still delivered first.
		select {
		case call.ch <- frame{err: err}:
		default:
			call.fail(err)
		}
		t.pending.Delete(key)
		return true
	})
}

// MetadataCodecType is the codec named in the header of every request frame.
func (t *ClientTransport) MetadataCodecType() codec.CodecType {
	return t.codec
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close cancels every open stream, closes the connection and stops the background goroutines.
// Pending calls fail with ErrTransportClosed.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.sending.Lock()
		if t.failed == nil {
			t.pending.Range(func(key, value any) bool {
				if value.(*pendingCall).stream {
					err = multierr.Append(err, t.write(protocol.FrameCancel, key.(uint32), nil))
				}
				return true
			})
			t.failed = ErrTransportClosed
		}
		t.sending.Unlock()

		err = multierr.Append(err, t.conn.Close())
		t.log.Debug("transport closed")
	})
	return err
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive.
// Heartbeat frames have no body, so they're very lightweight.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		t.sending.Lock()
		err := t.failed
		if err == nil {
			err = t.write(protocol.FrameHeartbeat, 0, nil)
		}
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"socket-rpc/codec"
	"socket-rpc/message"
	"socket-rpc/protocol"
)

type rawFrame struct {
	header *protocol.Header
	body   []byte
}

// peer plays the responder side of a net.Pipe.
type peer struct {
	conn   net.Conn
	frames chan rawFrame
	mu     sync.Mutex
}

func newPipe(t *testing.T, opts ...Option) (*ClientTransport, *peer) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	opts = append([]Option{WithHeartbeat(0), WithLogger(zaptest.NewLogger(t))}, opts...)
	ct := NewClientTransport(clientConn, opts...)

	p := &peer{conn: serverConn, frames: make(chan rawFrame, 64)}
	go func() {
		defer close(p.frames)
		for {
			h, body, err := protocol.Decode(serverConn)
			if err != nil {
				return
			}
			p.frames <- rawFrame{h, body}
		}
	}()

	t.Cleanup(func() {
		ct.Close()
		serverConn.Close()
	})
	return ct, p
}

func (p *peer) next(t *testing.T) rawFrame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(t, ok, "connection closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return rawFrame{}
}

func (p *peer) send(t *testing.T, ft protocol.FrameType, id uint32, body []byte) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(t, protocol.Encode(p.conn, &protocol.Header{FrameType: ft, StreamID: id}, body))
}

func (p *peer) reply(t *testing.T, id uint32, data string) {
	t.Helper()
	p.send(t, protocol.FramePayload, id, protocol.EncodePayload(message.Payload{Data: []byte(data)}))
}

func TestRequestResponse(t *testing.T) {
	ct, p := newPipe(t, WithCodecType(codec.CodecTypeBinary))

	type result struct {
		p   message.Payload
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := ct.RequestResponse(context.Background(), message.Payload{
			Metadata: []byte("meta"),
			Data:     []byte("ping"),
		})
		done <- result{resp, err}
	}()

	f := p.next(t)
	assert.Equal(t, protocol.FrameRequestResponse, f.header.FrameType)
	assert.Equal(t, protocol.CodecTypeBinary, f.header.CodecType)
	req, err := protocol.DecodePayload(f.body)
	require.NoError(t, err)
	assert.Equal(t, "meta", string(req.Metadata))
	assert.Equal(t, "ping", string(req.Data))

	p.reply(t, f.header.StreamID, "pong")

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "pong", string(r.p.Data))
}

func TestRequestResponseRemoteError(t *testing.T) {
	ct, p := newPipe(t)

	done := make(chan error, 1)
	go func() {
		_, err := ct.RequestResponse(context.Background(), message.Payload{Data: []byte("x")})
		done <- err
	}()

	f := p.next(t)
	p.send(t, protocol.FrameError, f.header.StreamID, []byte("no route"))

	err := <-done
	var remote *message.RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "no route", remote.Message)
}

// Replies arrive in reverse order; each caller must still get its own.
func TestRequestResponseMultiplexed(t *testing.T) {
	ct, p := newPipe(t)

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := ct.RequestResponse(context.Background(), message.Payload{Data: []byte{byte(i)}})
			errs[i] = err
			results[i] = string(resp.Data)
		}(i)
	}

	frames := make([]rawFrame, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, p.next(t))
	}
	for i := len(frames) - 1; i >= 0; i-- {
		req, err := protocol.DecodePayload(frames[i].body)
		require.NoError(t, err)
		p.reply(t, frames[i].header.StreamID, "r"+string(rune('a'+req.Data[0])))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "r"+string(rune('a'+i)), results[i])
	}
}

func TestRequestResponseContextCancel(t *testing.T) {
	ct, p := newPipe(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ct.RequestResponse(ctx, message.Payload{Data: []byte("slow")})
		done <- err
	}()

	req := p.next(t)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	f := p.next(t)
	assert.Equal(t, protocol.FrameCancel, f.header.FrameType)
	assert.Equal(t, req.header.StreamID, f.header.StreamID)

	// A late reply is dropped without disturbing later calls.
	p.reply(t, req.header.StreamID, "late")

	type result struct {
		p   message.Payload
		err error
	}
	fresh := make(chan result, 1)
	go func() {
		resp, err := ct.RequestResponse(context.Background(), message.Payload{})
		fresh <- result{resp, err}
	}()
	f = p.next(t)
	p.reply(t, f.header.StreamID, "fresh")

	r := <-fresh
	require.NoError(t, r.err)
	assert.Equal(t, "fresh", string(r.p.Data))
}

func TestFireAndForget(t *testing.T) {
	ct, p := newPipe(t)

	require.NoError(t, ct.FireAndForget(context.Background(), message.Payload{Data: []byte("log me")}))

	f := p.next(t)
	assert.Equal(t, protocol.FrameFireAndForget, f.header.FrameType)
	req, err := protocol.DecodePayload(f.body)
	require.NoError(t, err)
	assert.Equal(t, "log me", string(req.Data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ct.FireAndForget(ctx, message.Payload{}), context.Canceled)
}

func TestRequestStreamFlowControl(t *testing.T) {
	ct, p := newPipe(t, WithStreamWindow(4))
	ctx := context.Background()

	s, err := ct.RequestStream(ctx, message.Payload{Data: []byte("count")})
	require.NoError(t, err)

	open := p.next(t)
	require.Equal(t, protocol.FrameRequestStream, open.header.FrameType)
	id := open.header.StreamID

	demand := p.next(t)
	require.Equal(t, protocol.FrameRequestN, demand.header.FrameType)
	n, err := protocol.DecodeRequestN(demand.body)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	for i := 0; i < 4; i++ {
		p.reply(t, id, string(rune('0'+i)))
	}

	for i := 0; i < 2; i++ {
		item, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, string(rune('0'+i)), string(item.Data))
	}

	refill := p.next(t)
	require.Equal(t, protocol.FrameRequestN, refill.header.FrameType)
	n, err = protocol.DecodeRequestN(refill.body)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	p.reply(t, id, "4")
	p.reply(t, id, "5")
	p.send(t, protocol.FrameComplete, id, nil)

	for i := 2; i < 6; i++ {
		item, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, string(rune('0'+i)), string(item.Data))
	}
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF, "terminal state is sticky")
	assert.NoError(t, s.Close())
}

func TestRequestStreamClose(t *testing.T) {
	ct, p := newPipe(t)

	s, err := ct.RequestStream(context.Background(), message.Payload{})
	require.NoError(t, err)
	open := p.next(t)
	p.next(t) // initial RequestN

	require.NoError(t, s.Close())
	f := p.next(t)
	assert.Equal(t, protocol.FrameCancel, f.header.FrameType)
	assert.Equal(t, open.header.StreamID, f.header.StreamID)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestRequestStreamRemoteError(t *testing.T) {
	ct, p := newPipe(t)

	s, err := ct.RequestStream(context.Background(), message.Payload{})
	require.NoError(t, err)
	open := p.next(t)
	p.next(t)

	p.reply(t, open.header.StreamID, "first")
	p.send(t, protocol.FrameError, open.header.StreamID, []byte("exploded"))

	item, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", string(item.Data))

	_, err = s.Next(context.Background())
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "exploded", remote.Message)
}

func TestRequestStreamOverflow(t *testing.T) {
	ct, p := newPipe(t, WithStreamWindow(2))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := ct.RequestStream(ctx, message.Payload{})
	require.NoError(t, err)
	id := p.next(t).header.StreamID
	p.next(t) // initial RequestN

	// Demand was 2; the buffer holds 3 and the fourth item overflows it.
	for i := 0; i < 4; i++ {
		p.reply(t, id, "x")
	}
	p.send(t, protocol.FrameComplete, id, nil)

	f := p.next(t)
	assert.Equal(t, protocol.FrameCancel, f.header.FrameType)
	assert.Equal(t, id, f.header.StreamID)

	for i := 0; i < 3; i++ {
		item, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "x", string(item.Data))
	}
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamOverflow)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamOverflow, "terminal state is sticky")
}

func TestBrokenConnectionFailsFullStream(t *testing.T) {
	ct, p := newPipe(t, WithStreamWindow(2))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := ct.RequestStream(ctx, message.Payload{})
	require.NoError(t, err)
	id := p.next(t).header.StreamID
	p.next(t)

	for i := 0; i < 3; i++ {
		p.reply(t, id, "x")
	}
	p.conn.Close()

	for i := 0; i < 3; i++ {
		_, err := s.Next(ctx)
		require.NoError(t, err)
	}
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCloseRefusesNewCalls(t *testing.T) {
	ct, _ := newPipe(t)
	require.NoError(t, ct.Close())

	_, err := ct.RequestStream(context.Background(), message.Payload{})
	assert.ErrorIs(t, err, ErrTransportClosed)
	_, err = ct.RequestResponse(context.Background(), message.Payload{})
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, ct.FireAndForget(context.Background(), message.Payload{}), ErrTransportClosed)
}

func TestCloseFailsPending(t *testing.T) {
	ct, p := newPipe(t)

	done := make(chan error, 1)
	go func() {
		_, err := ct.RequestResponse(context.Background(), message.Payload{})
		done <- err
	}()
	p.next(t)

	require.NoError(t, ct.Close())
	assert.ErrorIs(t, <-done, ErrTransportClosed)

	_, err := ct.RequestResponse(context.Background(), message.Payload{})
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.NoError(t, ct.Close(), "Close is idempotent")
}

func TestBrokenConnectionFailsPending(t *testing.T) {
	ct, p := newPipe(t)

	done := make(chan error, 1)
	go func() {
		_, err := ct.RequestResponse(context.Background(), message.Payload{})
		done <- err
	}()
	p.next(t)

	p.conn.Close()
	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, io.EOF, "a broken connection must not look like a completed stream")

	err = ct.FireAndForget(context.Background(), message.Payload{})
	assert.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	ct, p := newPipe(t, WithHeartbeat(10*time.Millisecond))
	_ = ct

	f := p.next(t)
	assert.Equal(t, protocol.FrameHeartbeat, f.header.FrameType)
	assert.Empty(t, f.body)
}

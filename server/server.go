// Package server implements the responder: it accepts connections, routes each
// request by its PATH metadata, and answers in the interaction style the request
// frame asked for.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → metadata decode → Middleware Chain → businessHandler (reflect.Call) → write reply / stream items
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"socket-rpc/codec"
	"socket-rpc/message"
	"socket-rpc/middleware"
	"socket-rpc/protocol"
)

var errStreamEnded = errors.New("stream already ended")

// Server routes requests to registered handlers.
type Server struct {
	mu       sync.RWMutex
	routes   map[string]*methodType // "/Arith/Add" → handler
	listener net.Listener
	conns    map[*serverConn]struct{}

	wg          sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	connWG      sync.WaitGroup          // Tracks connection read loops
	shutdown    atomic.Bool             // Set to true during shutdown to suppress Accept errors
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))

	log *zap.Logger
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// NewServer creates a server with no routes.
func NewServer(opts ...Option) *Server {
	s := &Server{
		routes: make(map[string]*methodType),
		conns:  make(map[*serverConn]struct{}),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	return s
}

// Register exposes every handler method of rcvr at /<TypeName>/<MethodName>.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName is like Register but uses name instead of the receiver's type name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := NewService(name, rcvr)
	if err != nil {
		return err
	}
	for methodName, mt := range svc.method {
		if err := svr.addRoute("/"+svc.name+"/"+methodName, mt); err != nil {
			return err
		}
	}
	return nil
}

// Handle exposes a single function at path. See newMethodType for accepted signatures.
func (svr *Server) Handle(path string, fn any) error {
	mt, err := newMethodType(reflect.ValueOf(fn))
	if err != nil {
		return err
	}
	return svr.addRoute(path, mt)
}

func (svr *Server) addRoute(path string, mt *methodType) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, ok := svr.routes[path]; ok {
		return fmt.Errorf("rpc: route already registered: %s", path)
	}
	svr.routes[path] = mt
	return nil
}

// Routes lists registered paths in sorted order.
func (svr *Server) Routes() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	paths := make([]string, 0, len(svr.routes))
	for p := range svr.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (svr *Server) route(path string) (*methodType, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	mt, ok := svr.routes[path]
	return mt, ok
}

// Use registers a middleware. Middlewares are applied in the order they are added
// and must be registered before serving.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on the given address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener serves connections accepted from listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	// Build the middleware chain once at startup (not per-request)
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		return ignoreClosed(listener.Close())
	}
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.listener = listener
	svr.mu.Unlock()

	svr.log.Info("serving", zap.Stringer("addr", listener.Addr()), zap.Strings("routes", svr.Routes()))

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.connWG.Add(1)
		go svr.handleConn(conn)
	}
}

// serverConn is the responder's state for one connection.
type serverConn struct {
	net.Conn
	writeMu sync.Mutex
	streams sync.Map // map[uint32]*call, calls that can still be cancelled
	log     *zap.Logger
}

// call is one in-flight request-response or request-stream.
type call struct {
	cancel   context.CancelFunc
	demand   *demand
	finished atomic.Bool
}

func (c *serverConn) write(codecType byte, ft protocol.FrameType, id uint32, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c, &protocol.Header{
		CodecType: codecType,
		FrameType: ft,
		StreamID:  id,
	}, body)
}

// handleConn processes a single connection.
// It reads frames in a single goroutine (reads must be sequential to parse frame boundaries),
// but dispatches each request to its own goroutine for parallel processing.
func (svr *Server) handleConn(netConn net.Conn) {
	defer svr.connWG.Done()
	c := &serverConn{
		Conn: netConn,
		log:  svr.log.With(zap.Stringer("remote", netConn.RemoteAddr())),
	}
	if !svr.track(c) {
		netConn.Close()
		return
	}
	defer svr.untrack(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
	}()

	c.log.Debug("connection accepted")
	for {
		header, body, err := protocol.Decode(c)
		if err != nil {
			c.log.Debug("connection closed", zap.Error(err))
			return
		}

		switch header.FrameType {
		case protocol.FrameHeartbeat:
			// exist only to keep the connection alive
		case protocol.FrameRequestN:
			n, err := protocol.DecodeRequestN(body)
			if err != nil {
				c.log.Warn("bad request-n frame", zap.Error(err))
				continue
			}
			if v, ok := c.streams.Load(header.StreamID); ok {
				v.(*call).demand.add(n)
			}
		case protocol.FrameCancel:
			if v, ok := c.streams.LoadAndDelete(header.StreamID); ok {
				v.(*call).cancel()
			}
		case protocol.FrameRequestResponse, protocol.FrameFireAndForget, protocol.FrameRequestStream:
			if !svr.admit() {
				if header.FrameType != protocol.FrameFireAndForget {
					if err := c.write(header.CodecType, protocol.FrameError, header.StreamID, []byte(errShuttingDown)); err != nil {
						c.log.Debug("write reply failed", zap.Error(err))
					}
				}
				continue
			}
			callCtx, callCancel := context.WithCancel(ctx)
			cl := &call{cancel: callCancel, demand: newDemand()}
			if header.FrameType != protocol.FrameFireAndForget {
				// Stored before the next frame is read so an immediate RequestN finds it.
				c.streams.Store(header.StreamID, cl)
			}
			go svr.handleRequest(callCtx, c, header, body, cl)
		default:
			c.log.Debug("unexpected frame", zap.Uint8("type", uint8(header.FrameType)))
		}
	}
}

const errShuttingDown = "server is shutting down"

// admit counts a new request in svr.wg unless Shutdown has begun. Holding svr.mu
// orders every Add before Shutdown's Wait.
func (svr *Server) admit() bool {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) track(c *serverConn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[c] = struct{}{}
	return true
}

func (svr *Server) untrack(c *serverConn) {
	svr.mu.Lock()
	delete(svr.conns, c)
	svr.mu.Unlock()
}

// handleRequest processes a single request: decode metadata → middleware → business logic → reply.
func (svr *Server) handleRequest(ctx context.Context, c *serverConn, header *protocol.Header, body []byte, cl *call) {
	defer svr.wg.Done()
	defer func() {
		cl.finished.Store(true)
		cl.demand.stop()
		cl.cancel()
		c.streams.Delete(header.StreamID)
	}()

	style, _ := header.FrameType.Style()
	id := header.StreamID
	log := c.log.With(zap.Uint32("stream", id), zap.Stringer("style", style))

	reply := func(ft protocol.FrameType, body []byte) {
		if style == message.FireAndForget {
			return
		}
		if err := c.write(header.CodecType, ft, id, body); err != nil {
			log.Debug("write reply failed", zap.Error(err))
		}
	}
	fail := func(msg string) {
		if style == message.FireAndForget {
			log.Warn("fire-and-forget call failed", zap.String("error", msg))
			return
		}
		reply(protocol.FrameError, []byte(msg))
	}

	req, err := decodeRequest(header, body)
	if err != nil {
		fail(err.Error())
		return
	}
	req.Style = style
	if style == message.RequestStream {
		req.Emit = func(data []byte) error {
			if cl.finished.Load() {
				return errStreamEnded
			}
			if err := cl.demand.take(ctx); err != nil {
				return err
			}
			if cl.finished.Load() {
				return errStreamEnded
			}
			return c.write(header.CodecType, protocol.FramePayload, id, protocol.EncodePayload(message.Payload{Data: data}))
		}
	}

	svr.mu.RLock()
	handler := svr.handler
	svr.mu.RUnlock()
	resp := handler(ctx, req)

	// Stop late Emit calls (e.g. after a timeout) before the terminal frame goes out.
	cl.finished.Store(true)

	switch {
	case resp.Error != "":
		fail(resp.Error)
	case style == message.RequestResponse:
		reply(protocol.FramePayload, protocol.EncodePayload(message.Payload{Data: resp.Data}))
	case style == message.RequestStream:
		reply(protocol.FrameComplete, nil)
	}
}

// decodeRequest unpacks the payload and its {PATH, MIME_TYPE} metadata.
func decodeRequest(header *protocol.Header, body []byte) (*message.Request, error) {
	p, err := protocol.DecodePayload(body)
	if err != nil {
		return nil, err
	}
	var md map[string]string
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(p.Metadata, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	path, ok := md[message.MetadataPath]
	if !ok {
		return nil, fmt.Errorf("metadata has no %s", message.MetadataPath)
	}
	return &message.Request{
		Path:     path,
		MimeType: md[message.MetadataMimeType],
		Data:     p.Data,
	}, nil
}

// businessHandler dispatches a request to the handler registered for its path.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: find route → check style → pick codec by MIME type → reflect.New(args) →
// Decode(payload, args) → reflect.Call → Encode(reply) → return Response
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	mt, ok := svr.route(req.Path)
	if !ok {
		return &message.Response{Error: fmt.Sprintf("no route for path %s", req.Path)}
	}
	if mt.style != req.Style {
		return &message.Response{Error: fmt.Sprintf("%s is %s, called as %s", req.Path, mt.style, req.Style)}
	}
	c, err := codec.ForMimeType(req.MimeType)
	if err != nil {
		return &message.Response{Error: err.Error()}
	}

	argv := reflect.New(mt.ArgType)
	if err := c.Decode(req.Data, argv.Interface()); err != nil {
		return &message.Response{Error: fmt.Sprintf("decode args: %v", err)}
	}

	ctxv := reflect.ValueOf(ctx)
	switch mt.style {
	case message.FireAndForget:
		if err := mt.call(ctxv, argv); err != nil {
			return &message.Response{Error: err.Error()}
		}
		return &message.Response{}
	case message.RequestStream:
		sink := &Sink{codec: c, emit: req.Emit}
		if err := mt.call(ctxv, argv, reflect.ValueOf(sink)); err != nil {
			return &message.Response{Error: err.Error()}
		}
		return &message.Response{}
	}

	replyv := reflect.New(mt.ReplyType)
	if err := mt.call(ctxv, argv, replyv); err != nil {
		return &message.Response{Error: err.Error()}
	}
	data, err := c.Encode(replyv.Interface())
	if err != nil {
		return &message.Response{Error: fmt.Sprintf("encode reply: %v", err)}
	}
	return &message.Response{Data: data}
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept error is recognized as intentional and new
//     requests on open connections are refused)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close the remaining connections and wait for their read loops to exit
func (svr *Server) Shutdown(timeout time.Duration) error {
	var err error
	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		err = multierr.Append(err, ignoreClosed(svr.listener.Close()))
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	svr.mu.Lock()
	for c := range svr.conns {
		err = multierr.Append(err, ignoreClosed(c.Close()))
	}
	svr.mu.Unlock()

	svr.connWG.Wait()
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

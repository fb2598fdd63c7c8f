package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"socket-rpc/middleware"
	"socket-rpc/server"
)

type ServeCommand struct {
	Addr            string        `default:"127.0.0.1:7070" help:"Listen address." validate:"required,hostname_port"`
	Rate            float64       `default:"1000" help:"Requests per second (0 disables limiting)." validate:"gte=0"`
	Burst           int           `default:"100" help:"Rate limiter burst." validate:"gte=1"`
	Timeout         time.Duration `default:"5s" help:"Per-request timeout." validate:"gt=0"`
	ShutdownTimeout time.Duration `default:"10s" help:"Grace period for in-flight requests." validate:"gt=0"`
}

func (c *ServeCommand) Validate() error {
	return validate.Struct(c)
}

func (c *ServeCommand) Run(ctx context.Context, log *zap.Logger) error {
	svr, err := c.newServer(log)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.Addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.ServeListener(l)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return svr.Shutdown(c.ShutdownTimeout)
	})
	return g.Wait()
}

func (c *ServeCommand) newServer(log *zap.Logger) (*server.Server, error) {
	svr := server.NewServer(server.WithLogger(log))
	svr.Use(middleware.LoggingMiddleware(log))
	if c.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(c.Rate, c.Burst))
	}
	svr.Use(middleware.TimeOutMiddleware(c.Timeout))

	svc := &EchoService{log: log}
	if err := svr.RegisterName("echo", svc); err != nil {
		return nil, err
	}
	if err := svr.Handle("/echo", svc.Say); err != nil {
		return nil, err
	}
	return svr, nil
}

type EchoArgs struct {
	Text  string `json:"text" schema:"text"`
	Times int    `json:"times" schema:"times"`
}

type EchoReply struct {
	Text string `json:"text" schema:"text"`
}

// EchoService is the demo responder behind /echo/*.
type EchoService struct {
	log *zap.Logger
}

func (s *EchoService) Say(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	reply.Text = args.Text
	return nil
}

func (s *EchoService) Upper(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	if args.Text == "" {
		return errors.New("empty text")
	}
	reply.Text = strings.ToUpper(args.Text)
	return nil
}

func (s *EchoService) Log(ctx context.Context, args *EchoArgs) error {
	s.log.Info("event", zap.String("text", args.Text))
	return nil
}

func (s *EchoService) Repeat(ctx context.Context, args *EchoArgs, sink *server.Sink) error {
	for i := 0; i < args.Times; i++ {
		if err := sink.Send(&EchoReply{Text: args.Text}); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var CLI struct {
	Serve ServeCommand `cmd:"" help:"Run the demo echo responder."`
	Call  CallCommand  `cmd:"" help:"Invoke a path on a responder."`
	Debug bool         `help:"Enable debug logging."`
}

var validate = validator.New()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`remote invocation over a multiplexed socket

Each call carries {PATH, MIME_TYPE} routing metadata and a payload encoded for MIME_TYPE.
		`),
	)

	log := zap.NewNop()
	if CLI.Debug {
		log = zap.Must(zap.NewDevelopment())
	}
	defer log.Sync() //nolint:errcheck

	err := kongCtx.Run(log)
	kongCtx.FatalIfErrorf(err)
}

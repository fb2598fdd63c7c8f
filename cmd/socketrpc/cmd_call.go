package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"socket-rpc/client"
	"socket-rpc/codec"
	"socket-rpc/message"
	"socket-rpc/transport"
)

type CallCommand struct {
	Addr          string                   `default:"127.0.0.1:7070" help:"Responder address." validate:"required,hostname_port"`
	Path          string                   `arg:"" help:"Endpoint path, e.g. /echo/Say." validate:"required,startswith=/"`
	Data          string                   `arg:"" optional:"" help:"Payload, written in the MIME type's format."`
	MimeType      string                   `default:"application/json" help:"Payload MIME type." validate:"required,oneof=application/json application/octet-stream application/x-www-form-urlencoded"`
	Style         message.InteractionStyle `default:"request-response" help:"request-response, fire-and-forget or request-stream."`
	MetadataCodec string                   `default:"json" enum:"json,binary" help:"Codec for routing metadata."`
	Timeout       time.Duration            `default:"5s" help:"Call timeout." validate:"gt=0"`
	Window        uint32                   `default:"32" help:"Stream request-n window." validate:"gte=1"`
}

func (c *CallCommand) Validate() error {
	return validate.Struct(c)
}

func (c *CallCommand) Run(ctx context.Context, log *zap.Logger) error {
	return c.call(ctx, log, os.Stdout)
}

func (c *CallCommand) call(ctx context.Context, log *zap.Logger, out io.Writer) error {
	payloadCodec, err := codec.ForMimeType(c.MimeType)
	if err != nil {
		return err
	}
	metadataCodec := codec.GetCodec(codec.CodecTypeJSON)
	if c.MetadataCodec == "binary" {
		metadataCodec = codec.GetCodec(codec.CodecTypeBinary)
	}

	info, err := client.NewMethodInfo(c.Path, c.Path, c.MimeType, c.Style, nil)
	if err != nil {
		return err
	}
	argument, err := c.argument()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	ct, err := transport.Dial(ctx, "tcp", c.Addr,
		transport.WithCodecType(metadataCodec.Type()),
		transport.WithStreamWindow(c.Window),
		transport.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer ct.Close()

	h, err := client.NewHandler(ct, info, client.WithLogger(log))
	if err != nil {
		return err
	}
	h.SetPayloadCodec(payloadCodec)
	h.SetMetadataCodec(metadataCodec)

	result, err := h.Invoke(ctx, argument)
	if err != nil {
		return err
	}

	switch r := result.(type) {
	case nil:
		return nil
	case []byte:
		_, err = fmt.Fprintln(out, string(r))
		return err
	case *client.ResultStream:
		defer r.Close()
		for item, err := range r.All(ctx) {
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out, string(item.([]byte))); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unexpected result %T", result)
}

// argument turns the Data arg into a value the payload codec accepts as-is.
func (c *CallCommand) argument() (any, error) {
	switch c.MimeType {
	case codec.MimeTypeJSON:
		if c.Data == "" {
			return json.RawMessage("null"), nil
		}
		if !json.Valid([]byte(c.Data)) {
			return nil, fmt.Errorf("data is not valid JSON")
		}
		return json.RawMessage(c.Data), nil
	case codec.MimeTypeForm:
		return url.ParseQuery(c.Data)
	}
	return []byte(c.Data), nil
}

// Package codec provides the pluggable converters used for request payloads and
// routing metadata.
//
// A codec is picked per handler (payload and metadata are configured separately)
// and, on the responder side, per request: the metadata codec is named by the frame
// header, the payload codec by the MIME_TYPE metadata entry.
package codec

import (
	"fmt"
	"mime"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeForm   CodecType = 2
)

const (
	MimeTypeJSON   = "application/json"
	MimeTypeBinary = "application/octet-stream"
	MimeTypeForm   = "application/x-www-form-urlencoded"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=Form
	MimeType() string
}

// GetCodec returns the codec for a frame header codec byte.
// Unknown types fall back to BinaryCodec, matching the header validation in protocol.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeForm:
		return NewFormCodec()
	}
	return &BinaryCodec{}
}

// ForMimeType resolves the payload codec announced in request metadata.
// Media type parameters such as charset are ignored.
func ForMimeType(mimeType string) (Codec, error) {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return nil, fmt.Errorf("parse mime type %q: %w", mimeType, err)
	}
	switch strings.ToLower(mediaType) {
	case MimeTypeJSON:
		return &JSONCodec{}, nil
	case MimeTypeBinary:
		return &BinaryCodec{}, nil
	case MimeTypeForm:
		return NewFormCodec(), nil
	}
	return nil, fmt.Errorf("unsupported mime type: %s", mimeType)
}

// Package message defines the values exchanged between a requester and a responder.
//
// Payload is the "envelope" for every frame that carries data: a small routing
// header (Metadata) next to the converted argument or reply (Data). Both halves are
// already encoded by the time they reach this package.
package message

import (
	"fmt"
)

// Metadata keys. A request's metadata is exactly the two-entry map
// {PATH: <endpoint path>, MIME_TYPE: <payload content-type>}.
const (
	MetadataPath     = "PATH"
	MetadataMimeType = "MIME_TYPE"
)

// Payload carries the data for a single request, reply, or stream item.
//
//   - On request:  Metadata holds the encoded routing header, Data the encoded argument.
//   - On response: Metadata is empty, Data holds the encoded reply.
type Payload struct {
	Metadata []byte
	Data     []byte
}

// Size is the number of bytes the payload occupies on the wire, excluding framing.
func (p Payload) Size() int {
	return len(p.Metadata) + len(p.Data)
}

// RoutingMetadata builds the metadata map for an endpoint.
func RoutingMetadata(path, mimeType string) map[string]string {
	return map[string]string{
		MetadataPath:     path,
		MetadataMimeType: mimeType,
	}
}

// Request is what responder middleware sees for every incoming call.
type Request struct {
	Style    InteractionStyle
	Path     string
	MimeType string
	Data     []byte

	// Emit publishes one encoded stream item. It is nil unless Style is request-stream
	// and blocks until the requester has signalled demand.
	Emit func(data []byte) error
}

// Response is the outcome of a call. For streams Data is unused; a non-empty Error
// terminates the stream with an error instead of completing it.
type Response struct {
	Data  []byte
	Error string // Non-empty if the handler returned an error
}

// RemoteError is returned to the requester when the responder answered with an error frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

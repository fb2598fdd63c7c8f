package message

import "fmt"

// InteractionStyle selects how a call travels over the connection.
type InteractionStyle byte

const (
	RequestResponse InteractionStyle = iota + 1 // one request, one reply
	FireAndForget                               // one request, no reply
	RequestStream                               // one request, a finite stream of replies
)

func (s InteractionStyle) String() string {
	switch s {
	case RequestResponse:
		return "request-response"
	case FireAndForget:
		return "fire-and-forget"
	case RequestStream:
		return "request-stream"
	}
	return fmt.Sprintf("InteractionStyle(%d)", byte(s))
}

// ParseInteractionStyle is the inverse of String.
func ParseInteractionStyle(s string) (InteractionStyle, error) {
	for _, style := range []InteractionStyle{RequestResponse, FireAndForget, RequestStream} {
		if style.String() == s {
			return style, nil
		}
	}
	return 0, fmt.Errorf("unknown interaction style: %q", s)
}

// UnmarshalText lets kong and other text-based config layers fill a style field.
func (s *InteractionStyle) UnmarshalText(text []byte) error {
	style, err := ParseInteractionStyle(string(text))
	if err != nil {
		return err
	}
	*s = style
	return nil
}

package codec

import (
	"fmt"
	"net/url"

	"github.com/gorilla/schema"
)

// FormCodec converts structs to and from URL-encoded form bodies.
// Field names come from `schema` struct tags.
type FormCodec struct {
	encoder *schema.Encoder
	decoder *schema.Decoder
}

func NewFormCodec() *FormCodec {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	return &FormCodec{
		encoder: schema.NewEncoder(),
		decoder: decoder,
	}
}

func (c *FormCodec) Encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case url.Values:
		return []byte(val.Encode()), nil
	case map[string]string:
		values := make(url.Values, len(val))
		for k, s := range val {
			values.Set(k, s)
		}
		return []byte(values.Encode()), nil
	}
	values := url.Values{}
	if err := c.encoder.Encode(v, values); err != nil {
		return nil, fmt.Errorf("FormCodec: %w", err)
	}
	return []byte(values.Encode()), nil
}

func (c *FormCodec) Decode(data []byte, v any) error {
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return fmt.Errorf("FormCodec: %w", err)
	}
	switch val := v.(type) {
	case *url.Values:
		*val = values
		return nil
	case *map[string]string:
		m := make(map[string]string, len(values))
		for k := range values {
			m[k] = values.Get(k)
		}
		*val = m
		return nil
	}
	if err := c.decoder.Decode(v, values); err != nil {
		return fmt.Errorf("FormCodec: %w", err)
	}
	return nil
}

func (c *FormCodec) Type() CodecType {
	return CodecTypeForm
}

func (c *FormCodec) MimeType() string {
	return MimeTypeForm
}

package codec

import (
	"encoding/json"
	"sort"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
//
// Flat string maps (routing metadata) skip reflection and go through easyjson's
// writer and lexer. Keys are written in sorted order, as encoding/json does.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if m, ok := v.(map[string]string); ok {
		return encodeStringMap(m)
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if m, ok := v.(*map[string]string); ok {
		return decodeStringMap(data, m)
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) MimeType() string {
	return MimeTypeJSON
}

func encodeStringMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := jwriter.Writer{}
	w.RawByte('{')
	for i, k := range keys {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(k)
		w.RawByte(':')
		w.String(m[k])
	}
	w.RawByte('}')
	return w.BuildBytes()
}

func decodeStringMap(data []byte, m *map[string]string) error {
	in := jlexer.Lexer{Data: data}
	if in.IsNull() {
		in.Skip()
		*m = nil
		in.Consumed()
		return in.Error()
	}

	out := make(map[string]string)
	in.Delim('{')
	for !in.IsDelim('}') {
		k := in.String()
		in.WantColon()
		out[k] = in.String()
		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()

	if err := in.Error(); err != nil {
		return err
	}
	*m = out
	return nil
}

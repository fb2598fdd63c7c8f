package codec

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// BinaryCodec passes raw bytes through and encodes string maps as
// length-prefixed pairs:
//
//	count uint16 | (keyLen uint16 | key | valLen uint16 | val) * count
//
// Pairs are sorted by key so equal maps always encode to equal bytes.
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: short buffer")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case map[string]string:
		return encodeBinaryMap(val)
	case encoding.BinaryMarshaler:
		return val.MarshalBinary()
	}
	return nil, fmt.Errorf("BinaryCodec: unsupported type %T", v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch val := v.(type) {
	case *[]byte:
		*val = append((*val)[:0], data...)
		return nil
	case *string:
		*val = string(data)
		return nil
	case *map[string]string:
		m, err := decodeBinaryMap(data)
		if err != nil {
			return err
		}
		*val = m
		return nil
	case encoding.BinaryUnmarshaler:
		return val.UnmarshalBinary(data)
	}
	return fmt.Errorf("BinaryCodec: unsupported type %T", v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func (c *BinaryCodec) MimeType() string {
	return MimeTypeBinary
}

func encodeBinaryMap(m map[string]string) ([]byte, error) {
	if len(m) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: too many entries: %d", len(m))
	}
	keys := make([]string, 0, len(m))
	// Calculate the length of the encoded map
	total := 2
	for k, v := range m {
		if len(k) > 0xFFFF || len(v) > 0xFFFF {
			return nil, fmt.Errorf("BinaryCodec: entry %q too long", k)
		}
		keys = append(keys, k)
		total += 2 + len(k) + 2 + len(v)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m[k])))
		buf = append(buf, m[k]...)
	}
	return buf, nil
}

func decodeBinaryMap(data []byte) (map[string]string, error) {
	offset := 0
	readString := func() (string, error) {
		if len(data)-offset < 2 {
			return "", errShortBuffer
		}
		n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if len(data)-offset < n {
			return "", errShortBuffer
		}
		s := string(data[offset : offset+n])
		offset += n
		return s, nil
	}

	if len(data) < 2 {
		return nil, errShortBuffer
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset += 2

	m := make(map[string]string, count)
	for i := 0; i < count; i++ {
		k, err := readString()
		if err != nil {
			return nil, err
		}
		v, err := readString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	if offset != len(data) {
		return nil, fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-offset)
	}
	return m, nil
}

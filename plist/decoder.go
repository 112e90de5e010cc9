package plist

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// Decoder reads a single property list value and converts it into plain
// Go values (map[string]any, []any, string, bool, int64/uint64, float64,
// []byte, time.Time).
type Decoder struct {
	parse func() (*plistValue, error)
}

// NewXMLDecoder returns a Decoder for the textual <plist> XML format.
func NewXMLDecoder(r io.Reader) *Decoder {
	p := &xmlParser{dec: xml.NewDecoder(r)}
	return &Decoder{parse: p.parseDocument}
}

// NewBinaryDecoder returns a Decoder for Apple's "bplist00" binary format.
// The reader must support Seek since the format is a trailer-directed
// object table, not a linear stream.
func NewBinaryDecoder(r io.ReadSeeker) (*Decoder, error) {
	bp, err := newBinaryParser(r)
	if err != nil {
		return nil, err
	}
	return &Decoder{parse: bp.parseDocument}, nil
}

// NewDecoder sniffs the first bytes of data to pick the binary or XML
// decoder, matching how Info.plist/entitlements blobs are found in
// practice: Mach-O embeds them verbatim in either format.
func NewDecoder(data []byte) (*Decoder, error) {
	if bytes.HasPrefix(data, []byte("bplist00")) {
		return NewBinaryDecoder(bytes.NewReader(data))
	}
	return NewXMLDecoder(bytes.NewReader(data)), nil
}

// Decode parses the plist and stores the native representation into v,
// which must be a non-nil pointer (typically *map[string]any or *any).
func (d *Decoder) Decode(v any) error {
	val, err := d.parse()
	if err != nil {
		return fmt.Errorf("plist: decode: %w", err)
	}
	native := val.toNative()

	switch p := v.(type) {
	case *any:
		*p = native
		return nil
	case *map[string]any:
		m, ok := native.(map[string]any)
		if !ok {
			return fmt.Errorf("plist: root value is not a dictionary")
		}
		*p = m
		return nil
	default:
		return fmt.Errorf("plist: unsupported decode target %T", v)
	}
}

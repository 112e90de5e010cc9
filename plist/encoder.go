package plist

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"
	"time"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
`

// EncodeXML renders a native Go value (bool, string, []byte, int/int64,
// float64, map[string]any, []any, or nil) as an XML property list,
// mirroring the subset of CFPropertyListCreateXMLData this module's
// resource sealer and entitlement embedder need to produce.
func EncodeXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString(`<plist version="1.0">`)
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	buf.WriteString(`</plist>`)
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString(`<string></string>`)
	case bool:
		if t {
			buf.WriteString(`<true/>`)
		} else {
			buf.WriteString(`<false/>`)
		}
	case string:
		buf.WriteString(`<string>`)
		escapeText(buf, t)
		buf.WriteString(`</string>`)
	case []byte:
		buf.WriteString(`<data>`)
		buf.WriteString(base64.StdEncoding.EncodeToString(t))
		buf.WriteString(`</data>`)
	case int:
		fmt.Fprintf(buf, "<integer>%d</integer>", t)
	case int64:
		fmt.Fprintf(buf, "<integer>%d</integer>", t)
	case uint:
		fmt.Fprintf(buf, "<integer>%d</integer>", t)
	case uint64:
		fmt.Fprintf(buf, "<integer>%d</integer>", t)
	case float64:
		fmt.Fprintf(buf, "<real>%g</real>", t)
	case time.Time:
		buf.WriteString(`<date>`)
		buf.WriteString(t.UTC().Format(time.RFC3339))
		buf.WriteString(`</date>`)
	case map[string]any:
		return encodeDict(buf, t)
	case []any:
		buf.WriteString(`<array>`)
		for _, item := range t {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteString(`</array>`)
	default:
		return fmt.Errorf("plist: encode: unsupported value type %T", v)
	}
	return nil
}

// encodeDict writes keys in sorted order so the same dictionary always
// serializes to the same bytes, which matters here: the resource seal's
// digest is taken over this encoding.
func encodeDict(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteString(`<dict>`)
	for _, k := range keys {
		buf.WriteString(`<key>`)
		escapeText(buf, k)
		buf.WriteString(`</key>`)
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteString(`</dict>`)
	return nil
}

func escapeText(buf *bytes.Buffer, s string) {
	for _, r := range s {
		switch r {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		default:
			buf.WriteRune(r)
		}
	}
}

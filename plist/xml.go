package plist

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"
)

// xmlParser walks an XML property list with the stdlib xml.Decoder's
// token stream directly rather than unmarshaling into a struct, since
// plist's <dict> alternates <key>/<value-element> pairs that don't map
// onto Go struct tags the way a regular XML document would.
type xmlParser struct {
	dec *xml.Decoder
}

func (p *xmlParser) parseDocument() (*plistValue, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			if se.Name.Local == "plist" {
				return p.parseNextValue()
			}
		}
	}
}

// parseNextValue reads the next value-element start tag and dispatches
// to its specific decoder, returning when that element's EndElement is
// consumed.
func (p *xmlParser) parseNextValue() (*plistValue, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		return p.parseElement(se)
	}
}

func (p *xmlParser) parseElement(se xml.StartElement) (*plistValue, error) {
	switch se.Name.Local {
	case "dict":
		return p.parseDict()
	case "array":
		return p.parseArray()
	case "string":
		s, err := p.charData()
		return &plistValue{String, s}, err
	case "integer":
		s, err := p.charData()
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("plist: invalid integer %q: %w", s, err)
		}
		return &plistValue{Integer, signedInt{uint64(n), true}}, nil
	case "real":
		s, err := p.charData()
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("plist: invalid real %q: %w", s, err)
		}
		return &plistValue{Real, sizedFloat{f, 64}}, nil
	case "true":
		if err := p.skipToEnd(se); err != nil {
			return nil, err
		}
		return &plistValue{Boolean, true}, nil
	case "false":
		if err := p.skipToEnd(se); err != nil {
			return nil, err
		}
		return &plistValue{Boolean, false}, nil
	case "data":
		s, err := p.charData()
		if err != nil {
			return nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(collapseWhitespace(s))
		if err != nil {
			return nil, fmt.Errorf("plist: invalid base64 data: %w", err)
		}
		return &plistValue{Data, raw}, nil
	case "date":
		s, err := p.charData()
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("plist: invalid date %q: %w", s, err)
		}
		return &plistValue{Date, t}, nil
	default:
		return nil, fmt.Errorf("plist: unsupported element <%s>", se.Name.Local)
	}
}

func (p *xmlParser) parseDict() (*plistValue, error) {
	m := make(map[string]*plistValue)
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "dict" {
				return &plistValue{Dictionary, &dictionary{m: m}}, nil
			}
		case xml.StartElement:
			if t.Name.Local != "key" {
				return nil, fmt.Errorf("plist: expected <key>, got <%s>", t.Name.Local)
			}
			key, err := p.charData()
			if err != nil {
				return nil, err
			}
			val, err := p.parseNextValue()
			if err != nil {
				return nil, err
			}
			m[key] = val
		}
	}
}

func (p *xmlParser) parseArray() (*plistValue, error) {
	var items []*plistValue
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "array" {
				return &plistValue{Array, items}, nil
			}
		case xml.StartElement:
			v, err := p.parseElement(t)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
	}
}

// charData reads character data up to the enclosing element's end tag.
func (p *xmlParser) charData() (string, error) {
	var s string
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			s += string(t)
		case xml.EndElement:
			return s, nil
		}
	}
}

func (p *xmlParser) skipToEnd(se xml.StartElement) error {
	depth := 1
	for depth > 0 {
		tok, err := p.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

func collapseWhitespace(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

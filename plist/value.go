// Package plist decodes the property-list dictionaries this module needs
// to read (Info.plist, entitlements) and produce (resource seals): a
// canonical value-type dictionary (string, integer, bool, date, data,
// array, nested dict), per SPEC_FULL.md's DESIGN NOTES §9 guidance to
// "re-express [CF object graphs] with a canonical value-type dictionary".
//
// The binary-format reader is adapted from
// github.com/blacktop/go-codesign's pkg/codesign/types/plist/binary_parser.go
// (same object-table/offset-table walk); that file referenced a
// plistValue/dictionary/kind vocabulary that was not itself present in
// the retrieved sources, so this file supplies it. The XML-format reader
// is stdlib encoding/xml-based: no plist-decoding library of any kind
// (XML or binary) appears anywhere in the retrieved example corpus with
// a usable decoder entry point, so this half is stdlib by necessity, not
// by default — see DESIGN.md.
package plist

import "time"

type kind int

const (
	Invalid kind = iota
	Boolean
	Integer
	Real
	Date
	Data
	String
	Array
	Dictionary
)

type signedInt struct {
	value  uint64
	signed bool
}

type sizedFloat struct {
	value float64
	bits  int
}

type dictionary struct {
	m map[string]*plistValue
}

type plistValue struct {
	kind  kind
	value any
}

// toNative converts the internal plistValue tree into the plain
// map[string]any / []any / string / bool / float64 / []byte / time.Time
// shape the rest of this module's packages consume (entitlements,
// Info.plist lookups in the requirement interpreter's Context).
func (v *plistValue) toNative() any {
	if v == nil {
		return nil
	}
	switch v.kind {
	case Boolean:
		return v.value.(bool)
	case Integer:
		si := v.value.(signedInt)
		if si.signed {
			return int64(si.value)
		}
		return si.value
	case Real:
		return v.value.(sizedFloat).value
	case Date:
		return v.value.(time.Time)
	case Data:
		return v.value.([]byte)
	case String:
		return v.value.(string)
	case Array:
		items := v.value.([]*plistValue)
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it.toNative()
		}
		return out
	case Dictionary:
		d := v.value.(*dictionary)
		out := make(map[string]any, len(d.m))
		for k, v := range d.m {
			out[k] = v.toNative()
		}
		return out
	default:
		return nil
	}
}

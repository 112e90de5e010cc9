package requirement

import (
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// oidBytes DER-encodes a dotted-decimal OID string (e.g. "1.2.840.113635.100.6.2.1")
// to raw OID content bytes (the base-128 varint encoding, no tag/length),
// matching what original_source's lib/reqmaker.cpp embeds as a CertGeneric
// or CertPolicy opcode's OID argument. cryptobyte's ASN.1 builder already
// speaks OIDs, so this leans on it rather than hand-rolling the base-128
// varint math the teacher's requirement.go does for decoding.
func oidBytes(dotted string) []byte {
	oid, err := parseOID(dotted)
	if err != nil {
		return nil
	}
	var b cryptobyte.Builder
	b.AddASN1ObjectIdentifier(oid)
	full, err := b.Bytes()
	if err != nil || len(full) < 2 {
		return nil
	}
	// full is {tag, length, content...}; the requirement bytecode stores
	// only the content bytes (the opcode's own length-prefix already
	// plays the role of the DER length octet).
	return full[2:]
}

// oidString is the inverse of oidBytes: raw base-128 OID content bytes to
// dotted-decimal text, via cryptobyte's ASN.1 reader fed a synthetic
// OBJECT IDENTIFIER TLV (tag 0x06 + DER length + content).
func oidString(content []byte) string {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.OBJECT_IDENTIFIER, func(child *cryptobyte.Builder) {
		child.AddBytes(content)
	})
	tlv, err := b.Bytes()
	if err != nil {
		return ""
	}
	var oid asn1.ObjectIdentifier
	rest := cryptobyte.String(tlv)
	if !rest.ReadASN1ObjectIdentifier(&oid) {
		return ""
	}
	parts := make([]string, len(oid))
	for i, v := range oid {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

func parseOID(dotted string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(dotted, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("requirement: invalid OID %q: %w", dotted, err)
		}
		oid[i] = n
	}
	return oid, nil
}

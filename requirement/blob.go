package requirement

import (
	"bytes"

	"github.com/blacktop/go-codesign/blob"
	"github.com/blacktop/go-codesign/cserr"
)

// Bytes serializes r as a self-contained Requirement blob
// ({magic:Requirement, length}, kind, bytecode), spec §3/§4.1.
func (r *Requirement) Bytes() []byte {
	var body bytes.Buffer
	var kb [4]byte
	kb[3] = byte(r.Kind)
	kb[2] = byte(r.Kind >> 8)
	kb[1] = byte(r.Kind >> 16)
	kb[0] = byte(r.Kind >> 24)
	body.Write(kb[:])
	body.Write(Encode(r.Expr))
	return blob.Wrap(blob.MagicRequirement, body.Bytes())
}

// ParseRequirementBlob decodes a single Requirement blob.
func ParseRequirementBlob(data []byte) (*Requirement, error) {
	var hdr blob.Header
	if len(data) < blob.HeaderSize+4 {
		return nil, cserr.New(cserr.SignatureInvalid, nil)
	}
	hdr.Magic = blob.Magic(be32(data[0:4]))
	hdr.Length = be32(data[4:8])
	if err := hdr.Validate(blob.MagicRequirement, len(data)); err != nil {
		return nil, err
	}
	kind := Kind(be32(data[8:12]))
	r := bytes.NewReader(data[12:hdr.Length])
	e, err := Decode(r)
	if err != nil {
		return nil, cserr.New(cserr.ReqInvalid, err)
	}
	return &Requirement{Kind: kind, Expr: e}, nil
}

// Bytes serializes a RequirementSet as a SuperBlob keyed by
// RequirementType, per spec §3 "Requirements (set)".
func (s Set) Bytes() []byte {
	sb := blob.NewSuperBlob(blob.MagicRequirementSet)
	for rtype, req := range s {
		sb.Add(blob.SlotType(rtype), req.Bytes())
	}
	return sb.Bytes()
}

// ParseSetBlob decodes a RequirementSet SuperBlob.
func ParseSetBlob(data []byte) (Set, error) {
	sb, err := blob.ParseSuperBlob(data)
	if err != nil {
		return nil, err
	}
	if sb.Magic != blob.MagicRequirementSet {
		return nil, cserr.Newf(cserr.SignatureInvalid, "requirement: expected RequirementSet magic, got %s", sb.Magic)
	}
	set := make(Set)
	for typ, raw := range sb.Blobs {
		req, err := ParseRequirementBlob(raw)
		if err != nil {
			return nil, err
		}
		set[RequirementType(typ)] = req
	}
	return set, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

package requirement

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-codesign/cserr"
)

func roundUp4(n int) int { return (n + 3) &^ 3 }

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putI32(buf *bytes.Buffer, v int32) { putU32(buf, uint32(v)) }

// putData writes a length-prefixed, 4-byte-aligned data argument,
// zero-filling the alignment padding per reqmaker.cpp's documented
// practice of not leaving uninitialized bytes in the compiled blob.
func putData(buf *bytes.Buffer, data []byte) {
	putU32(buf, uint32(len(data)))
	buf.Write(data)
	if pad := roundUp4(len(data)) - len(data); pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func putMatch(buf *bytes.Buffer, m Match) {
	putU32(buf, uint32(m.Op))
	if m.Op != MatchExists {
		putData(buf, m.Value)
	}
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func getData(r *bytes.Reader) ([]byte, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := r.Read(data); err != nil {
		return nil, fmt.Errorf("requirement: truncated data argument: %w", err)
	}
	if pad := roundUp4(int(n)) - int(n); pad > 0 {
		r.Seek(int64(pad), 1)
	}
	return data, nil
}

func getMatch(r *bytes.Reader) (Match, error) {
	v, err := getU32(r)
	if err != nil {
		return Match{}, err
	}
	m := Match{Op: MatchOp(v)}
	if m.Op != MatchExists {
		data, err := getData(r)
		if err != nil {
			return Match{}, err
		}
		m.Value = data
	}
	return m, nil
}

// Encode assembles an Expr into its bytecode form (no blob header), in
// Polish (prefix) order: opcode, then the opcode's arguments in order,
// with sub-expressions (And/Or/Not) recursively encoded inline.
func Encode(e Expr) []byte {
	var buf bytes.Buffer
	encode(&buf, e)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, e Expr) {
	switch v := e.(type) {
	case False:
		putU32(buf, uint32(OpFalse))
	case True:
		putU32(buf, uint32(OpTrue))
	case Ident:
		putU32(buf, uint32(OpIdent))
		putData(buf, []byte(v.Value))
	case AppleAnchor:
		putU32(buf, uint32(OpAppleAnchor))
	case AppleGenericAnchor:
		putU32(buf, uint32(OpAppleGenericAnchor))
	case AnchorHash:
		putU32(buf, uint32(OpAnchorHash))
		putI32(buf, v.Slot)
		putData(buf, v.Digest)
	case InfoKeyValue:
		putU32(buf, uint32(OpInfoKeyValue))
		putData(buf, []byte(v.Key))
		putData(buf, []byte(v.Value))
	case And:
		putU32(buf, uint32(OpAnd))
		encode(buf, v.Left)
		encode(buf, v.Right)
	case Or:
		putU32(buf, uint32(OpOr))
		encode(buf, v.Left)
		encode(buf, v.Right)
	case CDHash:
		putU32(buf, uint32(OpCDHash))
		putData(buf, v.Digest)
	case Not:
		putU32(buf, uint32(OpNot))
		encode(buf, v.X)
	case InfoKeyField:
		putU32(buf, uint32(OpInfoKeyField))
		putData(buf, []byte(v.Key))
		putMatch(buf, v.Match)
	case CertField:
		putU32(buf, uint32(OpCertField))
		putI32(buf, v.Slot)
		putData(buf, []byte(v.Key))
		putMatch(buf, v.Match)
	case TrustedCert:
		putU32(buf, uint32(OpTrustedCert))
		putI32(buf, v.Slot)
	case TrustedCerts:
		putU32(buf, uint32(OpTrustedCerts))
	case CertGeneric:
		putU32(buf, uint32(OpCertGeneric))
		putI32(buf, v.Slot)
		putData(buf, oidBytes(v.OID))
		putMatch(buf, v.Match)
	case EntitlementField:
		putU32(buf, uint32(OpEntitlementField))
		putData(buf, []byte(v.Key))
		putMatch(buf, v.Match)
	case CertPolicy:
		putU32(buf, uint32(OpCertPolicy))
		putI32(buf, v.Slot)
		putData(buf, oidBytes(v.OID))
		putMatch(buf, v.Match)
	case NamedAnchor:
		putU32(buf, uint32(OpNamedAnchor))
		putData(buf, []byte(v.Name))
	case NamedCode:
		putU32(buf, uint32(OpNamedCode))
		putData(buf, []byte(v.Name))
	case Unknown:
		flag := OpGenericFalse
		if v.Skip {
			flag = OpGenericSkip
		}
		putU32(buf, uint32(v.Op|flag))
		putData(buf, v.Payload)
	default:
		panic(fmt.Sprintf("requirement: encode: unhandled node type %T", e))
	}
}

// Decode parses a single expression from the bytecode stream, consuming
// exactly the bytes that expression owns (including any sub-expressions),
// mirroring go-macho's evalExpression decompiler walk but building an
// Expr tree instead of text.
func Decode(r *bytes.Reader) (Expr, error) {
	raw, err := getU32(r)
	if err != nil {
		return nil, err
	}
	op := Op(raw)
	if raw&uint32(OpGenericFalse) != 0 || raw&uint32(OpGenericSkip) != 0 {
		skip := raw&uint32(OpGenericSkip) != 0
		payload, err := getData(r)
		if err != nil {
			return nil, cserr.New(cserr.ReqInvalid, err)
		}
		return Unknown{Op: op.Value(), Skip: skip, Payload: payload}, nil
	}

	switch op.Value() {
	case OpFalse:
		return False{}, nil
	case OpTrue:
		return True{}, nil
	case OpIdent:
		s, err := getData(r)
		if err != nil {
			return nil, err
		}
		return Ident{Value: string(s)}, nil
	case OpAppleAnchor:
		return AppleAnchor{}, nil
	case OpAppleGenericAnchor:
		return AppleGenericAnchor{}, nil
	case OpAnchorHash:
		slot, err := getU32(r)
		if err != nil {
			return nil, err
		}
		digest, err := getData(r)
		if err != nil {
			return nil, err
		}
		return AnchorHash{Slot: int32(slot), Digest: digest}, nil
	case OpInfoKeyValue:
		k, err := getData(r)
		if err != nil {
			return nil, err
		}
		v, err := getData(r)
		if err != nil {
			return nil, err
		}
		return InfoKeyValue{Key: string(k), Value: string(v)}, nil
	case OpAnd:
		l, err := Decode(r)
		if err != nil {
			return nil, err
		}
		rr, err := Decode(r)
		if err != nil {
			return nil, err
		}
		return And{Left: l, Right: rr}, nil
	case OpOr:
		l, err := Decode(r)
		if err != nil {
			return nil, err
		}
		rr, err := Decode(r)
		if err != nil {
			return nil, err
		}
		return Or{Left: l, Right: rr}, nil
	case OpCDHash:
		digest, err := getData(r)
		if err != nil {
			return nil, err
		}
		return CDHash{Digest: digest}, nil
	case OpNot:
		x, err := Decode(r)
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	case OpInfoKeyField:
		k, err := getData(r)
		if err != nil {
			return nil, err
		}
		m, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return InfoKeyField{Key: string(k), Match: m}, nil
	case OpCertField:
		slot, err := getU32(r)
		if err != nil {
			return nil, err
		}
		k, err := getData(r)
		if err != nil {
			return nil, err
		}
		m, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return CertField{Slot: int32(slot), Key: string(k), Match: m}, nil
	case OpTrustedCert:
		slot, err := getU32(r)
		if err != nil {
			return nil, err
		}
		return TrustedCert{Slot: int32(slot)}, nil
	case OpTrustedCerts:
		return TrustedCerts{}, nil
	case OpCertGeneric:
		slot, err := getU32(r)
		if err != nil {
			return nil, err
		}
		oid, err := getData(r)
		if err != nil {
			return nil, err
		}
		m, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return CertGeneric{Slot: int32(slot), OID: oidString(oid), Match: m}, nil
	case OpEntitlementField:
		k, err := getData(r)
		if err != nil {
			return nil, err
		}
		m, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return EntitlementField{Key: string(k), Match: m}, nil
	case OpCertPolicy:
		slot, err := getU32(r)
		if err != nil {
			return nil, err
		}
		oid, err := getData(r)
		if err != nil {
			return nil, err
		}
		m, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return CertPolicy{Slot: int32(slot), OID: oidString(oid), Match: m}, nil
	case OpNamedAnchor:
		s, err := getData(r)
		if err != nil {
			return nil, err
		}
		return NamedAnchor{Name: string(s)}, nil
	case OpNamedCode:
		s, err := getData(r)
		if err != nil {
			return nil, err
		}
		return NamedCode{Name: string(s)}, nil
	default:
		return nil, cserr.Newf(cserr.ReqUnsupported, "requirement: unknown opcode %s without forward-compat flag", op)
	}
}

// sha1Digest is used by AnchorHash synthesis (designated requirement
// package) and by the interpreter's CDHash/AnchorHash comparisons.
func sha1Digest(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

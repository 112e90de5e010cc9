package requirement

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/blacktop/go-codesign/cserr"
)

// parser is a hand-written recursive-descent parser for the grammar in
// spec §4.3, standing in for the ANTLR-generated driver original_source's
// lib/reqparser.cpp dispatches to (explicitly excluded from this module's
// scope per spec §1; only the grammar it accepts is specified).
type parser struct {
	lex  *lexer
	tok  token
	text string
}

func newParser(s string) (*parser, error) {
	p := &parser{lex: newLexer(s)}
	return p, p.advance()
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expect(k tokenKind, what string) error {
	if p.tok.kind != k {
		return fmt.Errorf("requirement: expected %s, got %v", what, p.tok)
	}
	return p.advance()
}

func (p *parser) isIdent(name string) bool {
	return p.tok.kind == tIdent && p.tok.text == name
}

// Parse compiles a single requirement expression (spec §4.3's informative
// grammar) into its Expr tree.
func Parse(src string) (*Requirement, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, cserr.New(cserr.ReqInvalid, err)
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, cserr.New(cserr.ReqInvalid, err)
	}
	if p.tok.kind != tEOF {
		return nil, cserr.Newf(cserr.ReqInvalid, "requirement: unexpected trailing input near %v", p.tok)
	}
	return &Requirement{Kind: ExprForm, Expr: e}, nil
}

// ParseSet compiles a RequirementSet: one or more `type => ( expr );`
// entries (spec §3 "Requirements (set)").
func ParseSet(src string) (Set, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, cserr.New(cserr.ReqInvalid, err)
	}
	set := make(Set)
	for p.tok.kind != tEOF {
		if p.tok.kind != tIdent {
			return nil, cserr.Newf(cserr.ReqInvalid, "requirement: expected requirement type, got %v", p.tok)
		}
		rtype, err := requirementTypeFromName(p.tok.text)
		if err != nil {
			return nil, cserr.New(cserr.ReqInvalid, err)
		}
		if err := p.advance(); err != nil {
			return nil, cserr.New(cserr.ReqInvalid, err)
		}
		if err := p.expect(tArrow, "=>"); err != nil {
			return nil, cserr.New(cserr.ReqInvalid, err)
		}
		if err := p.expect(tLParen, "("); err != nil {
			return nil, cserr.New(cserr.ReqInvalid, err)
		}
		e, err := p.parseOr()
		if err != nil {
			return nil, cserr.New(cserr.ReqInvalid, err)
		}
		if err := p.expect(tRParen, ")"); err != nil {
			return nil, cserr.New(cserr.ReqInvalid, err)
		}
		if p.tok.kind == tSemi {
			if err := p.advance(); err != nil {
				return nil, cserr.New(cserr.ReqInvalid, err)
			}
		}
		set[rtype] = &Requirement{Kind: ExprForm, Expr: e}
	}
	return set, nil
}

func requirementTypeFromName(name string) (RequirementType, error) {
	switch name {
	case "host":
		return HostRequirementType, nil
	case "guest":
		return GuestRequirementType, nil
	case "designated":
		return DesignatedRequirementType, nil
	case "library":
		return LibraryRequirementType, nil
	case "plugin":
		return PluginRequirementType, nil
	default:
		return 0, fmt.Errorf("requirement: unknown requirement type %q", name)
	}
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.tok.kind == tNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	switch {
	case p.tok.kind == tLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case p.isIdent("never"):
		return False{}, p.advance()
	case p.isIdent("always"):
		return True{}, p.advance()
	case p.isIdent("identifier"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		s, err := p.expectString()
		if err != nil {
			return nil, err
		}
		return Ident{Value: s}, nil
	case p.isIdent("cdhash"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		h, err := p.expectHex()
		if err != nil {
			return nil, err
		}
		return CDHash{Digest: h}, nil
	case p.isIdent("anchor"):
		return p.parseAnchor()
	case p.isIdent("certificate") || p.isIdent("leaf") || p.isIdent("root"):
		return p.parseCertSlot()
	case p.isIdent("info"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		key, err := p.parseBracketedKey()
		if err != nil {
			return nil, err
		}
		m, err := p.parseMatchSuffix()
		if err != nil {
			return nil, err
		}
		return InfoKeyField{Key: key, Match: m}, nil
	case p.isIdent("entitlement"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		key, err := p.parseBracketedKey()
		if err != nil {
			return nil, err
		}
		m, err := p.parseMatchSuffix()
		if err != nil {
			return nil, err
		}
		return EntitlementField{Key: key, Match: m}, nil
	default:
		return nil, fmt.Errorf("requirement: unexpected token %v", p.tok)
	}
}

func (p *parser) parseAnchor() (Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch {
	case p.isIdent("apple"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isIdent("generic") {
			return AppleGenericAnchor{}, p.advance()
		}
		return AppleAnchor{}, nil
	case p.isIdent("trusted"):
		return TrustedCerts{}, p.advance()
	case p.tok.kind == tEquals:
		if err := p.advance(); err != nil {
			return nil, err
		}
		h, err := p.expectHex()
		if err != nil {
			return nil, err
		}
		return AnchorHash{Slot: AnchorCert, Digest: h}, nil
	case p.tok.kind == tNumber:
		slot, _ := strconv.Atoi(p.tok.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(tEquals, "="); err != nil {
			return nil, err
		}
		h, err := p.expectHex()
		if err != nil {
			return nil, err
		}
		return AnchorHash{Slot: int32(slot), Digest: h}, nil
	case p.tok.kind == tString:
		name := p.tok.text
		return NamedAnchor{Name: name}, p.advance()
	default:
		return nil, fmt.Errorf("requirement: malformed anchor expression near %v", p.tok)
	}
}

func (p *parser) parseCertSlot() (Expr, error) {
	var slot int32
	switch {
	case p.isIdent("leaf"):
		slot = LeafCert
		if err := p.advance(); err != nil {
			return nil, err
		}
	case p.isIdent("root"):
		slot = AnchorCert
		if err := p.advance(); err != nil {
			return nil, err
		}
	case p.isIdent("certificate"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch {
		case p.isIdent("leaf"):
			slot = LeafCert
			if err := p.advance(); err != nil {
				return nil, err
			}
		case p.isIdent("root"):
			slot = AnchorCert
			if err := p.advance(); err != nil {
				return nil, err
			}
		case p.tok.kind == tNumber:
			n, _ := strconv.Atoi(p.tok.text)
			slot = int32(n)
			if err := p.advance(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("requirement: expected certificate slot, got %v", p.tok)
		}
	}

	switch {
	case p.isIdent("trusted"):
		return TrustedCert{Slot: slot}, p.advance()
	case p.tok.kind == tEquals:
		if err := p.advance(); err != nil {
			return nil, err
		}
		h, err := p.expectHex()
		if err != nil {
			return nil, err
		}
		return AnchorHash{Slot: slot, Digest: h}, nil
	case p.tok.kind == tLBracket:
		key, err := p.parseBracketedKey()
		if err != nil {
			return nil, err
		}
		m, err := p.parseMatchSuffix()
		if err != nil {
			return nil, err
		}
		switch {
		case len(key) > len("field.") && key[:len("field.")] == "field.":
			return CertGeneric{Slot: slot, OID: key[len("field."):], Match: m}, nil
		case len(key) > len("policy.") && key[:len("policy.")] == "policy.":
			return CertPolicy{Slot: slot, OID: key[len("policy."):], Match: m}, nil
		default:
			return CertField{Slot: slot, Key: key, Match: m}, nil
		}
	default:
		return nil, fmt.Errorf("requirement: expected 'trusted', '=' or '[' after certificate slot, got %v", p.tok)
	}
}

func (p *parser) parseBracketedKey() (string, error) {
	if err := p.expect(tLBracket, "["); err != nil {
		return "", err
	}
	if p.tok.kind != tIdent && p.tok.kind != tString {
		return "", fmt.Errorf("requirement: expected key inside [...], got %v", p.tok)
	}
	key := p.tok.text
	for {
		if err := p.advance(); err != nil {
			return "", err
		}
		if p.tok.kind == tDot {
			key += "."
			if err := p.advance(); err != nil {
				return "", err
			}
			if p.tok.kind != tIdent && p.tok.kind != tNumber {
				return "", fmt.Errorf("requirement: malformed dotted key near %v", p.tok)
			}
			key += p.tok.text
			continue
		}
		break
	}
	if err := p.expect(tRBracket, "]"); err != nil {
		return "", err
	}
	return key, nil
}

// parseMatchSuffix parses the optional match suffix after a bracketed
// field reference; absence means MatchExists (spec §4.3).
func (p *parser) parseMatchSuffix() (Match, error) {
	switch p.tok.kind {
	case tEquals:
		if err := p.advance(); err != nil {
			return Match{}, err
		}
		return p.parseEqualsValue()
	case tTilde:
		if err := p.advance(); err != nil {
			return Match{}, err
		}
		v, err := p.expectStringOrIdent()
		if err != nil {
			return Match{}, err
		}
		return Match{Op: MatchContains, Value: []byte(v)}, nil
	case tLess:
		if err := p.advance(); err != nil {
			return Match{}, err
		}
		v, err := p.expectStringOrIdent()
		if err != nil {
			return Match{}, err
		}
		return Match{Op: MatchLessThan, Value: []byte(v)}, nil
	case tGreater:
		if err := p.advance(); err != nil {
			return Match{}, err
		}
		v, err := p.expectStringOrIdent()
		if err != nil {
			return Match{}, err
		}
		return Match{Op: MatchGreaterThan, Value: []byte(v)}, nil
	case tLessEq:
		if err := p.advance(); err != nil {
			return Match{}, err
		}
		v, err := p.expectStringOrIdent()
		if err != nil {
			return Match{}, err
		}
		return Match{Op: MatchLessEqual, Value: []byte(v)}, nil
	case tGreaterEq:
		if err := p.advance(); err != nil {
			return Match{}, err
		}
		v, err := p.expectStringOrIdent()
		if err != nil {
			return Match{}, err
		}
		return Match{Op: MatchGreaterEqual, Value: []byte(v)}, nil
	default:
		return Match{Op: MatchExists}, nil
	}
}

func (p *parser) parseEqualsValue() (Match, error) {
	if p.tok.kind == tStar {
		if err := p.advance(); err != nil {
			return Match{}, err
		}
		v, err := p.expectStringOrIdent()
		if err != nil {
			return Match{}, err
		}
		if p.tok.kind == tStar {
			if err := p.advance(); err != nil {
				return Match{}, err
			}
			return Match{Op: MatchContains, Value: []byte(v)}, nil
		}
		return Match{Op: MatchEndsWith, Value: []byte(v)}, nil
	}
	v, err := p.expectStringOrIdent()
	if err != nil {
		return Match{}, err
	}
	if p.tok.kind == tStar {
		if err := p.advance(); err != nil {
			return Match{}, err
		}
		return Match{Op: MatchBeginsWith, Value: []byte(v)}, nil
	}
	return Match{Op: MatchEqual, Value: []byte(v)}, nil
}

func (p *parser) expectString() (string, error) {
	if p.tok.kind != tString {
		return "", fmt.Errorf("requirement: expected quoted string, got %v", p.tok)
	}
	s := p.tok.text
	return s, p.advance()
}

func (p *parser) expectStringOrIdent() (string, error) {
	if p.tok.kind != tString && p.tok.kind != tIdent && p.tok.kind != tNumber {
		return "", fmt.Errorf("requirement: expected value, got %v", p.tok)
	}
	s := p.tok.text
	return s, p.advance()
}

func (p *parser) expectHex() ([]byte, error) {
	if p.tok.kind != tHex {
		return nil, fmt.Errorf(`requirement: expected hex literal H"...", got %v`, p.tok)
	}
	data, err := hex.DecodeString(p.tok.text)
	if err != nil {
		return nil, err
	}
	return data, p.advance()
}

package requirement

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// syntax level controls parenthesization: `and` binds tighter than `or`,
// and `!` tightest of all, mirroring original_source's reqinterp.cpp
// evalExpression precedence levels (slPrimary < slAnd < slOr < slTop).
type syntaxLevel int

const (
	slPrimary syntaxLevel = iota
	slAnd
	slOr
	slTop
)

// Decompile renders e as the canonical textual form such that
// Parse(Decompile(r)) == r modulo whitespace (spec §4.3 "Decompiler").
func Decompile(e Expr) string {
	return decompile(e, slTop)
}

func decompile(e Expr, level syntaxLevel) string {
	switch v := e.(type) {
	case False:
		return "never"
	case True:
		return "always"
	case Ident:
		return fmt.Sprintf("identifier \"%s\"", strings.ReplaceAll(v.Value, `"`, `\"`))
	case AppleAnchor:
		return "anchor apple"
	case AppleGenericAnchor:
		return "anchor apple generic"
	case AnchorHash:
		return fmt.Sprintf("%s = %s", certSlotName(v.Slot), hexLiteral(v.Digest))
	case CDHash:
		return fmt.Sprintf("cdhash %s", hexLiteral(v.Digest))
	case InfoKeyValue:
		return fmt.Sprintf("info[%s] = %s", quote(v.Key), quote(v.Value))
	case Not:
		return paren(fmt.Sprintf("! %s", decompile(v.X, slPrimary)), level, slPrimary, slPrimary)
	case And:
		s := fmt.Sprintf("%s and %s", decompile(v.Left, slAnd), decompile(v.Right, slAnd))
		return paren(s, level, slAnd, slAnd)
	case Or:
		s := fmt.Sprintf("%s or %s", decompile(v.Left, slOr), decompile(v.Right, slOr))
		return paren(s, level, slOr, slOr)
	case InfoKeyField:
		return fmt.Sprintf("info[%s]%s", quote(v.Key), matchSuffix(v.Match))
	case EntitlementField:
		return fmt.Sprintf("entitlement[%s]%s", quote(v.Key), matchSuffix(v.Match))
	case CertField:
		return fmt.Sprintf("%s[%s]%s", certSlotName(v.Slot), quote(v.Key), matchSuffix(v.Match))
	case TrustedCert:
		return fmt.Sprintf("%s trusted", certSlotName(v.Slot))
	case TrustedCerts:
		return "anchor trusted"
	case CertGeneric:
		return fmt.Sprintf("%s[field.%s]%s", certSlotName(v.Slot), v.OID, matchSuffix(v.Match))
	case CertPolicy:
		return fmt.Sprintf("%s[policy.%s]%s", certSlotName(v.Slot), v.OID, matchSuffix(v.Match))
	case NamedAnchor:
		return fmt.Sprintf("anchor \"%s\"", strings.ReplaceAll(v.Name, `"`, `\"`))
	case NamedCode:
		return quote(v.Name)
	case Unknown:
		flag := "opGenericFalse"
		if v.Skip {
			flag = "opGenericSkip"
		}
		return fmt.Sprintf("/* unrecognized opcode %s (%s) */", v.Op, flag)
	default:
		return fmt.Sprintf("/* unknown node %T */", e)
	}
}

func paren(s string, outer, mine, needsParenAbove syntaxLevel) string {
	if outer < mine {
		return "(" + s + ")"
	}
	return s
}

func certSlotName(slot int32) string {
	switch slot {
	case LeafCert:
		return "leaf"
	case AnchorCert:
		return "anchor"
	default:
		return fmt.Sprintf("certificate %d", slot)
	}
}

func matchSuffix(m Match) string {
	switch m.Op {
	case MatchExists:
		return " /* exists */"
	case MatchEqual:
		return fmt.Sprintf(" = %s", quote(string(m.Value)))
	case MatchContains:
		return fmt.Sprintf(" = *%s*", string(m.Value))
	case MatchBeginsWith:
		return fmt.Sprintf(" = %s*", string(m.Value))
	case MatchEndsWith:
		return fmt.Sprintf(" = *%s", string(m.Value))
	case MatchLessThan:
		return fmt.Sprintf(" < %s", quote(string(m.Value)))
	case MatchGreaterThan:
		return fmt.Sprintf(" > %s", quote(string(m.Value)))
	case MatchLessEqual:
		return fmt.Sprintf(" <= %s", quote(string(m.Value)))
	case MatchGreaterEqual:
		return fmt.Sprintf(" >= %s", quote(string(m.Value)))
	default:
		return ""
	}
}

func hexLiteral(data []byte) string {
	return fmt.Sprintf("H\"%s\"", hex.EncodeToString(data))
}

func quote(s string) string {
	if isBareIdent(s) {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func isBareIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '.' || r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

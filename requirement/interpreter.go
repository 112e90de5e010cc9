package requirement

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"strings"

	"github.com/blacktop/go-codesign/cserr"
)

// Context is the EvaluationContext of spec §3: an ordered certificate
// chain (leaf first), optional Info.plist and entitlements dictionaries,
// the code's identifier, and the raw CodeDirectory bytes (for CDHash).
type Context struct {
	Certs           []*x509.Certificate // index 0 = leaf; AnchorCert (-1) = last element
	Info            map[string]any
	Entitlements    map[string]any
	Identifier      string
	CodeDirectory   []byte
	TrustedCertFunc func(cert *x509.Certificate) bool // nil => no certs are "trusted" via system trust settings
}

// cert resolves a certificate-slot index per spec §4.3: non-negative
// slots count from the leaf (0 = leaf), negative slots count from the
// anchor (-1 = anchor/root, -2 = second certificate from the anchor,
// and so on), matching reqinterp.cpp's cert() helper.
func (c *Context) cert(slot int32) *x509.Certificate {
	if len(c.Certs) == 0 {
		return nil
	}
	if slot < 0 {
		idx := len(c.Certs) + int(slot)
		if idx < 0 || idx >= len(c.Certs) {
			return nil
		}
		return c.Certs[idx]
	}
	if int(slot) >= len(c.Certs) {
		return nil
	}
	return c.Certs[slot]
}

// appleIntermediateCN/O are the hardcoded strings reqinterp.cpp's
// appleSigned() checks for on the chain's intermediate certificate.
const (
	appleIntermediateCN = "Apple Code Signing Certification Authority"
	appleIntermediateO  = "Apple Inc."
)

// AppleAnchorSHA1 is the canonical Apple root CA's certificate hash, the
// hard-coded 20-byte constant referenced by spec §4.8 and by
// original_source's lib/requirement.h (appleAnchorHash()).
var AppleAnchorSHA1 = [sha1.Size]byte{
	0x61, 0x1e, 0x5b, 0x66, 0x2c, 0x59, 0x3a, 0x08, 0xff, 0x58,
	0xd1, 0x4a, 0xe2, 0x24, 0x52, 0xd1, 0x98, 0xdf, 0x6c, 0x60,
}

func (c *Context) anchoredAtApple() bool {
	anchor := c.cert(AnchorCert)
	if anchor == nil {
		return false
	}
	return sha1.Sum(anchor.Raw) == AppleAnchorSHA1
}

// appleSigned additionally requires the chain carry an intermediate with
// the Apple Code Signing CN/O, matching reqinterp.cpp's AppleAnchor
// evaluation (stricter than AppleGenericAnchor).
func (c *Context) appleSigned() bool {
	if !c.anchoredAtApple() {
		return false
	}
	for _, cert := range c.Certs {
		if cert.Subject.CommonName == appleIntermediateCN && hasOrg(cert.Subject, appleIntermediateO) {
			return true
		}
	}
	return false
}

func hasOrg(name pkix.Name, org string) bool {
	for _, o := range name.Organization {
		if o == org {
			return true
		}
	}
	return false
}

// Eval evaluates a parsed Expr against ctx, returning (true, nil) or
// (false, nil) on a clean boolean result, or an error for malformed or
// unsupported bytecode (spec §4.3 "Interpreter semantics").
func Eval(e Expr, ctx *Context) (bool, error) {
	switch v := e.(type) {
	case False:
		return false, nil
	case True:
		return true, nil
	case Not:
		r, err := Eval(v.X, ctx)
		if err != nil {
			return false, err
		}
		return !r, nil
	case And:
		l, err := Eval(v.Left, ctx)
		if err != nil {
			return false, err
		}
		if !l {
			return false, nil
		}
		return Eval(v.Right, ctx)
	case Or:
		l, err := Eval(v.Left, ctx)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return Eval(v.Right, ctx)
	case Ident:
		return ctx.Identifier == v.Value, nil
	case AppleAnchor:
		return ctx.appleSigned(), nil
	case AppleGenericAnchor:
		return ctx.anchoredAtApple(), nil
	case AnchorHash:
		cert := ctx.cert(v.Slot)
		if cert == nil {
			return false, nil
		}
		return bytes.Equal(sha1Digest(cert.Raw), v.Digest), nil
	case CDHash:
		return bytes.Equal(sha1Digest(ctx.CodeDirectory), v.Digest), nil
	case InfoKeyValue:
		val, ok := ctx.Info[v.Key]
		if !ok {
			return false, nil
		}
		s, ok := val.(string)
		return ok && s == v.Value, nil
	case InfoKeyField:
		return matchValue(v.Match, ctx.Info[v.Key]), nil
	case EntitlementField:
		return matchValue(v.Match, ctx.Entitlements[v.Key]), nil
	case CertField:
		cert := ctx.cert(v.Slot)
		if cert == nil {
			return false, nil
		}
		return matchValue(v.Match, certField(cert, v.Key)), nil
	case TrustedCert:
		cert := ctx.cert(v.Slot)
		return cert != nil && ctx.TrustedCertFunc != nil && ctx.TrustedCertFunc(cert), nil
	case TrustedCerts:
		if ctx.TrustedCertFunc == nil {
			return false, nil
		}
		for _, cert := range ctx.Certs {
			if ctx.TrustedCertFunc(cert) {
				return true, nil
			}
		}
		return false, nil
	case CertGeneric:
		cert := ctx.cert(v.Slot)
		if cert == nil {
			return false, nil
		}
		return matchValue(v.Match, extensionValue(cert, v.OID)), nil
	case CertPolicy:
		cert := ctx.cert(v.Slot)
		if cert == nil {
			return false, nil
		}
		return matchValue(v.Match, policyPresent(cert, v.OID)), nil
	case NamedAnchor, NamedCode:
		// No fragment bundle ships with this module (spec §9 Open
		// Questions, third bullet): named external sub-requirements
		// always report unsupported rather than attempting a lookup.
		return false, cserr.New(cserr.ReqUnsupported, nil)
	case Unknown:
		if v.Skip {
			return true, nil
		}
		return false, nil
	default:
		return false, cserr.Newf(cserr.ReqUnsupported, "requirement: eval: unhandled node %T", e)
	}
}

// matchValue interprets val against m the way reqinterp.cpp's match()
// does: arrays match if any element matches (recursively); exists
// matches anything other than absent or boolean false; strings support
// equality/substring/inequality; non-string, non-array values only
// satisfy MatchExists.
func matchValue(m Match, val any) bool {
	if m.Op == MatchExists {
		if val == nil {
			return false
		}
		if b, ok := val.(bool); ok {
			return b
		}
		return true
	}
	switch t := val.(type) {
	case nil:
		return false
	case []any:
		for _, elem := range t {
			if matchValue(m, elem) {
				return true
			}
		}
		return false
	case string:
		return matchString(m, t)
	default:
		return false
	}
}

func matchString(m Match, s string) bool {
	want := string(m.Value)
	switch m.Op {
	case MatchEqual:
		return s == want
	case MatchContains:
		return strings.Contains(s, want)
	case MatchBeginsWith:
		return strings.HasPrefix(s, want)
	case MatchEndsWith:
		return strings.HasSuffix(s, want)
	case MatchLessThan:
		return s < want
	case MatchGreaterThan:
		return s > want
	case MatchLessEqual:
		return s <= want
	case MatchGreaterEqual:
		return s >= want
	default:
		return false
	}
}

func certField(cert *x509.Certificate, key string) string {
	switch key {
	case "subject.CN":
		return cert.Subject.CommonName
	case "subject.C":
		return first(cert.Subject.Country)
	case "subject.D":
		return first(cert.Subject.Province)
	case "subject.L":
		return first(cert.Subject.Locality)
	case "subject.O":
		return first(cert.Subject.Organization)
	case "subject.OU":
		return first(cert.Subject.OrganizationalUnit)
	case "email":
		return first(cert.EmailAddresses)
	default:
		return ""
	}
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func extensionValue(cert *x509.Certificate, oid string) any {
	want, err := parseOID(oid)
	if err != nil {
		return nil
	}
	for _, ext := range cert.Extensions {
		if want.Equal(ext.Id) {
			return string(ext.Value)
		}
	}
	return nil
}

func policyPresent(cert *x509.Certificate, oid string) any {
	want, err := parseOID(oid)
	if err != nil {
		return nil
	}
	for _, ext := range cert.Extensions {
		if want.Equal(ext.Id) {
			return true
		}
	}
	return nil
}

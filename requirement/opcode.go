// Package requirement implements the code requirement language: the
// typed expression language over certificate chains, Info.plist entries,
// entitlements and identifiers described in spec §4.3. It provides the
// bytecode type, a textual-grammar parser, a bytecode assembler
// ("Maker"), an interpreter, and a decompiler back to canonical text.
//
// Grounded on github.com/blacktop/go-codesign's
// pkg/codesign/types/requirement.go for the opcode/match enums and blob
// shape, and on original_source's lib/requirement.h, lib/reqinterp.cpp,
// lib/reqmaker.cpp and lib/reqparser.cpp for interpreter and compiler
// semantics the teacher never implements (the teacher only decompiles).
package requirement

import "fmt"

// Op is a requirement bytecode opcode. The low byte is the opcode value;
// the top byte carries forward-compatibility flags (spec §4.3
// "Unknown-opcode policy").
type Op uint32

const (
	OpFlagMask    Op = 0xFF000000
	OpGenericFalse Op = 0x80000000
	OpGenericSkip  Op = 0x40000000
)

const (
	OpFalse Op = iota
	OpTrue
	OpIdent
	OpAppleAnchor
	opReserved4 // historical placeholder, never emitted
	OpAnchorHash
	OpInfoKeyValue
	OpAnd
	OpOr
	OpCDHash
	OpNot
	OpInfoKeyField
	OpCertField
	OpTrustedCert
	OpTrustedCerts
	OpCertGeneric
	OpAppleGenericAnchor
	OpEntitlementField
	OpCertPolicy
	OpNamedAnchor
	OpNamedCode
	opCount
)

var opNames = [...]string{
	"False", "True", "Ident", "AppleAnchor", "reserved4", "AnchorHash",
	"InfoKeyValue", "And", "Or", "CDHash", "Not", "InfoKeyField",
	"CertField", "TrustedCert", "TrustedCerts", "CertGeneric",
	"AppleGenericAnchor", "EntitlementField", "CertPolicy", "NamedAnchor",
	"NamedCode",
}

// Value returns the opcode with flag bits masked off.
func (o Op) Value() Op { return o &^ (OpFlagMask) }

func (o Op) String() string {
	v := o.Value()
	if int(v) < len(opNames) {
		return opNames[v]
	}
	return fmt.Sprintf("op(%#x)", uint32(o))
}

// MatchOp is the operand of an xKeyField-style predicate.
type MatchOp uint32

const (
	MatchExists MatchOp = iota
	MatchEqual
	MatchContains
	MatchBeginsWith
	MatchEndsWith
	MatchLessThan
	MatchGreaterThan
	MatchLessEqual
	MatchGreaterEqual
)

var matchNames = [...]string{
	"exists", "=", "~", "=*", "*=", "<", ">", "<=", ">=",
}

func (m MatchOp) String() string {
	if int(m) < len(matchNames) {
		return matchNames[m]
	}
	return fmt.Sprintf("match(%d)", uint32(m))
}

// Certificate slot aliases, spec §4.3 "Certificate slot indices".
const (
	LeafCert   int32 = 0
	AnchorCert int32 = -1
)

// Kind of a Requirement blob payload; exprForm is the only kind this
// implementation (or the original) ever produces.
type Kind uint32

const ExprForm Kind = 1

// RequirementType keys a RequirementSet (spec §3).
type RequirementType uint32

const (
	HostRequirementType       RequirementType = 1
	GuestRequirementType      RequirementType = 2
	DesignatedRequirementType RequirementType = 3
	LibraryRequirementType    RequirementType = 4
	PluginRequirementType     RequirementType = 5
)

func (t RequirementType) String() string {
	switch t {
	case HostRequirementType:
		return "host"
	case GuestRequirementType:
		return "guest"
	case DesignatedRequirementType:
		return "designated"
	case LibraryRequirementType:
		return "library"
	case PluginRequirementType:
		return "plugin"
	default:
		return fmt.Sprintf("requirementType(%d)", uint32(t))
	}
}

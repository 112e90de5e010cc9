// Package signer implements the signing pipeline of spec §4.6: resolve a
// DiskRep, build per-architecture CodeDirectories, reserve signature
// space in the Mach-O image, finalize and assemble the embedded
// signature SuperBlob, and commit the result. Grounded on
// original_source's lib/signer.cpp / lib/signerutils.cpp for the
// pipeline shape, with this module's diskrep, codedirectory, requirement,
// resources and cms packages supplying each step.
package signer

import (
	"io"
	"time"

	"github.com/blacktop/go-codesign/cms"
	"github.com/blacktop/go-codesign/codedirectory"
	"github.com/blacktop/go-codesign/requirement"
)

// Config is the signing operation's input, mirroring spec §4.6's option
// table.
type Config struct {
	// Identity signs the finished CodeDirectory. Nil selects cms.AdHoc,
	// the "explicit null sentinel = ad-hoc" signer identity spec §4.6
	// calls for.
	Identity cms.Signer

	Identifier       string // overrides the DiskRep/Info.plist default
	IdentifierPrefix string // prepended iff the default identifier lacks a dot

	CDFlags  uint32
	HashType codedirectory.HashType
	PageSize uint32 // 0 selects the DiskRep's own default

	ResourceRules map[string]any // nil selects this package's defaultResourceRules

	Requirements requirement.Set
	Entitlements []byte

	// SigningTime is embedded as the CMS signing time. The zero Time
	// means "use time.Now()"; use NoSigningTime to omit it entirely
	// (matches spec's "null sentinel = omit" option).
	SigningTime time.Time

	// DetachedSink, if non-nil, receives the finished DetachedSignature
	// SuperBlob instead of the signature being written back into the
	// target. Matches spec §4.6's "detached output sink".
	DetachedSink io.Writer

	Remove bool // strip any existing signature instead of signing
	DryRun bool // compute everything but write nothing back

	// CMSSizeEstimate, when positive, is the largest CMS blob Sign
	// accepts: Sign fails with cserr.CMSTooLarge if the signer
	// identity's actual output exceeds it. It does not size the
	// signature region; the allocate pass runs after signing and
	// reserves exactly the assembled SuperBlob's length.
	CMSSizeEstimate int
}

// NoSigningTime is a distinguishable non-zero sentinel for "omit the
// signing time entirely", since Config.SigningTime's zero value already
// means "use time.Now()".
var NoSigningTime = time.Unix(0, 1)

func (c *Config) hashType() codedirectory.HashType {
	if c.HashType == codedirectory.HashNone {
		return codedirectory.HashSHA256
	}
	return c.HashType
}

func (c *Config) identity() cms.Signer {
	if c.Identity == nil {
		return cms.AdHoc{}
	}
	return c.Identity
}

func (c *Config) signingTime() (time.Time, bool) {
	switch {
	case c.SigningTime.Equal(NoSigningTime):
		return time.Time{}, false
	case c.SigningTime.IsZero():
		return time.Now(), true
	default:
		return c.SigningTime, true
	}
}

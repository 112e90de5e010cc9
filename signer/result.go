package signer

import "github.com/blacktop/go-codesign/codedirectory"

// Result reports what a successful Sign produced, per spec §4.6's
// "signing operation ... reports the cdhash and, for detached signing,
// the detached blob" contract.
type Result struct {
	CDHash [20]byte

	// Directory is the CodeDirectory that was built and embedded (or, in
	// detached mode, embedded in DetachedSignature instead of the target).
	Directory *codedirectory.Directory

	// EmbeddedSignature is the assembled SuperBlob that was written into
	// the target's LC_CODE_SIGNATURE region, or nil in detached mode.
	EmbeddedSignature []byte

	// DetachedSignature is the assembled SuperBlob written to
	// Config.DetachedSink, or nil when signing embedded.
	DetachedSignature []byte

	// Removed is true when Config.Remove stripped a signature instead of
	// creating one.
	Removed bool
}

// Package cserr defines the error taxonomy shared by every layer of the
// code-signing pipeline: blob parsing, requirement evaluation, resource
// sealing, signing and static verification all fail through the same
// small set of kinds so a caller can switch on cause without caring which
// package raised it.
package cserr

import "fmt"

// Kind identifies the category of a code-signing failure.
type Kind int

const (
	InvalidObjectRef Kind = iota
	ObjectRequired
	InvalidFlags
	Unsigned
	SignatureInvalid
	SignatureUnsupported
	SignatureFailed
	ReqInvalid
	ReqUnsupported
	ReqFailed
	ResourcesInvalid
	ResourcesNotSealed
	ResourcesNotFound
	BadResource
	CMSTooLarge
	HostProtocolStateError
	NoSuchCode
	InternalError
)

var kindNames = map[Kind]string{
	InvalidObjectRef:       "invalidObjectRef",
	ObjectRequired:         "objectRequired",
	InvalidFlags:           "invalidFlags",
	Unsigned:               "unsigned",
	SignatureInvalid:       "signatureInvalid",
	SignatureUnsupported:   "signatureUnsupported",
	SignatureFailed:        "signatureFailed",
	ReqInvalid:             "reqInvalid",
	ReqUnsupported:         "reqUnsupported",
	ReqFailed:              "reqFailed",
	ResourcesInvalid:       "resourcesInvalid",
	ResourcesNotSealed:     "resourcesNotSealed",
	ResourcesNotFound:      "resourcesNotFound",
	BadResource:            "badResource",
	CMSTooLarge:            "CMSTooLarge",
	HostProtocolStateError: "hostProtocolStateError",
	NoSuchCode:             "noSuchCode",
	InternalError:          "internalError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is a code-signing failure: a stable Kind, an optional wrapped
// cause, and a detail dictionary for auxiliary context (arch, path,
// slot, added/missing/altered lists, ...).
type Error struct {
	Kind    Kind
	Cause   error
	Detail  map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, cserr.New(cserr.SignatureFailed, nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error with no detail.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf constructs an Error wrapping a formatted cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// WithDetail attaches detail key/value pairs and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

package requirement

// Builder assembles Expr trees the way original_source's
// lib/reqmaker.cpp's Requirement::Maker does, via named constructors
// instead of raw opcode pokes. Because this implementation represents a
// requirement as a tree rather than reqmaker.cpp's flat growable buffer,
// "insert a prefix operator" (reqmaker.cpp's insert(label, nbytes), used
// to wrap a finished expression in a new And/Or) is just wrapping the
// root node — no buffer splicing or length patch-up is needed.
type Builder struct{}

// Anchor builds the canonical "anchor apple" predicate.
func (Builder) Anchor() Expr { return AppleAnchor{} }

// AnchorGeneric builds "anchor apple generic".
func (Builder) AnchorGeneric() Expr { return AppleGenericAnchor{} }

// AnchorDigest builds an exact cert-hash predicate for the given slot,
// computing the SHA-1 digest of the certificate's DER encoding itself
// (reqmaker.cpp's anchor(slot, cert, length) overload).
func (Builder) AnchorDigest(slot int32, certDER []byte) Expr {
	return AnchorHash{Slot: slot, Digest: sha1Digest(certDER)}
}

// TrustedAnchor builds "anchor trusted" (no slot) or "<slot> trusted".
func (Builder) TrustedAnchor() Expr                  { return TrustedCerts{} }
func (Builder) TrustedAnchorSlot(slot int32) Expr     { return TrustedCert{Slot: slot} }

// Ident builds the "identifier <s>" predicate.
func (Builder) Ident(id string) Expr { return Ident{Value: id} }

// CDHash builds the "cdhash H"..."" predicate.
func (Builder) CDHash(digest []byte) Expr { return CDHash{Digest: digest} }

// Copy embeds an already-built sub-requirement verbatim, mirroring
// reqmaker.cpp's copy(req): the embedded requirement must itself be
// exprForm, since nothing else is representable as a sub-expression.
func (Builder) Copy(req *Requirement) (Expr, bool) {
	if req == nil || req.Kind != ExprForm {
		return nil, false
	}
	return req.Expr, true
}

// And/Or/Not mirror reqmaker.cpp's insert(label, ...) use: wrapping an
// already-built expression in a new boolean prefix operator.
func (Builder) And(a, b Expr) Expr { return And{Left: a, Right: b} }
func (Builder) Or(a, b Expr) Expr  { return Or{Left: a, Right: b} }
func (Builder) Not(a Expr) Expr    { return Not{X: a} }

// Make finalizes the expression as a self-contained Requirement.
func (Builder) Make(e Expr) *Requirement {
	return &Requirement{Kind: ExprForm, Expr: e}
}

package fsp

import "github.com/fileshare-project/fsp/fspcrypto"

// ApprovalOracle decides whether a peer identity absent from a
// KnownPeerStore should be trusted. Server consults it once per newly
// negotiated connection, only after KnownPeerStore.Contains has already
// said no; a true result records the identity in the store so future
// connections from the same uuid/key skip the oracle entirely.
type ApprovalOracle interface {
	Approve(identity fspcrypto.Identity) bool
}

// OracleFunc adapts a plain function to ApprovalOracle.
type OracleFunc func(fspcrypto.Identity) bool

// Approve calls f.
func (f OracleFunc) Approve(identity fspcrypto.Identity) bool { return f(identity) }

// RejectAll never trusts an unknown peer. It is the safe default for a
// Server whose peers are expected to be pre-provisioned into its
// KnownPeerStore out of band.
var RejectAll ApprovalOracle = OracleFunc(func(fspcrypto.Identity) bool { return false })

// Package fsp wires the protocol layers (wire, queue, vfs, transfer, peer)
// into a running file-sharing node: a Server that bootstraps a device's TLS
// identity, accepts and authenticates incoming connections, gates them
// against a KnownPeerStore/ApprovalOracle, and surfaces both new peers and
// their requests as a single pulled Event stream, plus an outbound Connect
// for dialing other peers.
package fsp

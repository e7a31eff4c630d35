// Package message owns the protocol message model.
//
// Ownership boundary:
// - protocol, kind and identity identifiers
// - routing metadata and channel provenance
// - reception-channel shapes checked before a step may run
// - outgoing targets and the wire envelope
package message

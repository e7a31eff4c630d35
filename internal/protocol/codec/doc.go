// Package codec owns the binary value encoding shared by every protocol
// message and persisted engine record.
//
// Ownership boundary:
// - value tags and the 5-byte element header
// - exact and padded element decoding
// - packs (lists and dictionaries)
// - typed conversion to and from Go values
package codec

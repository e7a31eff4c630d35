// Package identity holds the identities a node owns and the key material
// behind them. An identity is the codec encoding of its public record, so any
// peer can verify signatures and agree keys from the identity bytes alone.
package identity

// Package store owns the protocol instance registry and its unit of work.
//
// Ownership boundary:
// - instance, link, pending-message, processed-marker and outbox records
// - the key layout shared by every backend
// - the transactional contract used by the coordinator
// - the in-memory backend
//
// Durable backends live in subpackages and only provide a KV transaction.
package store

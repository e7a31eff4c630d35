// Package badgerstore is the durable registry backend on badger/v4.
//
// Ownership boundary:
// - badger lifecycle and value-log GC
// - mapping badger transactions onto store.KV
package badgerstore

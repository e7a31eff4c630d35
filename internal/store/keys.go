package store

import (
	"encoding/binary"

	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Key layout, where owner is the SHA3-256 digest of the owning identity and
// receipt is message.Message.ReceiptID:
//
//	i/<owner:32><protocol:8><instance:16>                 instance record
//	p/<owner:32><protocol:8><instance:16><receipt:16>     pending message
//	d/<receipt:16>                                        processed marker
//	l/<owner:32><protocol:8><instance:16>                 parent link
//	o/<created:8><entry:16>                               outbox entry
var (
	PrefixInstance  = []byte("i/")
	PrefixPending   = []byte("p/")
	PrefixProcessed = []byte("d/")
	PrefixLink      = []byte("l/")
	PrefixOutbox    = []byte("o/")
)

func appendInstanceKey(dst []byte, k message.InstanceKey) []byte {
	owner := sha3.Sum256(k.Owner.Bytes())
	dst = append(dst, owner[:]...)
	var proto [8]byte
	binary.BigEndian.PutUint64(proto[:], uint64(int64(k.Protocol)))
	dst = append(dst, proto[:]...)
	return append(dst, k.Instance[:]...)
}

func instanceKey(k message.InstanceKey) []byte {
	return appendInstanceKey(append([]byte{}, PrefixInstance...), k)
}

func pendingPrefix(k message.InstanceKey) []byte {
	return appendInstanceKey(append([]byte{}, PrefixPending...), k)
}

func pendingKey(k message.InstanceKey, receipt uuid.UUID) []byte {
	return append(pendingPrefix(k), receipt[:]...)
}

func processedKey(receipt uuid.UUID) []byte {
	return append(append([]byte{}, PrefixProcessed...), receipt[:]...)
}

func linkKey(child message.InstanceKey) []byte {
	return appendInstanceKey(append([]byte{}, PrefixLink...), child)
}

func outboxKey(e OutboxEntry) []byte {
	var created [8]byte
	binary.BigEndian.PutUint64(created[:], uint64(nanos(e.Created)))
	key := append(append([]byte{}, PrefixOutbox...), created[:]...)
	return append(key, e.ID[:]...)
}

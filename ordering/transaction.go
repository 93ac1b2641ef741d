package ordering

import (
	"crypto/sha256"
)

// Transaction is a single client-submitted command sequence,
// identified by its reduced hash.
type Transaction struct {
	// Hash is the reduced hash of the transaction payload,
	// raw sha256 bytes stored as a string so it can key maps.
	Hash string

	// CreatedAt is the creator-reported creation time in unix milliseconds.
	CreatedAt int64

	Payload []byte
}

// Signature is one party's signature over a batch,
// keyed by the signing public key.
type Signature struct {
	PublicKey string
	Signature []byte
}

// TransactionBatch is one or more transactions submitted and ordered
// together atomically.
//
// Identity is the reduced batch hash computed over the member transaction
// hashes at construction; it never changes afterwards.
// The only permitted mutation is merging in signatures that are not
// already present.
type TransactionBatch struct {
	reducedHash string
	txs         []Transaction

	quorum int
	sigs   map[string]Signature
}

// NewTransactionBatch builds a batch over txs requiring quorum signatures
// before the batch becomes eligible for ordering.
// A quorum of 1 or less means the batch is ready as soon as any
// signature is attached.
func NewTransactionBatch(txs []Transaction, quorum int, sigs ...Signature) *TransactionBatch {
	b := &TransactionBatch{
		reducedHash: ReducedHash(txs),
		txs:         txs,
		quorum:      quorum,
		sigs:        make(map[string]Signature, len(sigs)),
	}
	for _, sig := range sigs {
		b.sigs[sig.PublicKey] = sig
	}
	return b
}

// ReducedHash computes the reduced batch hash over the reduced hashes
// of the given transactions, in order.
func ReducedHash(txs []Transaction) string {
	h := sha256.New()
	for _, tx := range txs {
		h.Write([]byte(tx.Hash))
	}
	return string(h.Sum(nil))
}

// ReducedBatchHash returns the identity hash of the batch.
func (b *TransactionBatch) ReducedBatchHash() string {
	return b.reducedHash
}

// Transactions returns the ordered member transactions.
// Callers must not modify the returned slice.
func (b *TransactionBatch) Transactions() []Transaction {
	return b.txs
}

// Size returns the number of transactions in the batch.
func (b *TransactionBatch) Size() int {
	return len(b.txs)
}

// HasAllSignatures reports whether the batch currently holds enough
// signatures to satisfy its quorum.
func (b *TransactionBatch) HasAllSignatures() bool {
	return len(b.sigs) >= b.quorum
}

// Signatures returns the currently attached signatures in unspecified order.
func (b *TransactionBatch) Signatures() []Signature {
	out := make([]Signature, 0, len(b.sigs))
	for _, sig := range b.sigs {
		out = append(out, sig)
	}
	return out
}

// MergeSignatures copies into b every signature of other that b does not
// already hold, and reports whether anything new was added.
// Merging a batch whose signatures are all present is a no-op.
func (b *TransactionBatch) MergeSignatures(other *TransactionBatch) bool {
	added := false
	for pk, sig := range other.sigs {
		if _, ok := b.sigs[pk]; ok {
			continue
		}
		b.sigs[pk] = sig
		added = true
	}
	return added
}

// ContainsAnyHash reports whether any member transaction's reduced hash
// is present in hashes.
func (b *TransactionBatch) ContainsAnyHash(hashes map[string]struct{}) bool {
	for _, tx := range b.txs {
		if _, ok := hashes[tx.Hash]; ok {
			return true
		}
	}
	return false
}

// OldestCreatedAt returns the smallest creation timestamp among the
// member transactions, or 0 for an empty batch.
func (b *TransactionBatch) OldestCreatedAt() int64 {
	if len(b.txs) == 0 {
		return 0
	}
	oldest := b.txs[0].CreatedAt
	for _, tx := range b.txs[1:] {
		if tx.CreatedAt < oldest {
			oldest = tx.CreatedAt
		}
	}
	return oldest
}

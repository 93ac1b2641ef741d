// Package operm generates the deterministic peer permutations that
// assign ordering-service roles per round.
//
// Every honest node must compute the identical permutation from the
// identical committed-block hash without further communication, so the
// algorithm is fully specified down to byte order; see [Generate].
package operm

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// ErrNoPeers is returned when a permutation over an empty peer list is
// requested. Role lookups index the permutation modulo its length, so
// an empty list must be rejected up front.
var ErrNoPeers = errors.New("operm: peer list is empty")

// Generate returns a permutation of the indices [0, n) seeded from the
// given bytes, normally a committed-block hash.
//
// The construction is a Fisher-Yates shuffle over an identity slice,
// from the highest index downward. The draw state starts as
// sha256(seed); each step i swaps positions i and
// j = LittleEndian-uint64(state[:8]) mod (i+1), then advances the
// state to sha256(state). Identical (seed, n) inputs yield the
// bit-identical permutation on every invocation and every
// implementation.
func Generate(seed []byte, n int) ([]int, error) {
	if n <= 0 {
		return nil, ErrNoPeers
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	state := sha256.Sum256(seed)
	for i := n - 1; i > 0; i-- {
		j := int(binary.LittleEndian.Uint64(state[:8]) % uint64(i+1))
		perm[i], perm[j] = perm[j], perm[i]
		state = sha256.Sum256(state[:])
	}
	return perm, nil
}

// Package obloom implements the fixed-size set summary exchanged with
// proposal requests, letting a remote peer answer "no new
// transactions" without re-sending full batch contents.
package obloom

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/spaolacci/murmur3"
)

const (
	// FilterBytes is the fixed serialized size of a filter.
	FilterBytes = 32 * 1024

	// FilterBits is the number of addressable bits.
	FilterBits = FilterBytes * 8

	// HashCount is the number of hash functions applied per element.
	HashCount = 7
)

// Filter is a bloom filter over transaction reduced hashes.
//
// The bit layout is fixed so independently built filters agree:
// element positions are derived by double hashing,
// index_i = (h1 + i*h2) mod FilterBits for i in [0, HashCount),
// where h1 and h2 are 64-bit murmur3 sums of the element with
// seeds 0 and 1. The wire form is the bit array as little-endian
// 64-bit words.
type Filter struct {
	bits *bitset.BitSet
}

// New returns an empty filter.
func New() *Filter {
	return &Filter{bits: bitset.New(FilterBits)}
}

// Add sets the positions of txHash.
func (f *Filter) Add(txHash string) {
	h1, h2 := sums(txHash)
	for i := uint64(0); i < HashCount; i++ {
		f.bits.Set(uint((h1 + i*h2) % FilterBits))
	}
}

// Test reports whether txHash may be present. False means definitely
// absent.
func (f *Filter) Test(txHash string) bool {
	h1, h2 := sums(txHash)
	for i := uint64(0); i < HashCount; i++ {
		if !f.bits.Test(uint((h1 + i*h2) % FilterBits)) {
			return false
		}
	}
	return true
}

// Bytes serializes the filter to its fixed wire size.
func (f *Filter) Bytes() []byte {
	words := f.bits.Bytes()
	out := make([]byte, FilterBytes)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// FromBytes restores a filter from its wire form.
func FromBytes(data []byte) (*Filter, error) {
	if len(data) != FilterBytes {
		return nil, fmt.Errorf("bloom filter must be %d bytes, got %d", FilterBytes, len(data))
	}
	words := make([]uint64, FilterBytes/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return &Filter{bits: bitset.From(words)}, nil
}

func sums(txHash string) (uint64, uint64) {
	h1 := murmur3.Sum64WithSeed([]byte(txHash), 0)
	h2 := murmur3.Sum64WithSeed([]byte(txHash), 1)
	return h1, h2
}

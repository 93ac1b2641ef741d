package operm_test

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperledger/iroha-sub005/ordering/operm"
)

func TestGenerate_IsPermutation(t *testing.T) {
	t.Parallel()

	seed := []byte("block hash bytes")
	perm, err := operm.Generate(seed, 17)
	require.NoError(t, err)
	require.Len(t, perm, 17)

	seen := make(map[int]bool)
	for _, idx := range perm {
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 17)
		require.False(t, seen[idx], "index %d repeated", idx)
		seen[idx] = true
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	t.Parallel()

	seed := []byte("identical seed")
	a, err := operm.Generate(seed, 31)
	require.NoError(t, err)
	b, err := operm.Generate(seed, 31)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

// TestGenerate_KnownAnswer pins the exact shuffle so any change to the
// seed derivation or draw order breaks loudly: remote nodes must
// arrive at the bit-identical permutation independently.
func TestGenerate_KnownAnswer(t *testing.T) {
	t.Parallel()

	// Reimplement the documented construction by hand.
	seed := []byte("cross-check")
	n := 8
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	state := sha256.Sum256(seed)
	for i := n - 1; i > 0; i-- {
		var v uint64
		for b := 7; b >= 0; b-- {
			v = v<<8 | uint64(state[b])
		}
		j := int(v % uint64(i+1))
		want[i], want[j] = want[j], want[i]
		state = sha256.Sum256(state[:])
	}

	got, err := operm.Generate(seed, n)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGenerate_SeedSensitivity(t *testing.T) {
	t.Parallel()

	a, err := operm.Generate([]byte("seed-a"), 64)
	require.NoError(t, err)
	b, err := operm.Generate([]byte("seed-b"), 64)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestGenerate_RejectsEmptyPeerList(t *testing.T) {
	t.Parallel()

	_, err := operm.Generate([]byte("seed"), 0)
	require.ErrorIs(t, err, operm.ErrNoPeers)

	_, err = operm.Generate([]byte("seed"), -1)
	require.ErrorIs(t, err, operm.ErrNoPeers)
}

func TestGenerate_SinglePeer(t *testing.T) {
	t.Parallel()

	perm, err := operm.Generate([]byte("seed"), 1)
	require.NoError(t, err)
	require.Equal(t, []int{0}, perm)
}

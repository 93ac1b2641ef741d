package obatch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperledger/iroha-sub005/ordering"
)

func testBatch(t *testing.T, name string, txCount int) *ordering.TransactionBatch {
	t.Helper()

	txs := make([]ordering.Transaction, txCount)
	for i := range txs {
		txs[i] = ordering.Transaction{
			Hash:      fmt.Sprintf("%s-tx%d", name, i),
			CreatedAt: int64(i + 1),
		}
	}
	return ordering.NewTransactionBatch(txs, 1, ordering.Signature{PublicKey: name})
}

func TestSet_InsertRemoveCounting(t *testing.T) {
	t.Parallel()

	s := NewSet()
	b1 := testBatch(t, "b1", 2)
	b2 := testBatch(t, "b2", 3)

	require.True(t, s.Insert(b1))
	require.True(t, s.Insert(b2))
	require.Equal(t, 5, s.TxCount())
	require.Equal(t, 2, s.Len())

	// Duplicate insert is a no-op.
	require.False(t, s.Insert(b1))
	require.Equal(t, 5, s.TxCount())

	require.True(t, s.Remove(b1))
	require.Equal(t, 3, s.TxCount())
	require.False(t, s.Remove(b1))
	require.Equal(t, 3, s.TxCount())
}

func TestSet_Merge(t *testing.T) {
	t.Parallel()

	a := NewSet()
	b := NewSet()
	shared := testBatch(t, "shared", 1)

	a.Insert(shared)
	a.Insert(testBatch(t, "only-a", 2))
	b.Insert(shared)
	b.Insert(testBatch(t, "only-b", 4))

	a.Merge(b)

	require.Equal(t, 7, a.TxCount())
	require.Equal(t, 3, a.Len())
	require.Zero(t, b.TxCount())
	require.Zero(t, b.Len())
}

func TestSet_RemoveIf(t *testing.T) {
	t.Parallel()

	s := NewSet()
	b1 := testBatch(t, "b1", 1)
	b2 := testBatch(t, "b2", 2)
	b3 := testBatch(t, "b3", 3)
	s.Insert(b1)
	s.Insert(b2)
	s.Insert(b3)

	s.RemoveIf(func(b *ordering.TransactionBatch) (bool, bool) {
		return b.Size() == 2, false
	})

	require.Equal(t, 4, s.TxCount())
	require.True(t, s.Contains(b1))
	require.False(t, s.Contains(b2))
	require.True(t, s.Contains(b3))
}

func TestSet_RemoveIfStopsEarly(t *testing.T) {
	t.Parallel()

	s := NewSet()
	s.Insert(testBatch(t, "b1", 1))
	s.Insert(testBatch(t, "b2", 2))
	s.Insert(testBatch(t, "b3", 3))

	visited := 0
	s.RemoveIf(func(b *ordering.TransactionBatch) (bool, bool) {
		visited++
		return false, true
	})

	require.Equal(t, 1, visited)
	require.Equal(t, 3, s.Len())
}

func TestSet_IterationOrderIsInsertionOrder(t *testing.T) {
	t.Parallel()

	s := NewSet()
	var want []string
	for i := 0; i < 8; i++ {
		b := testBatch(t, fmt.Sprintf("b%d", i), 1)
		want = append(want, b.ReducedBatchHash())
		s.Insert(b)
	}

	var got []string
	s.Each(func(b *ordering.TransactionBatch) bool {
		got = append(got, b.ReducedBatchHash())
		return true
	})
	require.Equal(t, want, got)
}

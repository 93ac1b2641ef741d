package ordering

import "fmt"

// Round identifies a proposal slot.
//
// BlockRound advances when consensus commits a block.
// RejectRound advances when consensus concludes without a commit,
// keeping BlockRound unchanged.
type Round struct {
	BlockRound  uint64
	RejectRound uint32
}

// GenesisRound is the first round of a fresh chain.
var GenesisRound = Round{BlockRound: 1, RejectRound: 0}

// NextCommitRound returns the round following r after a successful commit.
func NextCommitRound(r Round) Round {
	return Round{BlockRound: r.BlockRound + 1, RejectRound: 0}
}

// NextRejectRound returns the round following r after a failed round.
func NextRejectRound(r Round) Round {
	return Round{BlockRound: r.BlockRound, RejectRound: r.RejectRound + 1}
}

// Compare returns -1, 0, or 1 depending on whether r orders
// before, equal to, or after o.
// BlockRound dominates; RejectRound breaks ties.
func (r Round) Compare(o Round) int {
	if r.BlockRound != o.BlockRound {
		if r.BlockRound < o.BlockRound {
			return -1
		}
		return 1
	}
	if r.RejectRound != o.RejectRound {
		if r.RejectRound < o.RejectRound {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether r orders strictly before o.
func (r Round) Before(o Round) bool {
	return r.Compare(o) < 0
}

func (r Round) String() string {
	return fmt.Sprintf("(%d, %d)", r.BlockRound, r.RejectRound)
}

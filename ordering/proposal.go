package ordering

// Proposal is an immutable ordered list of transactions assembled for
// a specific round, to be fed to the voting layer.
type Proposal struct {
	height    uint64
	createdAt int64
	txs       []Transaction
	hash      string
}

// NewProposal builds a proposal at the given height.
// The hash is the reduced hash over the member transactions
// and is fixed at construction.
func NewProposal(height uint64, createdAt int64, txs []Transaction) *Proposal {
	return &Proposal{
		height:    height,
		createdAt: createdAt,
		txs:       txs,
		hash:      ReducedHash(txs),
	}
}

// Height returns the block height the proposal was assembled for.
func (p *Proposal) Height() uint64 { return p.height }

// CreatedAt returns the assembly time in unix milliseconds.
func (p *Proposal) CreatedAt() int64 { return p.createdAt }

// Transactions returns the ordered member transactions.
// Callers must not modify the returned slice.
func (p *Proposal) Transactions() []Transaction { return p.txs }

// Hash returns the reduced hash over the member transactions.
func (p *Proposal) Hash() string { return p.hash }

package ordering

import "context"

// Peer is one entry of the ledger's ordered peer list.
type Peer struct {
	// Key is the peer's public key, used as a stable identity.
	Key string

	// Address is the network address the transport dials.
	Address string
}

// Role is a logical ordering-service responsibility held by a peer
// for the duration of one round.
//
// The consumer roles are named after the two-step consensus outcome
// path whose target round they serve: for current round (b, r),
// reject-reject serves (b, r+2), reject-commit and commit-reject serve
// the two paths into the next block round, and commit-commit serves
// (b+2, 0).
type Role uint8

const (
	RoleIssuer Role = iota
	RoleRejectRejectConsumer
	RoleRejectCommitConsumer
	RoleCommitRejectConsumer
	RoleCommitCommitConsumer

	NumRoles // Number of roles; not a valid Role value.
)

func (r Role) String() string {
	switch r {
	case RoleIssuer:
		return "issuer"
	case RoleRejectRejectConsumer:
		return "reject-reject"
	case RoleRejectCommitConsumer:
		return "reject-commit"
	case RoleCommitRejectConsumer:
		return "commit-reject"
	case RoleCommitCommitConsumer:
		return "commit-commit"
	default:
		return "invalid"
	}
}

// RoundOffset selects which of the retained committed-block hashes
// seeds the peer permutation for a role's target round.
type RoundOffset uint8

const (
	OffsetCurrent RoundOffset = iota
	OffsetNext
	OffsetAfterNext

	NumOffsets // Number of offsets; not a valid RoundOffset value.
)

// ProposalRequest asks a peer's ordering service for the proposal of
// a round.
//
// LocalProposalHash and BloomFilter are optional: when set, they
// summarize what the requester already holds, letting the remote peer
// answer "nothing new" without re-sending full contents.
type ProposalRequest struct {
	Round Round

	// LocalProposalHash is the hash of the proposal already held
	// locally for this round, or empty.
	LocalProposalHash string

	// BloomFilter is the serialized fixed-size set summary of the
	// transaction hashes already held locally, or nil.
	BloomFilter []byte
}

// ProposalEvent is the outcome of one proposal request.
// A nil Proposal is the normal representation of "no proposal this
// round"; it is not an error.
type ProposalEvent struct {
	Round    Round
	Proposal *Proposal
}

// OdOsNotification is the transport-facing contract of an on-demand
// ordering service connection. Implementations deliver to exactly one
// remote peer.
//
// Responses to OnRequestProposal arrive asynchronously as
// [ProposalEvent] values on the event bus; the methods themselves only
// enqueue work and never block on the network.
type OdOsNotification interface {
	// OnBatches delivers transaction batches for ordering.
	OnBatches(ctx context.Context, batches []*TransactionBatch) error

	// OnRequestProposal asks for the proposal of the given round.
	OnRequestProposal(ctx context.Context, req ProposalRequest) error
}

// Package ledger defines the LedgerService collaborator: the opaque source
// of canonical blocks, committee lookbacks and block-locator validation that
// this spec's non-goals place out of scope for implementation, but which
// every other component depends on through this interface.
package ledger

import (
	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/wallet"
)

// Committee describes a committee snapshot: its members, the total stake,
// and the thresholds derived from it.
type Committee struct {
	Members       []wallet.Address
	TotalStake    uint64
	StartingRound uint64
}

// IsMember reports committee membership.
func (c Committee) IsMember(addr wallet.Address) bool {
	for _, m := range c.Members {
		if m.Equal(addr) {
			return true
		}
	}
	return false
}

// Size returns the committee member count.
func (c Committee) Size() int { return len(c.Members) }

// QuorumThreshold is the 2f+1 safety threshold: strictly more than two
// thirds of the committee.
func (c Committee) QuorumThreshold() int {
	return (2*len(c.Members))/3 + 1
}

// AvailabilityThreshold is the f+1 liveness threshold: strictly more than
// one third of the committee.
func (c Committee) AvailabilityThreshold() int {
	return len(c.Members)/3 + 1
}

// Service is the LedgerService capability set. It is assumed internally
// synchronized: every method may be called concurrently.
type Service interface {
	// LatestBlock returns the current chain tip.
	LatestBlock() *types.Block

	// ContainsBlockHeight reports whether the ledger already has a block at
	// the given height.
	ContainsBlockHeight(height uint32) bool

	// GetBlock returns the block at the given height, if present.
	GetBlock(height uint32) (*types.Block, bool)

	// GetCommitteeLookbackForRound returns the committee that was active as
	// of `round`, accounting for the lookback window used by the BFT
	// primary's leader schedule.
	GetCommitteeLookbackForRound(round uint64) (Committee, error)

	// CurrentCommittee returns the committee active at the ledger tip.
	CurrentCommittee() Committee

	// CheckNextBlock validates that block is a legal successor of the
	// current tip without applying it.
	CheckNextBlock(block *types.Block) error

	// AdvanceToNextBlock applies block as the new tip. The caller must have
	// already called CheckNextBlock.
	AdvanceToNextBlock(block *types.Block) error

	// GetBlockLocators returns a BlockLocators describing the current tip.
	GetBlockLocators() types.BlockLocators

	// RestrictionsID returns the current restrictions identifier exchanged
	// during the handshake's ChallengeResponse.
	RestrictionsID() types.CertID
}

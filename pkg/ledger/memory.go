package ledger

import (
	"fmt"
	"sync"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
)

// Memory is a test/dev-only in-memory LedgerService, grounded on the
// teacher's chain.go RWMutex-guarded tip tracking.
type Memory struct {
	mu         sync.RWMutex
	blocks     map[uint32]*types.Block
	tip        uint32
	committee  Committee
	lookbacks  map[uint64]Committee
	restrictID types.CertID
}

// NewMemory creates a Memory ledger seeded with a genesis block and a single
// committee used for every round lookback.
func NewMemory(genesis *types.Block, committee Committee) *Memory {
	m := &Memory{
		blocks:    make(map[uint32]*types.Block),
		committee: committee,
		lookbacks: make(map[uint64]Committee),
	}
	m.blocks[genesis.Height] = genesis
	m.tip = genesis.Height
	return m
}

// SetLookback registers the committee to return for a specific round.
func (m *Memory) SetLookback(round uint64, c Committee) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookbacks[round] = c
}

func (m *Memory) LatestBlock() *types.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[m.tip]
}

func (m *Memory) ContainsBlockHeight(height uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[height]
	return ok
}

func (m *Memory) GetBlock(height uint32) (*types.Block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[height]
	return b, ok
}

func (m *Memory) GetCommitteeLookbackForRound(round uint64) (Committee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.lookbacks[round]; ok {
		return c, nil
	}
	return m.committee, nil
}

func (m *Memory) CurrentCommittee() Committee {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committee
}

func (m *Memory) CheckNextBlock(block *types.Block) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tipBlock := m.blocks[m.tip]
	if block.Height != tipBlock.Height+1 {
		return fmt.Errorf("ledger: block height %d is not the successor of tip %d", block.Height, tipBlock.Height)
	}
	if block.PreviousHash != tipBlock.Hash {
		return fmt.Errorf("ledger: block %d previous hash does not match tip hash", block.Height)
	}
	return nil
}

func (m *Memory) AdvanceToNextBlock(block *types.Block) error {
	if err := m.CheckNextBlock(block); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[block.Height] = block
	m.tip = block.Height
	return nil
}

func (m *Memory) GetBlockLocators() types.BlockLocators {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.NewBlockLocators(m.tip, func(h uint32) types.BlockHash {
		if b, ok := m.blocks[h]; ok {
			return b.Hash
		}
		return types.BlockHash{}
	})
}

func (m *Memory) RestrictionsID() types.CertID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restrictID
}

// SetRestrictionsID is a test hook to change the restrictions id exchanged
// during the handshake.
func (m *Memory) SetRestrictionsID(id types.CertID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restrictID = id
}

var _ Service = (*Memory)(nil)

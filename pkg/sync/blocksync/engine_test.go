package blocksync

import (
	"testing"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []sentRequest
	fail map[PeerID]bool
}

type sentRequest struct {
	peer  PeerID
	start uint32
	end   uint32
}

func (s *recordingSender) SendBlockRequest(peer PeerID, start, end uint32) error {
	if s.fail[peer] {
		return assert.AnError
	}
	s.sent = append(s.sent, sentRequest{peer: peer, start: start, end: end})
	return nil
}

func hashOf(i uint32) types.BlockHash {
	var h types.BlockHash
	h[0] = byte(i)
	h[1] = byte(i >> 8)
	return h
}

func locatorsUpTo(tip uint32) types.BlockLocators {
	return types.NewBlockLocators(tip, hashOf)
}

func newTestEngine(t *testing.T) (*Engine, *recordingSender, *ledger.Memory) {
	t.Helper()
	genesis := &types.Block{Height: 0, Hash: hashOf(0)}
	mem := ledger.NewMemory(genesis, ledger.Committee{})
	sender := &recordingSender{fail: make(map[PeerID]bool)}
	engine := New(mem, sender, types.RedundancyFactorTest)
	return engine, sender, mem
}

// TestThreePeerCleanSync covers scenario S1: three peers with identical
// locators above tip produce a dispatched, fully-satisfiable request batch.
func TestThreePeerCleanSync(t *testing.T) {
	engine, sender, _ := newTestEngine(t)

	loc := locatorsUpTo(10)
	require.NoError(t, engine.UpdatePeerLocators("peer-a", loc))
	require.NoError(t, engine.UpdatePeerLocators("peer-b", loc))
	require.NoError(t, engine.UpdatePeerLocators("peer-c", loc))

	require.NoError(t, engine.TryBlockSync())

	require.NotEmpty(t, sender.sent)
	sampledPeer := sender.sent[0].peer

	for h := uint32(1); h <= 10; h++ {
		require.NoError(t, engine.ProcessBlockResponse(sampledPeer, []*types.Block{{
			Height:       h,
			Hash:         hashOf(h),
			PreviousHash: hashOf(h - 1),
		}}))
	}

	for h := uint32(1); h <= 10; h++ {
		block, ok := engine.RemoveBlockResponse(h)
		require.True(t, ok, "height %d should be complete", h)
		assert.Equal(t, hashOf(h), block.Hash)
	}
}

// TestForkedPeerExcluded covers scenario S2: a peer whose tip hash diverges
// from the rest cannot join the sync cohort.
func TestForkedPeerExcluded(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	honest := locatorsUpTo(10)
	forked := types.NewBlockLocators(10, func(h uint32) types.BlockHash {
		if h == 10 {
			return types.BlockHash{0xFF}
		}
		return hashOf(h)
	})

	require.NoError(t, engine.UpdatePeerLocators("peer-a", forked))
	require.NoError(t, engine.UpdatePeerLocators("peer-b", honest))
	require.NoError(t, engine.UpdatePeerLocators("peer-c", honest))
	require.NoError(t, engine.UpdatePeerLocators("peer-d", honest))

	peers, _, ok := engine.FindSyncPeers()
	require.True(t, ok)
	for _, p := range peers {
		assert.NotEqual(t, PeerID("peer-a"), p)
	}
}

func TestFindSyncPeersRequiresRedundancy(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	require.NoError(t, engine.UpdatePeerLocators("solo", locatorsUpTo(10)))

	_, _, ok := engine.FindSyncPeers()
	assert.False(t, ok, "a single peer cannot satisfy RedundancyFactorTest=3")
}

func TestProcessBlockResponseRejectsUnexpectedBlock(t *testing.T) {
	engine, sender, _ := newTestEngine(t)
	loc := locatorsUpTo(10)
	require.NoError(t, engine.UpdatePeerLocators("peer-a", loc))
	require.NoError(t, engine.UpdatePeerLocators("peer-b", loc))
	require.NoError(t, engine.UpdatePeerLocators("peer-c", loc))
	require.NoError(t, engine.TryBlockSync())
	require.NotEmpty(t, sender.sent)

	err := engine.ProcessBlockResponse("peer-a", []*types.Block{{Height: 1, Hash: types.BlockHash{0xAB}}})
	assert.ErrorIs(t, err, ErrUnexpectedBlock)
}

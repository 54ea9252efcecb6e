package coordinator

import (
	"testing"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/storage"
	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/pkg/ledger"
	"github.com/dusk-network/dusk-bft-sync/pkg/sync/blocksync"
	"github.com/dusk-network/dusk-bft-sync/pkg/txstore"
	"github.com/dusk-network/dusk-bft-sync/wallet"
	"github.com/stretchr/testify/require"
)

// nopSender discards every SendBlockRequest call; the tests inject blocks
// straight into the engine via ProcessBlockResponse rather than over a real
// transport.
type nopSender struct{}

func (nopSender) SendBlockRequest(peer blocksync.PeerID, start, end uint32) error { return nil }

func newTestCommittee(t *testing.T, n int) ([]*wallet.KeyPair, ledger.Committee) {
	t.Helper()
	keys := make([]*wallet.KeyPair, n)
	addrs := make([]wallet.Address, n)
	for i := range keys {
		kp, err := wallet.GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
		addrs[i] = kp.Address
	}
	return keys, ledger.Committee{Members: addrs, TotalStake: uint64(n), StartingRound: 0}
}

func hashN(n byte) types.BlockHash {
	var h types.BlockHash
	h[0] = n
	return h
}

// buildHarness wires a Memory ledger, CertificateStore, blocksync.Engine and
// Coordinator the way cmd/dusksync/run.go does, minus the gateway.
func buildHarness(t *testing.T, n int, maxGCBlocks uint32) (*ledger.Memory, *storage.Store, *blocksync.Engine, *Coordinator, []*wallet.KeyPair) {
	t.Helper()
	keys, committee := newTestCommittee(t, n)
	genesis := &types.Block{Height: 0, Hash: hashN(1)}
	mem := ledger.NewMemory(genesis, committee)
	store := storage.New(mem, txstore.NewMemory(), 100)
	engine := blocksync.New(mem, nopSender{}, 1)
	coord := New(mem, store, engine, maxGCBlocks)
	return mem, store, engine, coord, keys
}

// deliverFromPeer drives a full request/response round trip through the
// engine's public API: it advertises a peer at the blocks' tip height, lets
// TryBlockSync construct matching requests, then feeds the blocks back as
// that peer's response.
func deliverFromPeer(t *testing.T, mem *ledger.Memory, engine *blocksync.Engine, blocks []*types.Block) {
	t.Helper()
	byHeight := make(map[uint32]*types.Block, len(blocks))
	for _, b := range blocks {
		byHeight[b.Height] = b
	}
	tip := blocks[len(blocks)-1].Height
	loc := types.NewBlockLocators(tip, func(h uint32) types.BlockHash {
		if h == 0 {
			return mem.LatestBlock().Hash
		}
		if b, ok := byHeight[h]; ok {
			return b.Hash
		}
		return types.BlockHash{}
	})

	require.NoError(t, engine.UpdatePeerLocators(blocksync.PeerID("peer-1"), loc))
	require.NoError(t, engine.TryBlockSync())
	require.NoError(t, engine.ProcessBlockResponse(blocksync.PeerID("peer-1"), blocks))
}

func TestFastPathCommitsContiguousBlocks(t *testing.T) {
	mem, _, engine, coord, _ := buildHarness(t, 4, 0)

	blocks := []*types.Block{
		{Height: 1, Hash: hashN(2), PreviousHash: hashN(1)},
		{Height: 2, Hash: hashN(3), PreviousHash: hashN(2)},
		{Height: 3, Hash: hashN(4), PreviousHash: hashN(3)},
	}
	deliverFromPeer(t, mem, engine, blocks)

	require.NoError(t, coord.SyncStorageWithBlocks())
	require.Equal(t, uint32(3), mem.LatestBlock().Height)
	require.Equal(t, hashN(4), mem.LatestBlock().Hash)
}

func TestBFTPathCommitsWhenAvailabilityThresholdMet(t *testing.T) {
	mem, _, engine, coord, keys := buildHarness(t, 4, 10)

	leader := certAt(1, keys[0], nil)
	leaderID := leader.CertificateID()

	var round2 []types.BatchCertificate
	for _, k := range keys {
		round2 = append(round2, *certAt(2, k, []types.CertID{leaderID}))
	}

	block1 := &types.Block{
		Height:       1,
		Hash:         hashN(2),
		PreviousHash: hashN(1),
		Round:        1,
		LeaderCertID: leaderID,
		Certificates: append([]types.BatchCertificate{*leader}, round2...),
	}

	deliverFromPeer(t, mem, engine, []*types.Block{block1})

	require.NoError(t, coord.SyncStorageWithBlocks())
	require.Equal(t, uint32(1), mem.LatestBlock().Height)
}

func TestBFTPathWithholdsCommitUntilThresholdMet(t *testing.T) {
	mem, _, engine, coord, keys := buildHarness(t, 4, 10)

	leader := certAt(1, keys[0], nil)
	leaderID := leader.CertificateID()

	// Only one round-2 certificate references the leader; AvailabilityThreshold
	// for a 4-member committee is 4/3+1 = 2, so this alone is not enough.
	lone := certAt(2, keys[1], []types.CertID{leaderID})

	block1 := &types.Block{
		Height:       1,
		Hash:         hashN(2),
		PreviousHash: hashN(1),
		Round:        1,
		LeaderCertID: leaderID,
		Certificates: []types.BatchCertificate{*leader, *lone},
	}

	deliverFromPeer(t, mem, engine, []*types.Block{block1})

	require.NoError(t, coord.SyncStorageWithBlocks())
	require.Equal(t, uint32(0), mem.LatestBlock().Height, "commit must withhold until availability threshold is met")
}

func TestBFTPathJumpCommitsLinkedPrefixOnLaterLeaderAvailability(t *testing.T) {
	mem, _, engine, coord, keys := buildHarness(t, 4, 10)

	leader1 := certAt(1, keys[0], nil)
	leader1ID := leader1.CertificateID()

	// leader2 links back to leader1 directly, but nothing yet attests to
	// leader1's own availability at round 2.
	leader2 := certAt(2, keys[1], []types.CertID{leader1ID})
	leader2ID := leader2.CertificateID()

	var round3 []types.BatchCertificate
	for _, k := range keys {
		round3 = append(round3, *certAt(3, k, []types.CertID{leader2ID}))
	}

	block1 := &types.Block{
		Height: 1, Hash: hashN(2), PreviousHash: hashN(1),
		Round: 1, LeaderCertID: leader1ID,
		Certificates: []types.BatchCertificate{*leader1},
	}
	block2 := &types.Block{
		Height: 2, Hash: hashN(3), PreviousHash: hashN(2),
		Round: 2, LeaderCertID: leader2ID,
		Certificates: append([]types.BatchCertificate{*leader2}, round3...),
	}

	deliverFromPeer(t, mem, engine, []*types.Block{block1, block2})

	require.NoError(t, coord.SyncStorageWithBlocks())
	require.Equal(t, uint32(2), mem.LatestBlock().Height,
		"leader2's confirmed availability should jump-commit both linked blocks")
}

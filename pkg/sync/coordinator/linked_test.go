package coordinator

import (
	"testing"
	"time"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/storage"
	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/pkg/ledger"
	"github.com/dusk-network/dusk-bft-sync/pkg/txstore"
	"github.com/dusk-network/dusk-bft-sync/wallet"
	"github.com/stretchr/testify/require"
)

func newLinkedTestStore(t *testing.T, n int) (*storage.Store, []*wallet.KeyPair) {
	t.Helper()
	keys := make([]*wallet.KeyPair, n)
	addrs := make([]wallet.Address, n)
	for i := range keys {
		kp, err := wallet.GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
		addrs[i] = kp.Address
	}
	committee := ledger.Committee{Members: addrs, TotalStake: uint64(n), StartingRound: 0}
	mem := ledger.NewMemory(&types.Block{Height: 0, Hash: types.BlockHash{1}}, committee)
	return storage.New(mem, txstore.NewMemory(), 100), keys
}

func certAt(round uint64, author *wallet.KeyPair, prev []types.CertID) *types.BatchCertificate {
	return &types.BatchCertificate{
		Header: types.BatchHeader{
			Author:               author.Address,
			Round:                round,
			Timestamp:            time.Now().Unix(),
			PreviousCertificates: prev,
		},
		Signatures: make(map[wallet.Address][]byte),
	}
}

// chainOfCerts builds a straight-line chain of certificates, one per round,
// each naming the previous one as its sole PreviousCertificates entry, and
// ingests them directly into store without going through quorum checks
// (the same bypass SyncCertificateWithBlock uses for recovered data).
func chainOfCerts(t *testing.T, store *storage.Store, author *wallet.KeyPair, rounds int) []*types.BatchCertificate {
	t.Helper()
	certs := make([]*types.BatchCertificate, rounds)
	var prev []types.CertID
	block := &types.Block{UnconfirmedTxs: map[types.TransmissionID][]byte{}}
	for i := 0; i < rounds; i++ {
		c := certAt(uint64(i+1), author, prev)
		certs[i] = c
		require.NoError(t, store.SyncCertificateWithBlock(block, c, nil))
		prev = []types.CertID{c.CertificateID()}
	}
	return certs
}

func TestIsLinkedSameCertificate(t *testing.T) {
	store, keys := newLinkedTestStore(t, 4)
	certs := chainOfCerts(t, store, keys[0], 1)
	require.True(t, IsLinked(store, certs[0], certs[0]))
}

func TestIsLinkedFollowsStraightChain(t *testing.T) {
	store, keys := newLinkedTestStore(t, 4)
	certs := chainOfCerts(t, store, keys[0], 5)
	require.True(t, IsLinked(store, certs[4], certs[0]))
	require.True(t, IsLinked(store, certs[3], certs[1]))
}

func TestIsLinkedRejectsEarlierChild(t *testing.T) {
	store, keys := newLinkedTestStore(t, 4)
	certs := chainOfCerts(t, store, keys[0], 3)
	require.False(t, IsLinked(store, certs[0], certs[2]))
}

func TestIsLinkedRejectsUnrelatedCertificate(t *testing.T) {
	store, keys := newLinkedTestStore(t, 4)
	certs := chainOfCerts(t, store, keys[0], 3)

	stray := certAt(1, keys[1], nil)
	require.False(t, IsLinked(store, certs[2], stray))
}

func TestIsLinkedBreaksOnMissingAncestor(t *testing.T) {
	store, keys := newLinkedTestStore(t, 4)
	certs := chainOfCerts(t, store, keys[0], 3)
	store.RemoveCertificate(certs[1].CertificateID())
	require.False(t, IsLinked(store, certs[2], certs[0]))
}

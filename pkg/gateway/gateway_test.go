package gateway

import (
	"net"
	"testing"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCommittee struct {
	members        map[wallet.Address]bool
	restrictionsID types.CertID
}

func (f fixedCommittee) IsCommitteeMember(addr wallet.Address) bool { return f.members[addr] }
func (f fixedCommittee) RestrictionsID() types.CertID                { return f.restrictionsID }
func (f fixedCommittee) BlockLocators() types.BlockLocators {
	return types.NewBlockLocators(0, func(uint32) types.BlockHash { return types.BlockHash{} })
}

func newTestGateway(t *testing.T, members ...wallet.Address) (*Gateway, *wallet.KeyPair) {
	t.Helper()
	kp, err := wallet.GenerateKeyPair()
	require.NoError(t, err)

	set := map[wallet.Address]bool{kp.Address: true}
	for _, m := range members {
		set[m] = true
	}

	g := New(Config{
		Self: kp.Address,
		Sign: kp.Sign,
		Committee: fixedCommittee{
			members:        set,
			restrictionsID: types.CertID{1, 2, 3},
		},
	})
	return g, kp
}

// TestHandshakeOverPipeSucceeds exercises the full challenge/response
// handshake in both directions over an in-memory net.Pipe connection,
// verifying the responder-first ChallengeResponse ordering.
func TestHandshakeOverPipeSucceeds(t *testing.T) {
	initiatorGW, initiatorKP := newTestGateway(t)
	responderGW, responderKP := newTestGateway(t)

	initiatorGW.cfg.Committee = fixedCommittee{
		members:        map[wallet.Address]bool{initiatorKP.Address: true, responderKP.Address: true},
		restrictionsID: types.CertID{1, 2, 3},
	}
	responderGW.cfg.Committee = fixedCommittee{
		members:        map[wallet.Address]bool{initiatorKP.Address: true, responderKP.Address: true},
		restrictionsID: types.CertID{1, 2, 3},
	}

	clientConn, serverConn := net.Pipe()

	type result struct {
		peer *Peer
		err  error
	}
	initiatorCh := make(chan result, 1)
	responderCh := make(chan result, 1)

	go func() {
		p, err := initiatorGW.handshakeInitiator(clientConn)
		initiatorCh <- result{p, err}
	}()
	go func() {
		p, err := responderGW.handshakeResponder(serverConn)
		responderCh <- result{p, err}
	}()

	initRes := <-initiatorCh
	respRes := <-responderCh

	require.NoError(t, initRes.err)
	require.NoError(t, respRes.err)
	assert.True(t, initRes.peer.Address.Equal(responderKP.Address))
	assert.True(t, respRes.peer.Address.Equal(initiatorKP.Address))
}

// TestHandshakeRejectsNonCommitteeMember covers the committee-authorization
// gate: a key pair outside the committee must be refused.
func TestHandshakeRejectsNonCommitteeMember(t *testing.T) {
	responderGW, responderKP := newTestGateway(t)
	outsider, err := wallet.GenerateKeyPair()
	require.NoError(t, err)

	initiatorGW := New(Config{
		Self: outsider.Address,
		Sign: outsider.Sign,
		Committee: fixedCommittee{
			members:        map[wallet.Address]bool{outsider.Address: true, responderKP.Address: true},
			restrictionsID: types.CertID{1, 2, 3},
		},
	})

	clientConn, serverConn := net.Pipe()

	type result struct{ err error }
	responderCh := make(chan result, 1)
	go func() {
		_, err := responderGW.handshakeResponder(serverConn)
		responderCh <- result{err}
	}()

	go func() {
		_, _ = initiatorGW.handshakeInitiator(clientConn)
	}()

	res := <-responderCh
	assert.Error(t, res.err)
}

// TestHandshakeRejectsSelfConnect covers spec §4.5's self-connect abort: the
// initiator verifies the responder's ChallengeResponse first, so it is the
// side that refuses a handshake whose authenticated address is its own.
func TestHandshakeRejectsSelfConnect(t *testing.T) {
	responderGW, responderKP := newTestGateway(t)

	initiatorGW := New(Config{
		Self: responderKP.Address,
		Sign: responderKP.Sign,
		Committee: fixedCommittee{
			members:        map[wallet.Address]bool{responderKP.Address: true},
			restrictionsID: types.CertID{1, 2, 3},
		},
	})

	clientConn, serverConn := net.Pipe()

	type result struct{ err error }
	go func() {
		_, _ = responderGW.handshakeResponder(serverConn)
	}()

	initiatorCh := make(chan result, 1)
	go func() {
		_, err := initiatorGW.handshakeInitiator(clientConn)
		initiatorCh <- result{err}
	}()

	res := <-initiatorCh
	assert.ErrorIs(t, res.err, errSelfConnect)
}

func TestRateLimiterStrikesAndBans(t *testing.T) {
	rl := NewRateLimiter()
	kp, err := wallet.GenerateKeyPair()
	require.NoError(t, err)

	for i := 0; i < maxStrikes; i++ {
		for j := 0; j < 5; j++ {
			rl.Allow(kp.Address, 1)
		}
	}

	assert.True(t, rl.Banned(kp.Address))
	rl.Forget(kp.Address)
	assert.False(t, rl.Banned(kp.Address))
}

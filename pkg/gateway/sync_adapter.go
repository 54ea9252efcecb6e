package gateway

import (
	"fmt"

	"github.com/dusk-network/dusk-bft-sync/pkg/gateway/wire"
	"github.com/dusk-network/dusk-bft-sync/pkg/sync/blocksync"
	"github.com/dusk-network/dusk-bft-sync/wallet"
)

// SyncSender adapts a Gateway to blocksync.Sender, translating a PeerID
// (the peer's wallet.Address string form) back into a live connection.
type SyncSender struct {
	gw *Gateway
}

// NewSyncSender wraps gw as a blocksync.Sender.
func NewSyncSender(gw *Gateway) *SyncSender {
	return &SyncSender{gw: gw}
}

// SendBlockRequest implements blocksync.Sender.
func (s *SyncSender) SendBlockRequest(peer blocksync.PeerID, start, end uint32) error {
	addr, err := s.gw.resolvePeerID(peer)
	if err != nil {
		return err
	}
	return s.gw.SendTo(addr, &wire.BlockRequest{StartHeight: start, EndHeight: end})
}

func (g *Gateway) resolvePeerID(peer blocksync.PeerID) (wallet.Address, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for addr := range g.peers {
		if addr.String() == string(peer) {
			return addr, nil
		}
	}
	return wallet.Address{}, fmt.Errorf("gateway: unknown peer id %q", peer)
}

// PeerIDOf returns the blocksync.PeerID for a connected peer's address.
func PeerIDOf(addr wallet.Address) blocksync.PeerID {
	return blocksync.PeerID(addr.String())
}

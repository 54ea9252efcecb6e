package coordinator

import (
	"github.com/dusk-network/dusk-bft-sync/pkg/bft/storage"
	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
)

// IsLinked reports whether ancestor is reachable from child by following
// previous-certificate edges backward, round by round. Equal certificates
// are trivially linked; a child at or before ancestor's round is linked
// only if they are the same certificate.
func IsLinked(store *storage.Store, child, ancestor *types.BatchCertificate) bool {
	if child.CertificateID() == ancestor.CertificateID() {
		return true
	}
	if child.Header.Round <= ancestor.Header.Round {
		return false
	}

	frontier := map[types.CertID]struct{}{child.CertificateID(): {}}
	for round := child.Header.Round; round > ancestor.Header.Round; round-- {
		next := make(map[types.CertID]struct{})
		for id := range frontier {
			cert, ok := store.GetCertificate(id)
			if !ok {
				continue
			}
			for _, prevID := range cert.Header.PreviousCertificates {
				next[prevID] = struct{}{}
			}
		}
		if len(next) == 0 {
			return false
		}
		frontier = next
	}

	_, linked := frontier[ancestor.CertificateID()]
	return linked
}

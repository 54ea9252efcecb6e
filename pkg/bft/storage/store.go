// Package storage implements CertificateStore: the in-memory append-only DAG
// of batch certificates arranged by round, with garbage collection and the
// validation invariants I1-I6 from the data model.
package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/pkg/ledger"
	"github.com/dusk-network/dusk-bft-sync/pkg/txstore"
	"github.com/dusk-network/dusk-bft-sync/wallet"

	log "github.com/sirupsen/logrus"
)

type roundEntry struct {
	certificateID types.CertID
	batchID       types.CertID
	author        wallet.Address
	insertSeq     int
}

// Store is the CertificateStore. Each field group (rounds, certificates,
// batchIDs, and the scalar round counters) has its own lock. Operations that
// touch several groups take those locks one at a time and release each
// before taking the next, so no two are held together and no lock-order
// deadlock can arise; such an operation is not atomic across the groups.
type Store struct {
	roundsMu sync.RWMutex
	rounds   map[uint64]map[types.CertID]roundEntry

	certsMu      sync.RWMutex
	certificates map[types.CertID]*types.BatchCertificate

	batchIDsMu sync.RWMutex
	batchIDs   map[types.CertID]uint64

	scalarMu     sync.RWMutex
	currentRound uint64
	gcRound      uint64
	maxGCRounds  uint64

	insertSeq int

	ledger        ledger.Service
	transmissions txstore.Service
}

// New creates an empty CertificateStore.
func New(ledgerSvc ledger.Service, transmissions txstore.Service, maxGCRounds uint64) *Store {
	return &Store{
		rounds:        make(map[uint64]map[types.CertID]roundEntry),
		certificates:  make(map[types.CertID]*types.BatchCertificate),
		batchIDs:      make(map[types.CertID]uint64),
		maxGCRounds:   maxGCRounds,
		ledger:        ledgerSvc,
		transmissions: transmissions,
	}
}

// CurrentRound returns the store's current round counter.
func (s *Store) CurrentRound() uint64 {
	s.scalarMu.RLock()
	defer s.scalarMu.RUnlock()
	return s.currentRound
}

// GCRound returns the highest garbage-collected round.
func (s *Store) GCRound() uint64 {
	s.scalarMu.RLock()
	defer s.scalarMu.RUnlock()
	return s.gcRound
}

// ContainsCertificate reports whether a certificate id is stored (I1).
func (s *Store) ContainsCertificate(id types.CertID) bool {
	s.certsMu.RLock()
	defer s.certsMu.RUnlock()
	_, ok := s.certificates[id]
	return ok
}

// ContainsCertificatesForRound reports whether any certificate is stored for
// the given round.
func (s *Store) ContainsCertificatesForRound(round uint64) bool {
	s.roundsMu.RLock()
	defer s.roundsMu.RUnlock()
	entries, ok := s.rounds[round]
	return ok && len(entries) > 0
}

// ContainsCertificateInRoundFrom reports whether a certificate by the given
// author is stored at the given round (I4: at most one can exist).
func (s *Store) ContainsCertificateInRoundFrom(round uint64, author wallet.Address) bool {
	s.roundsMu.RLock()
	defer s.roundsMu.RUnlock()
	for _, e := range s.rounds[round] {
		if e.author.Equal(author) {
			return true
		}
	}
	return false
}

// GetCertificate returns a stored certificate by id.
func (s *Store) GetCertificate(id types.CertID) (*types.BatchCertificate, bool) {
	s.certsMu.RLock()
	defer s.certsMu.RUnlock()
	c, ok := s.certificates[id]
	return c, ok
}

// GetCertificatesForRound returns every certificate stored at a round.
func (s *Store) GetCertificatesForRound(round uint64) []*types.BatchCertificate {
	s.roundsMu.RLock()
	entries := s.rounds[round]
	ids := make([]types.CertID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	s.roundsMu.RUnlock()

	s.certsMu.RLock()
	defer s.certsMu.RUnlock()
	out := make([]*types.BatchCertificate, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.certificates[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// GetCertificateForRoundWithAuthor returns the single certificate (round,
// author) pair, if any (I4 guarantees at most one).
func (s *Store) GetCertificateForRoundWithAuthor(round uint64, author wallet.Address) (*types.BatchCertificate, bool) {
	s.roundsMu.RLock()
	var found types.CertID
	ok := false
	for id, e := range s.rounds[round] {
		if e.author.Equal(author) {
			found, ok = id, true
			break
		}
	}
	s.roundsMu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.GetCertificate(found)
}

// GetPendingCertificates returns every stored certificate the ledger does
// not yet contain, sorted by round ascending then by insertion order within
// a round.
func (s *Store) GetPendingCertificates() []*types.BatchCertificate {
	s.roundsMu.RLock()
	type keyed struct {
		round uint64
		entry roundEntry
	}
	var all []keyed
	for round, entries := range s.rounds {
		for _, e := range entries {
			all = append(all, keyed{round: round, entry: e})
		}
	}
	s.roundsMu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].round != all[j].round {
			return all[i].round < all[j].round
		}
		return all[i].entry.insertSeq < all[j].entry.insertSeq
	})

	s.certsMu.RLock()
	defer s.certsMu.RUnlock()
	out := make([]*types.BatchCertificate, 0, len(all))
	for _, k := range all {
		cert, ok := s.certificates[k.entry.certificateID]
		if !ok {
			continue
		}
		if s.ledger != nil && s.ledger.ContainsBlockHeight(uint32(k.round)) {
			continue
		}
		out = append(out, cert)
	}
	return out
}

// CheckBatchHeader runs the ordered validation checks from the data model
// and returns the transmissions that must still be supplied, if any.
func (s *Store) CheckBatchHeader(header *types.BatchHeader, supplied map[types.TransmissionID][]byte, abortedSet map[types.TransmissionID]struct{}) ([]types.TransmissionID, error) {
	batchID := header.BatchID()

	s.batchIDsMu.RLock()
	_, exists := s.batchIDs[batchID]
	s.batchIDsMu.RUnlock()
	if exists {
		return nil, ErrDuplicateBatchID
	}

	committee, err := s.ledger.GetCommitteeLookbackForRound(header.Round)
	if err != nil {
		return nil, fmt.Errorf("storage: committee lookback for round %d: %w", header.Round, err)
	}
	if !committee.IsMember(header.Author) {
		return nil, ErrUnknownAuthor
	}

	if !header.WithinTimestampDelta(time.Now(), types.MaxTimestampDelta) {
		return nil, ErrStaleTimestamp
	}

	missing := s.transmissions.FindMissingTransmissions(header.TransmissionIDs, supplied, abortedSet)

	gcRound := s.GCRound()
	if header.Round >= 1 && header.Round-1 > gcRound {
		if err := s.checkPreviousCertificates(header.Round, header.PreviousCertificates); err != nil {
			return nil, err
		}
	}

	return missing, nil
}

func (s *Store) checkPreviousCertificates(round uint64, previous []types.CertID) error {
	prevRound := round - 1

	s.roundsMu.RLock()
	entries := s.rounds[prevRound]
	seenAuthors := make(map[string]bool)
	authors := make([]wallet.Address, 0, len(previous))
	for _, id := range previous {
		e, ok := entries[id]
		if !ok {
			s.roundsMu.RUnlock()
			return ErrMissingPrevious
		}
		key := string(e.author.Bytes())
		if seenAuthors[key] {
			s.roundsMu.RUnlock()
			return ErrDuplicatePreviousAuthor
		}
		seenAuthors[key] = true
		authors = append(authors, e.author)
	}
	s.roundsMu.RUnlock()

	prevCommittee, err := s.ledger.GetCommitteeLookbackForRound(prevRound)
	if err != nil {
		return fmt.Errorf("storage: committee lookback for round %d: %w", prevRound, err)
	}

	if len(authors) > prevCommittee.Size() {
		return ErrTooManyPrevious
	}
	if len(authors) < prevCommittee.QuorumThreshold() {
		return ErrQuorumNotMet
	}

	return nil
}

// CheckCertificate validates a certificate for insertion: it must pass
// CheckBatchHeader for its header, plus signer membership and quorum.
func (s *Store) CheckCertificate(cert *types.BatchCertificate, supplied map[types.TransmissionID][]byte, abortedSet map[types.TransmissionID]struct{}) error {
	certID := cert.CertificateID()

	if cert.Header.Round <= s.GCRound() {
		return ErrCertificateBelowGCRound
	}

	if s.ContainsCertificate(certID) {
		return ErrDuplicateCertificateID
	}
	if s.ContainsCertificateInRoundFrom(cert.Header.Round, cert.Header.Author) {
		return ErrDuplicateRoundAuthor
	}

	if _, err := s.CheckBatchHeader(&cert.Header, supplied, abortedSet); err != nil {
		return err
	}

	committee, err := s.ledger.GetCommitteeLookbackForRound(cert.Header.Round)
	if err != nil {
		return fmt.Errorf("storage: committee lookback for round %d: %w", cert.Header.Round, err)
	}

	for _, signer := range cert.SignerAddresses() {
		if !committee.IsMember(signer) {
			return ErrUnknownSigner
		}
	}

	if len(cert.Authors()) < committee.QuorumThreshold() {
		return ErrQuorumNotMet
	}

	return nil
}

// InsertCertificate atomically validates and records a certificate. A
// second insert of an identical certificate is a no-op that returns nil
// (P2); a second insert at the same (round, author) with a different
// certificate fails.
func (s *Store) InsertCertificate(cert *types.BatchCertificate, supplied map[types.TransmissionID][]byte, abortedSet map[types.TransmissionID]struct{}) error {
	certID := cert.CertificateID()

	if existing, ok := s.GetCertificate(certID); ok {
		if existing.CertificateID() == certID {
			return nil
		}
	}

	if err := s.CheckCertificate(cert, supplied, abortedSet); err != nil {
		return err
	}

	batchID := cert.Header.BatchID()

	s.roundsMu.Lock()
	if s.rounds[cert.Header.Round] == nil {
		s.rounds[cert.Header.Round] = make(map[types.CertID]roundEntry)
	}
	s.insertSeq++
	s.rounds[cert.Header.Round][certID] = roundEntry{
		certificateID: certID,
		batchID:       batchID,
		author:        cert.Header.Author,
		insertSeq:     s.insertSeq,
	}
	s.roundsMu.Unlock()

	s.certsMu.Lock()
	s.certificates[certID] = cert
	s.certsMu.Unlock()

	s.batchIDsMu.Lock()
	s.batchIDs[batchID] = cert.Header.Round
	s.batchIDsMu.Unlock()

	if len(supplied) > 0 {
		s.transmissions.InsertTransmissions(certID, supplied)
	}

	log.WithFields(log.Fields{
		"round":       cert.Header.Round,
		"certificate": fmt.Sprintf("%x", certID[:8]),
	}).Debug("storage: certificate inserted")

	return nil
}

// RemoveCertificate removes a single certificate and cascades into
// batch_ids and the transmission service's back-references.
func (s *Store) RemoveCertificate(id types.CertID) {
	s.certsMu.Lock()
	cert, ok := s.certificates[id]
	if !ok {
		s.certsMu.Unlock()
		return
	}
	delete(s.certificates, id)
	s.certsMu.Unlock()

	s.roundsMu.Lock()
	if entries, ok := s.rounds[cert.Header.Round]; ok {
		delete(entries, id)
		if len(entries) == 0 {
			delete(s.rounds, cert.Header.Round)
		}
	}
	s.roundsMu.Unlock()

	batchID := cert.Header.BatchID()
	s.batchIDsMu.Lock()
	delete(s.batchIDs, batchID)
	s.batchIDsMu.Unlock()

	s.transmissions.RemoveTransmissions(id)
}

// IncrementToNextRound advances the current round, enforcing forward-only
// movement and snapping to the ledger's latest block round if the naive
// successor would fall behind the committee's starting round.
func (s *Store) IncrementToNextRound(currentRound uint64) (uint64, error) {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()

	next := currentRound + 1
	if next < s.currentRound {
		return s.currentRound, nil
	}

	committee, err := s.ledger.GetCommitteeLookbackForRound(next)
	if err != nil {
		return 0, fmt.Errorf("storage: committee lookback for round %d: %w", next, err)
	}
	if next < committee.StartingRound {
		latest := s.ledger.LatestBlock()
		if latest != nil {
			next = latest.Round
		}
	}

	s.currentRound = next
	return s.currentRound, nil
}

// GarbageCollectCertificates evicts every certificate at or before
// nextRound - maxGCRounds, advancing gc_round monotonically (I3, I5).
func (s *Store) GarbageCollectCertificates(nextRound uint64) {
	s.scalarMu.Lock()
	oldGC := s.gcRound
	var newGC uint64
	if nextRound > s.maxGCRounds {
		newGC = nextRound - s.maxGCRounds
	}
	if newGC <= oldGC {
		s.scalarMu.Unlock()
		return
	}
	s.gcRound = newGC
	s.scalarMu.Unlock()

	for round := oldGC + 1; round <= newGC; round++ {
		s.roundsMu.RLock()
		entries := s.rounds[round]
		ids := make([]types.CertID, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		s.roundsMu.RUnlock()

		for _, id := range ids {
			s.RemoveCertificate(id)
		}
	}
}

// SyncCertificateWithBlock idempotently ingests a certificate that was
// recovered from a durable block, reconstructing any missing transmissions
// from the block body and the unconfirmed-transaction map rather than from
// the network.
func (s *Store) SyncCertificateWithBlock(block *types.Block, cert *types.BatchCertificate, unconfirmedTxs map[types.TransmissionID][]byte) error {
	if cert.Header.Round <= s.GCRound() {
		return nil
	}

	certID := cert.CertificateID()
	if s.ContainsCertificate(certID) {
		return nil
	}

	supplied := make(map[types.TransmissionID][]byte, len(cert.Header.TransmissionIDs))
	for _, id := range cert.Header.TransmissionIDs {
		if body, ok := block.UnconfirmedTxs[id]; ok {
			supplied[id] = body
			continue
		}
		if body, ok := unconfirmedTxs[id]; ok {
			supplied[id] = body
		}
	}

	s.roundsMu.Lock()
	if s.rounds[cert.Header.Round] == nil {
		s.rounds[cert.Header.Round] = make(map[types.CertID]roundEntry)
	}
	s.insertSeq++
	s.rounds[cert.Header.Round][certID] = roundEntry{
		certificateID: certID,
		batchID:       cert.Header.BatchID(),
		author:        cert.Header.Author,
		insertSeq:     s.insertSeq,
	}
	s.roundsMu.Unlock()

	s.certsMu.Lock()
	s.certificates[certID] = cert
	s.certsMu.Unlock()

	s.batchIDsMu.Lock()
	s.batchIDs[cert.Header.BatchID()] = cert.Header.Round
	s.batchIDsMu.Unlock()

	if len(supplied) > 0 {
		s.transmissions.InsertTransmissions(certID, supplied)
	}

	return nil
}

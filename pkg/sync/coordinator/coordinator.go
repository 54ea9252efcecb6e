// Package coordinator implements SyncCoordinator: it glues BlockSyncEngine
// to CertificateStore, feeding received blocks back into certificate
// storage and advancing the ledger either directly (fast path, when far
// behind) or through sub-DAG reconstruction (BFT path). Grounded on the
// teacher's chain.go accept-block sequence and RWMutex-guarded state.
package coordinator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/storage"
	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/pkg/ledger"
	"github.com/dusk-network/dusk-bft-sync/pkg/sync/blocksync"

	log "github.com/sirupsen/logrus"
)

// Coordinator is the SyncCoordinator.
type Coordinator struct {
	responseLock sync.Mutex
	syncLock     sync.Mutex
	advanceLock  sync.Mutex

	ledger  ledger.Service
	storage *storage.Store
	engine  *blocksync.Engine

	maxGCBlocks uint32

	bufferMu             sync.Mutex
	latestBlockResponses map[uint32]*types.Block
}

// New creates a Coordinator. maxGCBlocks is the fast-path threshold: when
// the greatest known peer height exceeds the ledger tip by more than this
// many blocks, blocks are applied directly without DAG reconstruction.
func New(ledgerSvc ledger.Service, store *storage.Store, engine *blocksync.Engine, maxGCBlocks uint32) *Coordinator {
	return &Coordinator{
		ledger:               ledgerSvc,
		storage:              store,
		engine:               engine,
		maxGCBlocks:          maxGCBlocks,
		latestBlockResponses: make(map[uint32]*types.Block),
	}
}

// SyncStorageWithBlocks runs one advancement attempt. It is re-entrant-safe:
// a second concurrent caller returns immediately without blocking (the
// try-lock semantics required by the concurrency model).
func (c *Coordinator) SyncStorageWithBlocks() error {
	if !c.advanceLock.TryLock() {
		return nil
	}
	defer c.advanceLock.Unlock()

	c.responseLock.Lock()
	defer c.responseLock.Unlock()

	tip := c.ledger.LatestBlock().Height
	peerTip := c.engine.GreatestKnownPeerHeight()

	if peerTip > tip && uint32(peerTip-tip) > c.maxGCBlocks {
		return c.syncFastPath(tip)
	}
	return c.syncBFTPath(tip, peerTip)
}

// syncFastPath pops contiguous blocks from the engine and applies them
// directly, without any DAG reconstruction.
func (c *Coordinator) syncFastPath(tip uint32) error {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	height := tip + 1
	for {
		block, ok := c.engine.RemoveBlockResponse(height)
		if !ok {
			return nil
		}
		if err := c.commitBlock(block); err != nil {
			return fmt.Errorf("coordinator: fast path commit at height %d: %w", height, err)
		}
		height++
	}
}

// syncBFTPath ingests every received block's certificates into storage,
// buffers the block, and attempts to commit a contiguous, linked prefix of
// the buffer starting at tip+1.
func (c *Coordinator) syncBFTPath(tip, peerTip uint32) error {
	limit := peerTip
	if limit < tip {
		limit = tip
	}

	for h := tip + 1; h <= limit; h++ {
		block, ok := c.engine.RemoveBlockResponse(h)
		if !ok {
			continue
		}
		for i := range block.Certificates {
			if err := c.storage.SyncCertificateWithBlock(block, &block.Certificates[i], block.UnconfirmedTxs); err != nil {
				return fmt.Errorf("coordinator: ingest certificate at height %d: %w", h, err)
			}
		}
		c.bufferMu.Lock()
		c.latestBlockResponses[h] = block
		c.bufferMu.Unlock()
	}

	c.syncLock.Lock()
	defer c.syncLock.Unlock()
	return c.tryCommitFromBuffer()
}

func (c *Coordinator) tryCommitFromBuffer() error {
	for {
		tip := c.ledger.LatestBlock().Height

		c.bufferMu.Lock()
		next, ok := c.latestBlockResponses[tip+1]
		c.bufferMu.Unlock()
		if !ok {
			return nil
		}

		if !next.IsBFTAuthored() {
			if err := c.commitBlock(next); err != nil {
				return err
			}
			c.bufferMu.Lock()
			delete(c.latestBlockResponses, tip+1)
			c.bufferMu.Unlock()
			continue
		}

		// The candidate whose leader certificate we check for availability
		// is the highest buffered block, not necessarily tip+1: a later
		// leader certificate may already have reached quorum-availability
		// while earlier ones haven't been independently confirmed yet, and
		// collectLinkedPrefix lets that confirmation commit the whole
		// linked run down to tip+1 in one pass.
		candidate := c.highestBufferedBlock(tip)
		if candidate == nil {
			return nil
		}

		met, err := c.availabilityThresholdMet(candidate)
		if err != nil {
			return err
		}
		if !met {
			log.WithField("height", candidate.Height).Debug("coordinator: leader certificate availability threshold not yet met")
			return nil
		}

		toAdd, ok := c.collectLinkedPrefix(tip, candidate)
		if !ok {
			return nil
		}

		for _, b := range toAdd {
			if err := c.commitBlock(b); err != nil {
				return err
			}
			c.bufferMu.Lock()
			delete(c.latestBlockResponses, b.Height)
			c.bufferMu.Unlock()
		}
	}
}

// highestBufferedBlock returns the highest-height block buffered above tip,
// or nil if none is buffered.
func (c *Coordinator) highestBufferedBlock(tip uint32) *types.Block {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	var best *types.Block
	for h, b := range c.latestBlockResponses {
		if h <= tip {
			continue
		}
		if best == nil || h > best.Height {
			best = b
		}
	}
	return best
}

// availabilityThresholdMet implements spec 4.4 BFT-path step 2: the
// candidate's leader certificate must be referenced, as a previous
// certificate, by enough certificate_round authors to meet the commit
// round's lookback availability threshold.
func (c *Coordinator) availabilityThresholdMet(block *types.Block) (bool, error) {
	leader, ok := c.storage.GetCertificate(block.LeaderCertID)
	if !ok {
		return false, nil
	}

	commitRound := leader.Header.Round
	certRound := commitRound + 1

	committee, err := c.ledger.GetCommitteeLookbackForRound(commitRound)
	if err != nil {
		return false, fmt.Errorf("coordinator: committee lookback for round %d: %w", commitRound, err)
	}

	authors := make(map[string]struct{})
	for _, cert := range c.storage.GetCertificatesForRound(certRound) {
		for _, prevID := range cert.Header.PreviousCertificates {
			if prevID == block.LeaderCertID {
				authors[string(cert.Header.Author.Bytes())] = struct{}{}
				break
			}
		}
	}

	return len(authors) >= committee.AvailabilityThreshold(), nil
}

// collectLinkedPrefix walks the buffer from tip+1 up to candidate's height,
// requiring every intervening block's leader certificate to be linked to
// candidate's leader certificate. It returns false if the chain is broken.
func (c *Coordinator) collectLinkedPrefix(tip uint32, candidate *types.Block) ([]*types.Block, bool) {
	candidateLeader, ok := c.storage.GetCertificate(candidate.LeaderCertID)
	if !ok {
		return nil, false
	}

	var toAdd []*types.Block
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()

	for h := tip + 1; h <= candidate.Height; h++ {
		b, ok := c.latestBlockResponses[h]
		if !ok {
			return nil, false
		}
		if b.Height == candidate.Height {
			toAdd = append(toAdd, b)
			continue
		}
		bLeader, ok := c.storage.GetCertificate(b.LeaderCertID)
		if !ok || !IsLinked(c.storage, candidateLeader, bLeader) {
			return nil, false
		}
		toAdd = append(toAdd, b)
	}

	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].Height < toAdd[j].Height })
	return toAdd, true
}

func (c *Coordinator) commitBlock(block *types.Block) error {
	if err := c.ledger.CheckNextBlock(block); err != nil {
		return fmt.Errorf("coordinator: check next block %d: %w", block.Height, err)
	}
	if err := c.ledger.AdvanceToNextBlock(block); err != nil {
		return fmt.Errorf("coordinator: advance to block %d: %w", block.Height, err)
	}

	if _, err := c.storage.IncrementToNextRound(block.Round); err != nil {
		return fmt.Errorf("coordinator: increment round after block %d: %w", block.Height, err)
	}
	c.storage.GarbageCollectCertificates(block.Round)

	log.WithFields(log.Fields{
		"height": block.Height,
		"round":  block.Round,
	}).Info("coordinator: advanced ledger")

	return nil
}

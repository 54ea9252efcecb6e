// Package blocksync implements BlockSyncEngine: it tracks peer locators,
// common ancestors, pending height-to-peers requests and response timeouts,
// and emits/consumes block sync traffic. It is lock-based rather than
// goroutine-based: every exported method is safe to call concurrently and
// never blocks while holding a lock.
package blocksync

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/pkg/ledger"

	log "github.com/sirupsen/logrus"
)

// PeerID addresses a sync peer; in production this is the peer's validator
// address string, but the engine treats it opaquely.
type PeerID string

// ErrUnexpectedBlock is returned by ProcessBlockResponse when a peer's
// response does not match the recorded request.
var ErrUnexpectedBlock = errors.New("blocksync: response does not match the recorded request")

// Sender dispatches a BlockRequest wire message to a peer. It is the
// Gateway's outbound path, injected so the engine never imports gateway
// transport concerns.
type Sender interface {
	SendBlockRequest(peer PeerID, startHeight, endHeight uint32) error
}

type requestEntry struct {
	expectedHash         types.BlockHash
	hasHash              bool
	expectedPreviousHash types.BlockHash
	hasPreviousHash      bool
	pendingPeers         map[PeerID]struct{}
	numSyncIPs           int
}

// Engine is the BlockSyncEngine.
type Engine struct {
	mu sync.RWMutex

	locators          map[PeerID]types.BlockLocators
	commonAncestors   map[pairKey]uint32
	requests          map[uint32]*requestEntry
	responses         map[uint32]*types.Block
	requestTimestamps map[uint32]time.Time

	isBlockSynced   bool
	numBlocksBehind uint32

	redundancyFactor int
	ledger           ledger.Service
	sender           Sender
}

type pairKey struct {
	a, b PeerID
}

func makePairKey(a, b PeerID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// New creates an Engine. redundancyFactor should be types.RedundancyFactor
// in production and types.RedundancyFactorTest under test.
func New(ledgerSvc ledger.Service, sender Sender, redundancyFactor int) *Engine {
	return &Engine{
		locators:          make(map[PeerID]types.BlockLocators),
		commonAncestors:   make(map[pairKey]uint32),
		requests:          make(map[uint32]*requestEntry),
		responses:         make(map[uint32]*types.Block),
		requestTimestamps: make(map[uint32]time.Time),
		redundancyFactor:  redundancyFactor,
		ledger:            ledgerSvc,
		sender:            sender,
	}
}

// UpdatePeerLocators replaces a peer's locator set wholesale and recomputes
// its common ancestor against every other tracked peer.
func (e *Engine) UpdatePeerLocators(peer PeerID, locators types.BlockLocators) error {
	if err := locators.IsWellFormed(); err != nil {
		return fmt.Errorf("blocksync: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.locators[peer] = locators
	for other, otherLoc := range e.locators {
		if other == peer {
			continue
		}
		if ca, ok := locators.CommonAncestor(otherLoc); ok {
			e.commonAncestors[makePairKey(peer, other)] = ca
		} else {
			delete(e.commonAncestors, makePairKey(peer, other))
		}
	}
	return nil
}

// RemovePeer erases a peer's locator entry and every common-ancestor pair
// involving it.
func (e *Engine) RemovePeer(peer PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locators, peer)
	for k := range e.commonAncestors {
		if k.a == peer || k.b == peer {
			delete(e.commonAncestors, k)
		}
	}
	for h, entry := range e.requests {
		if _, ok := entry.pendingPeers[peer]; ok {
			delete(entry.pendingPeers, peer)
			if len(entry.pendingPeers) == 0 {
				delete(e.requests, h)
				delete(e.requestTimestamps, h)
			}
		}
	}
}

// IsBlockSynced reports the cached synced flag.
func (e *Engine) IsBlockSynced() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isBlockSynced
}

// NumBlocksBehind reports the cached lag estimate.
func (e *Engine) NumBlocksBehind() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.numBlocksBehind
}

// GetBlockLocators returns the local node's own locators, delegating to the
// ledger (P6: always well-formed by construction of NewBlockLocators).
func (e *Engine) GetBlockLocators() types.BlockLocators {
	return e.ledger.GetBlockLocators()
}

// GreatestKnownPeerHeight returns the highest LatestHeight across every peer
// with recorded locators, or the local tip if no peers are known. Used by
// the coordinator to decide between the fast and BFT advancement paths.
func (e *Engine) GreatestKnownPeerHeight() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	greatest := e.tip()
	for _, loc := range e.locators {
		if h := loc.LatestHeight(); h > greatest {
			greatest = h
		}
	}
	return greatest
}

func (e *Engine) tip() uint32 {
	latest := e.ledger.LatestBlock()
	if latest == nil {
		return 0
	}
	return latest.Height
}

// FindSyncPeers implements the sync-peer selection algorithm from the spec:
// rank candidates by height, then grow a consistent, common-ancestor-linked
// cohort around the highest-ranked candidate until RedundancyFactor peers
// are gathered.
func (e *Engine) FindSyncPeers() (peers []PeerID, minCommonAncestor uint32, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tip := e.tip()

	type candidate struct {
		id     PeerID
		height uint32
	}
	var candidates []candidate
	for peer, loc := range e.locators {
		h := loc.LatestHeight()
		if h > tip {
			candidates = append(candidates, candidate{id: peer, height: h})
		}
	}
	sortCandidatesDesc(candidates)

	maxCandidates := types.NumSyncCandidatePeers(e.redundancyFactor)
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	for _, head := range candidates {
		headLoc := e.locators[head.id]
		group := []PeerID{head.id}
		ancestors := []uint32{head.height}
		grouped := map[PeerID]bool{head.id: true}

		for _, other := range candidates {
			if grouped[other.id] {
				continue
			}
			otherLoc := e.locators[other.id]
			ca, found := e.commonAncestor(head.id, other.id, headLoc, otherLoc)
			if !found || ca <= tip {
				continue
			}
			if !headLoc.ConsistentWith(otherLoc) {
				continue
			}
			group = append(group, other.id)
			ancestors = append(ancestors, ca)
			grouped[other.id] = true
			if len(group) >= e.redundancyFactor {
				break
			}
		}

		if len(group) >= e.redundancyFactor {
			min := ancestors[0]
			for _, a := range ancestors[1:] {
				if a < min {
					min = a
				}
			}
			return group, min, true
		}
	}

	return nil, 0, false
}

func (e *Engine) commonAncestor(a, b PeerID, locA, locB types.BlockLocators) (uint32, bool) {
	if ca, ok := e.commonAncestors[makePairKey(a, b)]; ok {
		return ca, true
	}
	return locA.CommonAncestor(locB)
}

func sortCandidatesDesc(cs []struct {
	id     PeerID
	height uint32
}) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].height > cs[j-1].height; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

// RequestPlan is one constructed request step for a single height.
type RequestPlan struct {
	Height           uint32
	Hash             *types.BlockHash
	PreviousHash     *types.BlockHash
	NumSyncIPs       int
}

// ConstructRequests builds the request plan for heights in (tip, minCommonAncestor],
// skipping heights already tracked in requests or responses until the first
// untracked one, then stopping at the next tracked height so the plan stays
// contiguous, and capping
// the total span at MaxBlockRequests batches of MaximumBlocksPerResponse.
func (e *Engine) ConstructRequests(tip uint32, syncPeers []PeerID, minCommonAncestor uint32) []RequestPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	maxHeight := tip + types.MaxBlockRequests*types.MaximumBlocksPerResponse
	if minCommonAncestor > maxHeight {
		minCommonAncestor = maxHeight
	}

	var plans []RequestPlan
	for h := tip + 1; h <= minCommonAncestor; h++ {
		_, requested := e.requests[h]
		_, responded := e.responses[h]
		if requested || responded {
			if len(plans) > 0 {
				break
			}
			continue
		}

		hashVotes := make(map[types.BlockHash]int)
		prevVotes := make(map[types.BlockHash]int)
		for _, p := range syncPeers {
			loc, ok := e.locators[p]
			if !ok {
				continue
			}
			if hv, ok := loc.HashAt(h); ok {
				hashVotes[hv]++
			}
			if pv, ok := loc.HashAt(h - 1); ok {
				prevVotes[pv]++
			}
		}

		dishonest := len(hashVotes) > 1 || len(prevVotes) > 1

		plan := RequestPlan{Height: h}
		if dishonest {
			plan.NumSyncIPs = types.ExtraRedundancyFactor(e.redundancyFactor)
		} else {
			plan.NumSyncIPs = e.redundancyFactor
			for hv, cnt := range hashVotes {
				hv := hv
				plan.Hash = &hv
				if cnt >= e.redundancyFactor {
					plan.NumSyncIPs = 1
				}
			}
			for pv := range prevVotes {
				pv := pv
				plan.PreviousHash = &pv
			}
		}

		plans = append(plans, plan)
	}

	maxSyncIPs := 0
	for _, p := range plans {
		if p.NumSyncIPs > maxSyncIPs {
			maxSyncIPs = p.NumSyncIPs
		}
	}
	for i := range plans {
		plans[i].NumSyncIPs = maxSyncIPs
	}

	return plans
}

// RemoveTimedOutBlockRequests drops request entries that are obsolete
// (height at or below the ledger tip) or have exceeded BlockRequestTimeout
// while peers remain outstanding (P5).
func (e *Engine) RemoveTimedOutBlockRequests() {
	tip := e.tip()
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for h, entry := range e.requests {
		if h <= tip {
			delete(e.requests, h)
			delete(e.requestTimestamps, h)
			delete(e.responses, h)
			continue
		}
		ts, ok := e.requestTimestamps[h]
		if !ok {
			continue
		}
		if len(entry.pendingPeers) > 0 && now.Sub(ts) > types.BlockRequestTimeout {
			log.WithField("height", h).Debug("blocksync: request timed out")
			delete(e.requests, h)
			delete(e.requestTimestamps, h)
		}
	}
}

// TryBlockSync runs one dispatch pass: it clears timed-out/obsolete
// requests, selects sync peers, constructs a request plan, updates the
// cached sync flags, and dispatches BlockRequest messages in chunks of
// MaximumBlocksPerResponse, rolling a chunk back entirely if any send fails.
func (e *Engine) TryBlockSync() error {
	e.RemoveTimedOutBlockRequests()

	syncPeers, minCommonAncestor, ok := e.FindSyncPeers()
	tip := e.tip()

	e.updateSyncFlags(syncPeers)

	if !ok {
		return nil
	}

	plans := e.ConstructRequests(tip, syncPeers, minCommonAncestor)
	if len(plans) == 0 {
		return nil
	}

	for start := 0; start < len(plans); start += types.MaximumBlocksPerResponse {
		end := start + types.MaximumBlocksPerResponse
		if end > len(plans) {
			end = len(plans)
		}
		chunk := plans[start:end]
		if err := e.dispatchChunk(chunk, syncPeers); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) updateSyncFlags(syncPeers []PeerID) {
	e.mu.RLock()
	var greatest uint32
	for _, p := range syncPeers {
		if loc, ok := e.locators[p]; ok {
			if h := loc.LatestHeight(); h > greatest {
				greatest = h
			}
		}
	}
	e.mu.RUnlock()

	tip := e.tip()
	behind := uint32(0)
	if greatest > tip {
		behind = greatest - tip
	}

	e.mu.Lock()
	e.numBlocksBehind = behind
	e.isBlockSynced = behind <= types.MaxBlocksBehind
	e.mu.Unlock()
}

func (e *Engine) dispatchChunk(chunk []RequestPlan, syncPeers []PeerID) error {
	numSyncIPs := chunk[0].NumSyncIPs
	if numSyncIPs <= 0 {
		numSyncIPs = 1
	}
	sampled := sample(syncPeers, numSyncIPs)
	if len(sampled) == 0 {
		return nil
	}

	startHeight := chunk[0].Height
	endHeight := chunk[len(chunk)-1].Height

	e.mu.Lock()
	now := time.Now()
	for _, plan := range chunk {
		entry := &requestEntry{
			pendingPeers: make(map[PeerID]struct{}),
			numSyncIPs:   plan.NumSyncIPs,
		}
		if plan.Hash != nil {
			entry.expectedHash, entry.hasHash = *plan.Hash, true
		}
		if plan.PreviousHash != nil {
			entry.expectedPreviousHash, entry.hasPreviousHash = *plan.PreviousHash, true
		}
		for _, p := range sampled {
			entry.pendingPeers[p] = struct{}{}
		}
		e.requests[plan.Height] = entry
		e.requestTimestamps[plan.Height] = now
	}
	e.mu.Unlock()

	for _, peer := range sampled {
		if err := e.sender.SendBlockRequest(peer, startHeight, endHeight+1); err != nil {
			e.mu.Lock()
			for _, plan := range chunk {
				delete(e.requests, plan.Height)
				delete(e.requestTimestamps, plan.Height)
			}
			e.mu.Unlock()
			return fmt.Errorf("blocksync: send to %s: %w", peer, err)
		}
	}

	return nil
}

func sample(peers []PeerID, n int) []PeerID {
	if n >= len(peers) {
		out := make([]PeerID, len(peers))
		copy(out, peers)
		return out
	}
	shuffled := make([]PeerID, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// ProcessBlockResponse ingests a peer's response. Any mismatch against the
// recorded request removes every outstanding request to that peer and
// returns ErrUnexpectedBlock.
func (e *Engine) ProcessBlockResponse(peer PeerID, blocks []*types.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, block := range blocks {
		entry, ok := e.requests[block.Height]
		if !ok {
			e.removeAllRequestsToPeerLocked(peer)
			return ErrUnexpectedBlock
		}
		if _, pending := entry.pendingPeers[peer]; !pending {
			e.removeAllRequestsToPeerLocked(peer)
			return ErrUnexpectedBlock
		}
		if entry.hasHash && entry.expectedHash != block.Hash {
			e.removeAllRequestsToPeerLocked(peer)
			return ErrUnexpectedBlock
		}
		if entry.hasPreviousHash && entry.expectedPreviousHash != block.PreviousHash {
			e.removeAllRequestsToPeerLocked(peer)
			return ErrUnexpectedBlock
		}
		if existing, ok := e.responses[block.Height]; ok && existing.Hash != block.Hash {
			e.removeAllRequestsToPeerLocked(peer)
			return ErrUnexpectedBlock
		}

		delete(entry.pendingPeers, peer)
		e.responses[block.Height] = block
	}

	return nil
}

func (e *Engine) removeAllRequestsToPeerLocked(peer PeerID) {
	for h, entry := range e.requests {
		if _, ok := entry.pendingPeers[peer]; ok {
			delete(entry.pendingPeers, peer)
			if len(entry.pendingPeers) == 0 && e.responses[h] == nil {
				delete(e.requests, h)
				delete(e.requestTimestamps, h)
			}
		}
	}
}

// RemoveBlockResponse returns and removes responses[h] iff the request at h
// has no remaining pending peers; otherwise it returns (nil, false).
func (e *Engine) RemoveBlockResponse(h uint32) (*types.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, hasRequest := e.requests[h]
	if hasRequest && len(entry.pendingPeers) > 0 {
		return nil, false
	}

	block, ok := e.responses[h]
	if !ok {
		return nil, false
	}
	delete(e.responses, h)
	delete(e.requests, h)
	delete(e.requestTimestamps, h)
	return block, true
}

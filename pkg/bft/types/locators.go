package types

import "fmt"

// NumRecentBlocks is the number of dense, contiguous recent heights carried
// by every BlockLocators value.
const NumRecentBlocks = 100

// CheckpointInterval is the height spacing of sparse checkpoint entries.
const CheckpointInterval = 10_000

// BlockLocators summarizes a peer's chain position without transferring
// every hash: a dense window of recent heights plus sparse checkpoints.
type BlockLocators struct {
	Recents     map[uint32]BlockHash
	Checkpoints map[uint32]BlockHash
}

// NewBlockLocators builds a well-formed BlockLocators for a chain tip at
// height `tip`, given a function that returns the hash at any height.
func NewBlockLocators(tip uint32, hashAt func(uint32) BlockHash) BlockLocators {
	recents := make(map[uint32]BlockHash)
	start := uint32(0)
	if tip+1 > NumRecentBlocks {
		start = tip + 1 - NumRecentBlocks
	}
	for h := start; h <= tip; h++ {
		recents[h] = hashAt(h)
	}

	checkpoints := make(map[uint32]BlockHash)
	checkpoints[0] = hashAt(0)
	for h := uint32(CheckpointInterval); h <= start; h += CheckpointInterval {
		checkpoints[h] = hashAt(h)
	}

	return BlockLocators{Recents: recents, Checkpoints: checkpoints}
}

// LatestHeight returns the greatest height the locators describe.
func (l BlockLocators) LatestHeight() uint32 {
	var max uint32
	found := false
	for h := range l.Recents {
		if !found || h > max {
			max, found = h, true
		}
	}
	for h := range l.Checkpoints {
		if !found || h > max {
			max, found = h, true
		}
	}
	return max
}

// HashAt returns the hash at height h if the locators carry it.
func (l BlockLocators) HashAt(h uint32) (BlockHash, bool) {
	if hash, ok := l.Recents[h]; ok {
		return hash, true
	}
	hash, ok := l.Checkpoints[h]
	return hash, ok
}

// IsWellFormed checks the invariants from the data model: recents are
// contiguous, checkpoints fall on the interval, genesis is present, and the
// two maps agree on any overlapping height.
func (l BlockLocators) IsWellFormed() error {
	if _, ok := l.Checkpoints[0]; !ok {
		return fmt.Errorf("block locators: missing genesis checkpoint")
	}

	if len(l.Recents) > 0 {
		var min, max uint32
		first := true
		for h := range l.Recents {
			if first || h < min {
				min = h
			}
			if first || h > max {
				max = h
			}
			first = false
		}
		if uint64(max-min+1) != uint64(len(l.Recents)) {
			return fmt.Errorf("block locators: recents are not contiguous")
		}
	}

	for h := range l.Checkpoints {
		if h%CheckpointInterval != 0 {
			return fmt.Errorf("block locators: checkpoint %d is not on the interval", h)
		}
	}

	for h, hash := range l.Recents {
		if cp, ok := l.Checkpoints[h]; ok && cp != hash {
			return fmt.Errorf("block locators: recents/checkpoints disagree at height %d", h)
		}
	}

	return nil
}

// ConsistentWith reports whether two locator sets agree on every height
// present in both (the "consistent locators" glossary term).
func (l BlockLocators) ConsistentWith(other BlockLocators) bool {
	for h, hash := range l.Recents {
		if oh, ok := other.HashAt(h); ok && oh != hash {
			return false
		}
	}
	for h, hash := range l.Checkpoints {
		if oh, ok := other.HashAt(h); ok && oh != hash {
			return false
		}
	}
	return true
}

// CommonAncestor returns the highest height at which both locator sets
// agree, or (0, false) if they share no height at all.
func (l BlockLocators) CommonAncestor(other BlockLocators) (uint32, bool) {
	var best uint32
	found := false
	check := func(h uint32, hash BlockHash) {
		if oh, ok := other.HashAt(h); ok && oh == hash {
			if !found || h > best {
				best, found = h, true
			}
		}
	}
	for h, hash := range l.Recents {
		check(h, hash)
	}
	for h, hash := range l.Checkpoints {
		check(h, hash)
	}
	return best, found
}

// Package txstore defines the StorageService collaborator: a keyed store of
// transmissions (transaction/solution bodies) by TransmissionID. Bodies
// themselves are opaque bytes; their interpretation is a non-goal here.
package txstore

import (
	"sync"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
)

// Service is the StorageService capability set, assumed internally
// synchronized.
type Service interface {
	ContainsTransmission(id types.TransmissionID) bool
	GetTransmission(id types.TransmissionID) ([]byte, bool)
	InsertTransmissions(certificate types.CertID, transmissions map[types.TransmissionID][]byte)
	RemoveTransmissions(certificate types.CertID)
	FindMissingTransmissions(ids []types.TransmissionID, supplied map[types.TransmissionID][]byte, abortedSet map[types.TransmissionID]struct{}) []types.TransmissionID
	AsMap() map[types.TransmissionID][]byte
}

// Memory is an in-memory StorageService. Each transmission is stored once,
// with a reference count of how many certificates currently cite it;
// RemoveTransmissions decrements and garbage collects at zero, mirroring the
// back-reference counting the CertificateStore relies on during GC.
type Memory struct {
	mu   sync.RWMutex
	body map[types.TransmissionID][]byte
	refs map[types.TransmissionID]int
	byCert map[types.CertID][]types.TransmissionID
}

// NewMemory creates an empty transmission store.
func NewMemory() *Memory {
	return &Memory{
		body:   make(map[types.TransmissionID][]byte),
		refs:   make(map[types.TransmissionID]int),
		byCert: make(map[types.CertID][]types.TransmissionID),
	}
}

func (m *Memory) ContainsTransmission(id types.TransmissionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.body[id]
	return ok
}

func (m *Memory) GetTransmission(id types.TransmissionID) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.body[id]
	return b, ok
}

func (m *Memory) InsertTransmissions(certificate types.CertID, transmissions map[types.TransmissionID][]byte) {
	if len(transmissions) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]types.TransmissionID, 0, len(transmissions))
	for id, body := range transmissions {
		if _, exists := m.body[id]; !exists {
			m.body[id] = body
		}
		m.refs[id]++
		ids = append(ids, id)
	}
	m.byCert[certificate] = append(m.byCert[certificate], ids...)
}

func (m *Memory) RemoveTransmissions(certificate types.CertID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.byCert[certificate]
	if !ok {
		return
	}
	for _, id := range ids {
		m.refs[id]--
		if m.refs[id] <= 0 {
			delete(m.refs, id)
			delete(m.body, id)
		}
	}
	delete(m.byCert, certificate)
}

func (m *Memory) FindMissingTransmissions(ids []types.TransmissionID, supplied map[types.TransmissionID][]byte, abortedSet map[types.TransmissionID]struct{}) []types.TransmissionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var missing []types.TransmissionID
	for _, id := range ids {
		if _, ok := supplied[id]; ok {
			continue
		}
		if _, ok := m.body[id]; ok {
			continue
		}
		if _, ok := abortedSet[id]; ok {
			continue
		}
		missing = append(missing, id)
	}
	return missing
}

func (m *Memory) AsMap() map[types.TransmissionID][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.TransmissionID][]byte, len(m.body))
	for k, v := range m.body {
		out[k] = v
	}
	return out
}

var _ Service = (*Memory)(nil)

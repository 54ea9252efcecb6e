package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitProcessesTasksInOrderPerShard(t *testing.T) {
	pool := NewWorkerPool(4)
	pool.Start()
	defer pool.Stop()

	id := types.TransmissionID{Kind: types.Transaction, ID: [32]byte{1}}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		pool.Submit(id, func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not complete")
	}

	require.Len(t, order, 5)
	for i, v := range order {
		assert.Equal(t, i, v, "same-shard tasks must run in submission order")
	}
}

func TestSameTransmissionAlwaysShardsToSameWorker(t *testing.T) {
	id := types.TransmissionID{Kind: types.Solution, ID: [32]byte{9, 9}}
	first := id.WorkerShard(8)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, id.WorkerShard(8))
	}
}

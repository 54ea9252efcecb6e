package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndRemoveResolvesCallback(t *testing.T) {
	q := New(time.Second)

	ch := q.Insert("cert-1", "peer-a", true, true)
	require.NotNil(t, ch)
	assert.True(t, q.ContainsPeerWithSentRequest("cert-1", "peer-a"))
	assert.Equal(t, 1, q.NumSentRequests("cert-1"))

	q.Remove("cert-1", "the-block")

	select {
	case res := <-ch:
		assert.Equal(t, "the-block", res.Value)
		assert.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("callback was not resolved")
	}

	assert.False(t, q.ContainsPeerWithSentRequest("cert-1", "peer-a"))
}

func TestClearExpiredCallbacksTimesOut(t *testing.T) {
	q := New(10 * time.Millisecond)

	ch := q.Insert("cert-2", "peer-b", true, true)
	time.Sleep(20 * time.Millisecond)
	q.ClearExpiredCallbacks()

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.Err, ErrTimedOut)
	case <-time.After(time.Second):
		t.Fatal("callback was not resolved with a timeout")
	}
}

func TestInsertWithoutCallbackReturnsNil(t *testing.T) {
	q := New(time.Second)
	ch := q.Insert("cert-3", "peer-c", false, false)
	assert.Nil(t, ch)
	assert.Equal(t, 0, q.NumSentRequests("cert-3"))
}

package wire

import (
	"bytes"
	"testing"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddress(t *testing.T, seed byte) wallet.Address {
	t.Helper()
	key := make([]byte, 32)
	key[0] = seed
	addr, err := wallet.NewAddress(key)
	require.NoError(t, err)
	return addr
}

func roundTrip(t *testing.T, ev Event) Event {
	t.Helper()
	frame, err := EncodeFrame(ev)
	require.NoError(t, err)
	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, ev.Topic(), decoded.Topic())
	return decoded
}

func TestChallengeResponseRoundTrip(t *testing.T) {
	addr := testAddress(t, 1)
	ev := &ChallengeResponse{
		Version:        types.EventVersion,
		Nonce:          [32]byte{1, 2, 3},
		Address:        addr,
		Signature:      []byte("sig"),
		RestrictionsID: types.CertID{9, 9},
		ListenPort:     9000,
	}

	decoded := roundTrip(t, ev).(*ChallengeResponse)
	assert.Equal(t, ev.Version, decoded.Version)
	assert.Equal(t, ev.Nonce, decoded.Nonce)
	assert.True(t, ev.Address.Equal(decoded.Address))
	assert.Equal(t, ev.Signature, decoded.Signature)
	assert.Equal(t, ev.RestrictionsID, decoded.RestrictionsID)
	assert.Equal(t, ev.ListenPort, decoded.ListenPort)
}

func TestBlockRequestResponseRoundTrip(t *testing.T) {
	req := &BlockRequest{StartHeight: 5, EndHeight: 10}
	decodedReq := roundTrip(t, req).(*BlockRequest)
	assert.Equal(t, req.StartHeight, decodedReq.StartHeight)
	assert.Equal(t, req.EndHeight, decodedReq.EndHeight)

	author := testAddress(t, 2)
	block := &types.Block{
		Height:       10,
		Hash:         types.BlockHash{1},
		PreviousHash: types.BlockHash{2},
		Round:        4,
		Certificates: []types.BatchCertificate{
			{
				Header: types.BatchHeader{
					Author:      author,
					Round:       3,
					Timestamp:   1000,
					Signature:   []byte("batch-sig"),
				},
				Signatures: map[wallet.Address][]byte{testAddress(t, 3): []byte("s1")},
			},
		},
		UnconfirmedTxs: map[types.TransmissionID][]byte{
			{Kind: types.Transaction, ID: [32]byte{7}}: []byte("payload"),
		},
	}
	resp := &BlockResponse{Blocks: []*types.Block{block}}
	decodedResp := roundTrip(t, resp).(*BlockResponse)
	require.Len(t, decodedResp.Blocks, 1)
	assert.Equal(t, block.Height, decodedResp.Blocks[0].Height)
	assert.Equal(t, block.Hash, decodedResp.Blocks[0].Hash)
	require.Len(t, decodedResp.Blocks[0].Certificates, 1)
	assert.True(t, author.Equal(decodedResp.Blocks[0].Certificates[0].Header.Author))
}

func TestTransmissionResponseRoundTrip(t *testing.T) {
	id := types.TransmissionID{Kind: types.Solution, ID: [32]byte{4}}
	ev := &TransmissionResponse{Bodies: map[types.TransmissionID][]byte{id: []byte("body")}}
	decoded := roundTrip(t, ev).(*TransmissionResponse)
	assert.Equal(t, []byte("body"), decoded.Bodies[id])
}

func TestDisconnectReasonRoundTrip(t *testing.T) {
	ev := &Disconnect{Reason: DisconnectNotCommitteeMember}
	decoded := roundTrip(t, ev).(*Disconnect)
	assert.Equal(t, ev.Reason, decoded.Reason)
	assert.Equal(t, "NotCommitteeMember", decoded.Reason.String())
}

func TestFrameRoundTripThroughReaderWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	ev := &WorkerPing{WorkerID: 3}
	payload, err := EncodeFrame(ev)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(buf, payload))

	readBack, err := ReadFrame(buf)
	require.NoError(t, err)
	decoded, err := DecodeFrame(readBack)
	require.NoError(t, err)
	assert.Equal(t, ev.Topic(), decoded.Topic())
	assert.Equal(t, ev.WorkerID, decoded.(*WorkerPing).WorkerID)
}

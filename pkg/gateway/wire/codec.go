package wire

import (
	"io"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/wallet"
)

func writeAddress(w io.Writer, a wallet.Address) error {
	return writeVarBytes(w, a.Bytes())
}

func readAddress(r io.Reader) (wallet.Address, error) {
	b, err := readVarBytes(r)
	if err != nil {
		return wallet.Address{}, err
	}
	return wallet.NewAddress(b)
}

func writeTransmissionID(w io.Writer, id types.TransmissionID) error {
	if _, err := w.Write([]byte{byte(id.Kind)}); err != nil {
		return err
	}
	if err := write32(w, id.ID); err != nil {
		return err
	}
	return write32(w, id.Checksum)
}

func readTransmissionID(r io.Reader) (types.TransmissionID, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return types.TransmissionID{}, err
	}
	id, err := read32(r)
	if err != nil {
		return types.TransmissionID{}, err
	}
	checksum, err := read32(r)
	if err != nil {
		return types.TransmissionID{}, err
	}
	return types.TransmissionID{Kind: types.TransmissionKind(kind[0]), ID: id, Checksum: checksum}, nil
}

func writeBatchHeader(w io.Writer, h *types.BatchHeader) error {
	if err := writeAddress(w, h.Author); err != nil {
		return err
	}
	if err := writeUint64(w, h.Round); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(h.Timestamp)); err != nil {
		return err
	}
	if err := write32(w, h.CommitteeID); err != nil {
		return err
	}
	if err := writeVarInt(w, uint64(len(h.TransmissionIDs))); err != nil {
		return err
	}
	for _, id := range h.TransmissionIDs {
		if err := writeTransmissionID(w, id); err != nil {
			return err
		}
	}
	if err := writeVarInt(w, uint64(len(h.PreviousCertificates))); err != nil {
		return err
	}
	for _, p := range h.PreviousCertificates {
		if err := write32(w, p); err != nil {
			return err
		}
	}
	return writeVarBytes(w, h.Signature)
}

func readBatchHeader(r io.Reader) (*types.BatchHeader, error) {
	h := &types.BatchHeader{}

	author, err := readAddress(r)
	if err != nil {
		return nil, err
	}
	h.Author = author

	round, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	h.Round = round

	ts, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	h.Timestamp = int64(ts)

	committeeID, err := read32(r)
	if err != nil {
		return nil, err
	}
	h.CommitteeID = committeeID

	numTx, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	h.TransmissionIDs = make([]types.TransmissionID, numTx)
	for i := range h.TransmissionIDs {
		id, err := readTransmissionID(r)
		if err != nil {
			return nil, err
		}
		h.TransmissionIDs[i] = id
	}

	numPrev, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	h.PreviousCertificates = make([]types.CertID, numPrev)
	for i := range h.PreviousCertificates {
		p, err := read32(r)
		if err != nil {
			return nil, err
		}
		h.PreviousCertificates[i] = p
	}

	sig, err := readVarBytes(r)
	if err != nil {
		return nil, err
	}
	h.Signature = sig

	return h, nil
}

func writeBatchCertificate(w io.Writer, c *types.BatchCertificate) error {
	if err := writeBatchHeader(w, &c.Header); err != nil {
		return err
	}
	signers := c.SignerAddresses()
	if err := writeVarInt(w, uint64(len(signers))); err != nil {
		return err
	}
	for _, addr := range signers {
		if err := writeAddress(w, addr); err != nil {
			return err
		}
		if err := writeVarBytes(w, c.Signatures[addr]); err != nil {
			return err
		}
	}
	return nil
}

func readBatchCertificate(r io.Reader) (*types.BatchCertificate, error) {
	header, err := readBatchHeader(r)
	if err != nil {
		return nil, err
	}
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	sigs := make(map[wallet.Address][]byte, n)
	for i := uint64(0); i < n; i++ {
		addr, err := readAddress(r)
		if err != nil {
			return nil, err
		}
		sig, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		sigs[addr] = sig
	}
	return &types.BatchCertificate{Header: *header, Signatures: sigs}, nil
}

func writeBlock(w io.Writer, b *types.Block) error {
	if err := writeUint32(w, b.Height); err != nil {
		return err
	}
	if err := write32(w, b.Hash); err != nil {
		return err
	}
	if err := write32(w, b.PreviousHash); err != nil {
		return err
	}
	if err := writeUint64(w, b.Round); err != nil {
		return err
	}
	if err := write32(w, b.LeaderCertID); err != nil {
		return err
	}
	if err := writeVarInt(w, uint64(len(b.Certificates))); err != nil {
		return err
	}
	for i := range b.Certificates {
		if err := writeBatchCertificate(w, &b.Certificates[i]); err != nil {
			return err
		}
	}
	if err := writeVarInt(w, uint64(len(b.Transactions))); err != nil {
		return err
	}
	for _, id := range b.Transactions {
		if err := writeTransmissionID(w, id); err != nil {
			return err
		}
	}
	if err := writeVarInt(w, uint64(len(b.UnconfirmedTxs))); err != nil {
		return err
	}
	for id, body := range b.UnconfirmedTxs {
		if err := writeTransmissionID(w, id); err != nil {
			return err
		}
		if err := writeVarBytes(w, body); err != nil {
			return err
		}
	}
	return nil
}

func readBlock(r io.Reader) (*types.Block, error) {
	b := &types.Block{}

	height, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b.Height = height

	hash, err := read32(r)
	if err != nil {
		return nil, err
	}
	b.Hash = hash

	prevHash, err := read32(r)
	if err != nil {
		return nil, err
	}
	b.PreviousHash = prevHash

	round, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	b.Round = round

	leaderID, err := read32(r)
	if err != nil {
		return nil, err
	}
	b.LeaderCertID = leaderID

	numCerts, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	b.Certificates = make([]types.BatchCertificate, numCerts)
	for i := range b.Certificates {
		cert, err := readBatchCertificate(r)
		if err != nil {
			return nil, err
		}
		b.Certificates[i] = *cert
	}

	numTx, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	b.Transactions = make([]types.TransmissionID, numTx)
	for i := range b.Transactions {
		id, err := readTransmissionID(r)
		if err != nil {
			return nil, err
		}
		b.Transactions[i] = id
	}

	numUnconfirmed, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	b.UnconfirmedTxs = make(map[types.TransmissionID][]byte, numUnconfirmed)
	for i := uint64(0); i < numUnconfirmed; i++ {
		id, err := readTransmissionID(r)
		if err != nil {
			return nil, err
		}
		body, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		b.UnconfirmedTxs[id] = body
	}

	return b, nil
}

func writeLocators(w io.Writer, l types.BlockLocators) error {
	if err := writeVarInt(w, uint64(len(l.Recents))); err != nil {
		return err
	}
	for h, hash := range l.Recents {
		if err := writeUint32(w, h); err != nil {
			return err
		}
		if err := write32(w, hash); err != nil {
			return err
		}
	}
	if err := writeVarInt(w, uint64(len(l.Checkpoints))); err != nil {
		return err
	}
	for h, hash := range l.Checkpoints {
		if err := writeUint32(w, h); err != nil {
			return err
		}
		if err := write32(w, hash); err != nil {
			return err
		}
	}
	return nil
}

func readLocators(r io.Reader) (types.BlockLocators, error) {
	l := types.BlockLocators{Recents: map[uint32]types.BlockHash{}, Checkpoints: map[uint32]types.BlockHash{}}

	numRecents, err := readVarInt(r)
	if err != nil {
		return l, err
	}
	for i := uint64(0); i < numRecents; i++ {
		h, err := readUint32(r)
		if err != nil {
			return l, err
		}
		hash, err := read32(r)
		if err != nil {
			return l, err
		}
		l.Recents[h] = hash
	}

	numCheckpoints, err := readVarInt(r)
	if err != nil {
		return l, err
	}
	for i := uint64(0); i < numCheckpoints; i++ {
		h, err := readUint32(r)
		if err != nil {
			return l, err
		}
		hash, err := read32(r)
		if err != nil {
			return l, err
		}
		l.Checkpoints[h] = hash
	}

	return l, nil
}

package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"

	"github.com/dusk-network/dusk-bft-sync/wallet"
)

// CertID is a content-addressed 32 byte identifier, used for both batch_id
// and certificate_id.
type CertID [32]byte

// BatchHeader is the payload an author broadcasts once per round.
type BatchHeader struct {
	Author               wallet.Address
	Round                uint64
	Timestamp            int64
	CommitteeID          CertID
	TransmissionIDs      []TransmissionID
	PreviousCertificates []CertID
	Signature            []byte
}

// BatchID computes the content address of the header: every field except
// the signature, which authenticates rather than identifies it.
func (h *BatchHeader) BatchID() CertID {
	buf := new(bytes.Buffer)
	buf.Write(h.Author.Bytes())
	writeUint64(buf, h.Round)
	writeInt64(buf, h.Timestamp)
	buf.Write(h.CommitteeID[:])

	ids := append([]TransmissionID(nil), h.TransmissionIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	for _, id := range ids {
		buf.WriteByte(byte(id.Kind))
		buf.Write(id.ID[:])
		buf.Write(id.Checksum[:])
	}

	prev := append([]CertID(nil), h.PreviousCertificates...)
	sort.Slice(prev, func(i, j int) bool { return bytes.Compare(prev[i][:], prev[j][:]) < 0 })
	for _, p := range prev {
		buf.Write(p[:])
	}

	return sha256.Sum256(buf.Bytes())
}

// BatchCertificate is a BatchHeader co-signed by other committee members.
// The author's own signature is implied and must never appear in Signatures.
type BatchCertificate struct {
	Header     BatchHeader
	Signatures map[wallet.Address][]byte
}

// CertificateID is the content address of the certificate: the batch id
// combined with the set of signers, so that two certificates over the same
// batch with different signer sets are distinct entries.
func (c *BatchCertificate) CertificateID() CertID {
	buf := new(bytes.Buffer)
	batchID := c.Header.BatchID()
	buf.Write(batchID[:])

	signers := c.SignerAddresses()
	for _, s := range signers {
		buf.Write(s.Bytes())
	}

	return sha256.Sum256(buf.Bytes())
}

// SignerAddresses returns the certificate's signers (excluding the author),
// sorted for determinism.
func (c *BatchCertificate) SignerAddresses() []wallet.Address {
	out := make([]wallet.Address, 0, len(c.Signatures))
	for addr := range c.Signatures {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}

// Authors returns the signer set plus the implied author, used wherever the
// spec speaks of "signers ∪ {author}".
func (c *BatchCertificate) Authors() []wallet.Address {
	return append([]wallet.Address{c.Header.Author}, c.SignerAddresses()...)
}

// Round returns the header's round, a convenience accessor used pervasively
// by CertificateStore.
func (c *BatchCertificate) Round() uint64 { return c.Header.Round }

// WithinTimestampDelta reports whether the header's timestamp is within
// maxDelta of now, in either direction (the "timestamp liveness" check).
func (h *BatchHeader) WithinTimestampDelta(now time.Time, maxDelta time.Duration) bool {
	delta := now.Unix() - h.Timestamp
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second <= maxDelta
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/wallet"
)

// Topic tags the variant carried by an Event frame, mirroring the teacher's
// topics.Topic byte-tagged dispatch.
type Topic byte

const (
	TopicChallengeRequest Topic = iota
	TopicChallengeResponse
	TopicDisconnect
	TopicBlockRequest
	TopicBlockResponse
	TopicCertificateRequest
	TopicCertificateResponse
	TopicTransmissionRequest
	TopicTransmissionResponse
	TopicValidatorsRequest
	TopicValidatorsResponse
	TopicPrimaryPing
	TopicWorkerPing
	TopicBatchPropose
	TopicBatchSignature
	TopicBatchCertified
)

func (t Topic) String() string {
	switch t {
	case TopicChallengeRequest:
		return "ChallengeRequest"
	case TopicChallengeResponse:
		return "ChallengeResponse"
	case TopicDisconnect:
		return "Disconnect"
	case TopicBlockRequest:
		return "BlockRequest"
	case TopicBlockResponse:
		return "BlockResponse"
	case TopicCertificateRequest:
		return "CertificateRequest"
	case TopicCertificateResponse:
		return "CertificateResponse"
	case TopicTransmissionRequest:
		return "TransmissionRequest"
	case TopicTransmissionResponse:
		return "TransmissionResponse"
	case TopicValidatorsRequest:
		return "ValidatorsRequest"
	case TopicValidatorsResponse:
		return "ValidatorsResponse"
	case TopicPrimaryPing:
		return "PrimaryPing"
	case TopicWorkerPing:
		return "WorkerPing"
	case TopicBatchPropose:
		return "BatchPropose"
	case TopicBatchSignature:
		return "BatchSignature"
	case TopicBatchCertified:
		return "BatchCertified"
	default:
		return "Unknown"
	}
}

// Event is anything that can travel on the gateway wire: a topic plus a
// self-describing body.
type Event interface {
	Topic() Topic
	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

// ChallengeRequest opens the handshake with a random nonce the responder
// must sign. Version is the sender's wire protocol version, checked by the
// receiver against types.EventVersion before anything else.
type ChallengeRequest struct {
	Version uint32
	Nonce   [32]byte
}

func (*ChallengeRequest) Topic() Topic { return TopicChallengeRequest }
func (e *ChallengeRequest) Encode(w io.Writer) error {
	if err := writeUint32(w, e.Version); err != nil {
		return err
	}
	return write32(w, e.Nonce)
}
func (e *ChallengeRequest) Decode(r io.Reader) error {
	version, err := readUint32(r)
	if err != nil {
		return err
	}
	e.Version = version
	e.Nonce, err = read32(r)
	return err
}

// ChallengeResponse answers a ChallengeRequest. Per the handshake design
// note, the responder always sends its own ChallengeResponse before
// validating the initiator's.
type ChallengeResponse struct {
	Version        uint32
	Nonce          [32]byte
	Address        wallet.Address
	Signature      []byte
	RestrictionsID types.CertID
	ListenPort     uint16
}

func (*ChallengeResponse) Topic() Topic { return TopicChallengeResponse }

func (e *ChallengeResponse) Encode(w io.Writer) error {
	if err := writeUint32(w, e.Version); err != nil {
		return err
	}
	if err := write32(w, e.Nonce); err != nil {
		return err
	}
	if err := writeAddress(w, e.Address); err != nil {
		return err
	}
	if err := writeVarBytes(w, e.Signature); err != nil {
		return err
	}
	if err := write32(w, e.RestrictionsID); err != nil {
		return err
	}
	return writeUint16(w, e.ListenPort)
}

func (e *ChallengeResponse) Decode(r io.Reader) error {
	version, err := readUint32(r)
	if err != nil {
		return err
	}
	e.Version = version

	nonce, err := read32(r)
	if err != nil {
		return err
	}
	e.Nonce = nonce

	addr, err := readAddress(r)
	if err != nil {
		return err
	}
	e.Address = addr

	sig, err := readVarBytes(r)
	if err != nil {
		return err
	}
	e.Signature = sig

	restrictionsID, err := read32(r)
	if err != nil {
		return err
	}
	e.RestrictionsID = restrictionsID

	port, err := readUint16(r)
	if err != nil {
		return err
	}
	e.ListenPort = port
	return nil
}

// DisconnectReason tags why a peer is closing the connection as a wire-exact
// byte rather than a free-form message. The handshake sends
// ProtocolViolation for an unauthorized or already-connected peer and
// InvalidChallengeResponse for a bad nonce, signature or restrictions id.
type DisconnectReason byte

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectOutdatedClientVersion
	DisconnectProtocolViolation
	DisconnectInvalidChallengeResponse
	DisconnectSelfConnect
	DisconnectAlreadyConnected
	DisconnectNotCommitteeMember
	DisconnectRestrictionsMismatch
	DisconnectRequested
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectOutdatedClientVersion:
		return "OutdatedClientVersion"
	case DisconnectProtocolViolation:
		return "ProtocolViolation"
	case DisconnectInvalidChallengeResponse:
		return "InvalidChallengeResponse"
	case DisconnectSelfConnect:
		return "SelfConnect"
	case DisconnectAlreadyConnected:
		return "AlreadyConnected"
	case DisconnectNotCommitteeMember:
		return "NotCommitteeMember"
	case DisconnectRestrictionsMismatch:
		return "RestrictionsMismatch"
	case DisconnectRequested:
		return "Requested"
	default:
		return "Unknown"
	}
}

// Disconnect announces the reason a peer is closing the connection.
type Disconnect struct {
	Reason DisconnectReason
}

func (*Disconnect) Topic() Topic { return TopicDisconnect }
func (e *Disconnect) Encode(w io.Writer) error {
	_, err := w.Write([]byte{byte(e.Reason)})
	return err
}
func (e *Disconnect) Decode(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	e.Reason = DisconnectReason(b[0])
	return nil
}

// BlockRequest asks for a contiguous run of blocks [StartHeight, EndHeight);
// EndHeight itself is not included.
type BlockRequest struct {
	StartHeight uint32
	EndHeight   uint32
}

func (*BlockRequest) Topic() Topic { return TopicBlockRequest }
func (e *BlockRequest) Encode(w io.Writer) error {
	if err := writeUint32(w, e.StartHeight); err != nil {
		return err
	}
	return writeUint32(w, e.EndHeight)
}
func (e *BlockRequest) Decode(r io.Reader) error {
	start, err := readUint32(r)
	if err != nil {
		return err
	}
	e.StartHeight = start
	end, err := readUint32(r)
	if err != nil {
		return err
	}
	e.EndHeight = end
	return nil
}

// BlockResponse carries up to MaximumBlocksPerResponse blocks.
type BlockResponse struct {
	Blocks []*types.Block
}

func (*BlockResponse) Topic() Topic { return TopicBlockResponse }
func (e *BlockResponse) Encode(w io.Writer) error {
	if err := writeVarInt(w, uint64(len(e.Blocks))); err != nil {
		return err
	}
	for _, b := range e.Blocks {
		if err := writeBlock(w, b); err != nil {
			return err
		}
	}
	return nil
}
func (e *BlockResponse) Decode(r io.Reader) error {
	n, err := readVarInt(r)
	if err != nil {
		return err
	}
	e.Blocks = make([]*types.Block, n)
	for i := range e.Blocks {
		b, err := readBlock(r)
		if err != nil {
			return err
		}
		e.Blocks[i] = b
	}
	return nil
}

// CertificateRequest asks for specific certificates by id.
type CertificateRequest struct {
	IDs []types.CertID
}

func (*CertificateRequest) Topic() Topic { return TopicCertificateRequest }
func (e *CertificateRequest) Encode(w io.Writer) error {
	if err := writeVarInt(w, uint64(len(e.IDs))); err != nil {
		return err
	}
	for _, id := range e.IDs {
		if err := write32(w, id); err != nil {
			return err
		}
	}
	return nil
}
func (e *CertificateRequest) Decode(r io.Reader) error {
	n, err := readVarInt(r)
	if err != nil {
		return err
	}
	e.IDs = make([]types.CertID, n)
	for i := range e.IDs {
		id, err := read32(r)
		if err != nil {
			return err
		}
		e.IDs[i] = id
	}
	return nil
}

// CertificateResponse carries the certificates found for a CertificateRequest.
type CertificateResponse struct {
	Certificates []*types.BatchCertificate
}

func (*CertificateResponse) Topic() Topic { return TopicCertificateResponse }
func (e *CertificateResponse) Encode(w io.Writer) error {
	if err := writeVarInt(w, uint64(len(e.Certificates))); err != nil {
		return err
	}
	for _, c := range e.Certificates {
		if err := writeBatchCertificate(w, c); err != nil {
			return err
		}
	}
	return nil
}
func (e *CertificateResponse) Decode(r io.Reader) error {
	n, err := readVarInt(r)
	if err != nil {
		return err
	}
	e.Certificates = make([]*types.BatchCertificate, n)
	for i := range e.Certificates {
		c, err := readBatchCertificate(r)
		if err != nil {
			return err
		}
		e.Certificates[i] = c
	}
	return nil
}

// TransmissionRequest asks for transmission bodies by id.
type TransmissionRequest struct {
	IDs []types.TransmissionID
}

func (*TransmissionRequest) Topic() Topic { return TopicTransmissionRequest }
func (e *TransmissionRequest) Encode(w io.Writer) error {
	if err := writeVarInt(w, uint64(len(e.IDs))); err != nil {
		return err
	}
	for _, id := range e.IDs {
		if err := writeTransmissionID(w, id); err != nil {
			return err
		}
	}
	return nil
}
func (e *TransmissionRequest) Decode(r io.Reader) error {
	n, err := readVarInt(r)
	if err != nil {
		return err
	}
	e.IDs = make([]types.TransmissionID, n)
	for i := range e.IDs {
		id, err := readTransmissionID(r)
		if err != nil {
			return err
		}
		e.IDs[i] = id
	}
	return nil
}

// TransmissionResponse carries the bodies found for a TransmissionRequest.
type TransmissionResponse struct {
	Bodies map[types.TransmissionID][]byte
}

func (*TransmissionResponse) Topic() Topic { return TopicTransmissionResponse }
func (e *TransmissionResponse) Encode(w io.Writer) error {
	if err := writeVarInt(w, uint64(len(e.Bodies))); err != nil {
		return err
	}
	for id, body := range e.Bodies {
		if err := writeTransmissionID(w, id); err != nil {
			return err
		}
		if err := writeVarBytes(w, body); err != nil {
			return err
		}
	}
	return nil
}
func (e *TransmissionResponse) Decode(r io.Reader) error {
	n, err := readVarInt(r)
	if err != nil {
		return err
	}
	e.Bodies = make(map[types.TransmissionID][]byte, n)
	for i := uint64(0); i < n; i++ {
		id, err := readTransmissionID(r)
		if err != nil {
			return err
		}
		body, err := readVarBytes(r)
		if err != nil {
			return err
		}
		e.Bodies[id] = body
	}
	return nil
}

// ValidatorsRequest asks the peer for up to MaxValidatorsToSend known
// validator addresses, for bootstrap/discovery.
type ValidatorsRequest struct{}

func (*ValidatorsRequest) Topic() Topic         { return TopicValidatorsRequest }
func (*ValidatorsRequest) Encode(io.Writer) error { return nil }
func (*ValidatorsRequest) Decode(io.Reader) error { return nil }

// ValidatorsResponse carries known validator network addresses.
type ValidatorsResponse struct {
	Addresses []string
}

func (*ValidatorsResponse) Topic() Topic { return TopicValidatorsResponse }
func (e *ValidatorsResponse) Encode(w io.Writer) error {
	if err := writeVarInt(w, uint64(len(e.Addresses))); err != nil {
		return err
	}
	for _, a := range e.Addresses {
		if err := writeVarBytes(w, []byte(a)); err != nil {
			return err
		}
	}
	return nil
}
func (e *ValidatorsResponse) Decode(r io.Reader) error {
	n, err := readVarInt(r)
	if err != nil {
		return err
	}
	e.Addresses = make([]string, n)
	for i := range e.Addresses {
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		e.Addresses[i] = string(b)
	}
	return nil
}

// PrimaryPing is the periodic liveness heartbeat exchanged between primary
// gateways, carrying the sender's current locators for passive sync discovery.
type PrimaryPing struct {
	Locators types.BlockLocators
}

func (*PrimaryPing) Topic() Topic { return TopicPrimaryPing }
func (e *PrimaryPing) Encode(w io.Writer) error { return writeLocators(w, e.Locators) }
func (e *PrimaryPing) Decode(r io.Reader) (err error) {
	e.Locators, err = readLocators(r)
	return err
}

// WorkerPing is the periodic liveness heartbeat between worker shards.
type WorkerPing struct {
	WorkerID uint32
}

func (*WorkerPing) Topic() Topic { return TopicWorkerPing }
func (e *WorkerPing) Encode(w io.Writer) error { return writeUint32(w, e.WorkerID) }
func (e *WorkerPing) Decode(r io.Reader) (err error) {
	e.WorkerID, err = readUint32(r)
	return err
}

// BatchPropose gossips a freshly authored batch header for endorsement.
type BatchPropose struct {
	Header *types.BatchHeader
}

func (*BatchPropose) Topic() Topic { return TopicBatchPropose }
func (e *BatchPropose) Encode(w io.Writer) error { return writeBatchHeader(w, e.Header) }
func (e *BatchPropose) Decode(r io.Reader) error {
	h, err := readBatchHeader(r)
	if err != nil {
		return err
	}
	e.Header = h
	return nil
}

// BatchSignature returns one committee member's endorsement of a proposed
// batch, identified by its batch id.
type BatchSignature struct {
	BatchID   types.CertID
	Signer    wallet.Address
	Signature []byte
}

func (*BatchSignature) Topic() Topic { return TopicBatchSignature }
func (e *BatchSignature) Encode(w io.Writer) error {
	if err := write32(w, e.BatchID); err != nil {
		return err
	}
	if err := writeAddress(w, e.Signer); err != nil {
		return err
	}
	return writeVarBytes(w, e.Signature)
}
func (e *BatchSignature) Decode(r io.Reader) error {
	id, err := read32(r)
	if err != nil {
		return err
	}
	e.BatchID = id
	addr, err := readAddress(r)
	if err != nil {
		return err
	}
	e.Signer = addr
	sig, err := readVarBytes(r)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// BatchCertified gossips a completed certificate once quorum is reached.
type BatchCertified struct {
	Certificate *types.BatchCertificate
}

func (*BatchCertified) Topic() Topic { return TopicBatchCertified }
func (e *BatchCertified) Encode(w io.Writer) error { return writeBatchCertificate(w, e.Certificate) }
func (e *BatchCertified) Decode(r io.Reader) error {
	c, err := readBatchCertificate(r)
	if err != nil {
		return err
	}
	e.Certificate = c
	return nil
}

// NewEvent allocates the zero value for a topic, for use with DecodeFrame.
func NewEvent(topic Topic) (Event, error) {
	switch topic {
	case TopicChallengeRequest:
		return &ChallengeRequest{}, nil
	case TopicChallengeResponse:
		return &ChallengeResponse{}, nil
	case TopicDisconnect:
		return &Disconnect{}, nil
	case TopicBlockRequest:
		return &BlockRequest{}, nil
	case TopicBlockResponse:
		return &BlockResponse{}, nil
	case TopicCertificateRequest:
		return &CertificateRequest{}, nil
	case TopicCertificateResponse:
		return &CertificateResponse{}, nil
	case TopicTransmissionRequest:
		return &TransmissionRequest{}, nil
	case TopicTransmissionResponse:
		return &TransmissionResponse{}, nil
	case TopicValidatorsRequest:
		return &ValidatorsRequest{}, nil
	case TopicValidatorsResponse:
		return &ValidatorsResponse{}, nil
	case TopicPrimaryPing:
		return &PrimaryPing{}, nil
	case TopicWorkerPing:
		return &WorkerPing{}, nil
	case TopicBatchPropose:
		return &BatchPropose{}, nil
	case TopicBatchSignature:
		return &BatchSignature{}, nil
	case TopicBatchCertified:
		return &BatchCertified{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown topic %d", topic)
	}
}

// EncodeFrame serializes ev as topic byte + body into a single frame buffer.
func EncodeFrame(ev Event) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(ev.Topic()))
	if err := ev.Encode(buf); err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", ev.Topic(), err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a topic byte + body into the corresponding Event.
func DecodeFrame(frame []byte) (Event, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}
	topic := Topic(frame[0])
	ev, err := NewEvent(topic)
	if err != nil {
		return nil, err
	}
	if err := ev.Decode(bytes.NewReader(frame[1:])); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", topic, err)
	}
	return ev, nil
}

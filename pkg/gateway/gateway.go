package gateway

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	gwire "github.com/dusk-network/dusk-bft-sync/pkg/gateway/wire"
	"github.com/dusk-network/dusk-bft-sync/wallet"

	log "github.com/sirupsen/logrus"
)

const (
	handshakeTimeout  = 30 * time.Second
	dialTimeout       = 5 * time.Second
	heartbeatInterval = 15 * time.Second

	blockRequestLimitPerSecond       = 10
	certificateRequestLimitPerSecond = 50
	transmissionRequestLimitPerSecond = 200
)

var (
	errPeerSaturated        = errors.New("gateway: peer output queue is full")
	errHandshakeTimedOut    = errors.New("gateway: handshake timed out")
	errSignatureInvalid     = errors.New("gateway: challenge signature invalid")
	errNotCommitteeMember   = errors.New("gateway: peer is not a committee member")
	errAlreadyConnected     = errors.New("gateway: already connected to this validator")
	errSelfConnect          = errors.New("gateway: refusing to connect to self")
	errOutdatedVersion      = errors.New("gateway: peer announced an outdated protocol version")
	errRestrictionsMismatch = errors.New("gateway: restrictions id mismatch")
)

// handshakeError pairs a handshake failure with the DisconnectReason it
// should be reported to the peer as, before the connection is closed.
type handshakeError struct {
	reason gwire.DisconnectReason
	err    error
}

func (e *handshakeError) Error() string { return e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

func protocolViolation(format string, args ...interface{}) error {
	return &handshakeError{reason: gwire.DisconnectProtocolViolation, err: fmt.Errorf(format, args...)}
}

// Handlers is the event dispatch table; each field is invoked from the
// owning Peer's ReadLoop goroutine. A nil handler silently drops the event,
// mirroring the teacher's EventCollector.Collect being optional per topic.
type Handlers struct {
	OnBlockRequest        func(peer *Peer, req *gwire.BlockRequest)
	OnBlockResponse       func(peer *Peer, resp *gwire.BlockResponse)
	OnCertificateRequest  func(peer *Peer, req *gwire.CertificateRequest)
	OnCertificateResponse func(peer *Peer, resp *gwire.CertificateResponse)
	OnTransmissionRequest func(peer *Peer, req *gwire.TransmissionRequest)
	OnTransmissionResponse func(peer *Peer, resp *gwire.TransmissionResponse)
	OnValidatorsRequest   func(peer *Peer, req *gwire.ValidatorsRequest)
	OnValidatorsResponse  func(peer *Peer, resp *gwire.ValidatorsResponse)
	OnPrimaryPing         func(peer *Peer, ping *gwire.PrimaryPing)
	OnWorkerPing          func(peer *Peer, ping *gwire.WorkerPing)
	OnBatchPropose        func(peer *Peer, ev *gwire.BatchPropose)
	OnBatchSignature      func(peer *Peer, ev *gwire.BatchSignature)
	OnBatchCertified      func(peer *Peer, ev *gwire.BatchCertified)
}

// CommitteeSource supplies the authorization set a handshake must match, and
// the block-locators payload the heartbeat gossips.
type CommitteeSource interface {
	IsCommitteeMember(addr wallet.Address) bool
	RestrictionsID() types.CertID
	BlockLocators() types.BlockLocators
}

// Config configures a Gateway.
type Config struct {
	ListenPort string
	Self       wallet.Address
	Sign       func(message []byte) []byte
	Committee  CommitteeSource
	Handlers   Handlers

	// MaxConnectionAttempts bounds dial retries in Dial.
	MaxConnectionAttempts int
}

// Gateway is the SyncCoordinator's transport: it accepts and dials
// connections, runs the authenticated handshake, rate-limits inbound
// request traffic, and heartbeats locators to every connected peer.
// Adapted from the teacher's cmd/dusk/cmgr.go accept loop plus
// pkg/p2p/peer/peermgr/peer.go's per-connection actor pair.
type Gateway struct {
	cfg Config

	mu    sync.RWMutex
	peers map[wallet.Address]*Peer

	rateLimiter *RateLimiter

	listener net.Listener
	quitch   chan struct{}
}

// New creates a Gateway from cfg. Call Listen to begin accepting inbound
// connections.
func New(cfg Config) *Gateway {
	if cfg.MaxConnectionAttempts == 0 {
		cfg.MaxConnectionAttempts = types.MaxConnectionAttempts
	}
	return &Gateway{
		cfg:         cfg,
		peers:       make(map[wallet.Address]*Peer),
		rateLimiter: NewRateLimiter(),
		quitch:      make(chan struct{}),
	}
}

// SetHandlers installs the event dispatch table. Call before Listen/Dial.
func (g *Gateway) SetHandlers(h Handlers) {
	g.cfg.Handlers = h
}

// Listen starts accepting inbound connections in a background goroutine,
// mirroring the teacher's newConnMgr.
func (g *Gateway) Listen() error {
	listener, err := net.Listen("tcp", ":"+g.cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", g.cfg.ListenPort, err)
	}
	g.listener = listener

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-g.quitch:
					return
				default:
				}
				log.WithError(err).Warn("gateway: error accepting connection")
				continue
			}
			go g.acceptInbound(conn)
		}
	}()

	go g.heartbeatLoop()

	return nil
}

// Close stops accepting new connections and disconnects every peer.
func (g *Gateway) Close() error {
	close(g.quitch)
	if g.listener != nil {
		_ = g.listener.Close()
	}

	g.mu.Lock()
	peers := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.mu.Unlock()

	for _, p := range peers {
		p.Disconnect()
	}
	return nil
}

// Dial connects to a validator at addr, retrying up to MaxConnectionAttempts
// times with linear backoff, then runs the initiator side of the handshake.
func (g *Gateway) Dial(addr string) (*Peer, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxConnectionAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err == nil {
			peer, err := g.handshakeInitiator(conn)
			if err == nil {
				g.registerAndRun(peer)
				return peer, nil
			}
			lastErr = err
			sendDisconnectOnError(conn, err)
			_ = conn.Close()
		} else {
			lastErr = err
		}
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	return nil, fmt.Errorf("gateway: dial %s: %w", addr, lastErr)
}

func (g *Gateway) acceptInbound(conn net.Conn) {
	peer, err := g.handshakeResponder(conn)
	if err != nil {
		log.WithError(err).WithField("remote", conn.RemoteAddr()).Debug("gateway: inbound handshake failed")
		sendDisconnectOnError(conn, err)
		_ = conn.Close()
		return
	}
	g.registerAndRun(peer)
}

// sendDisconnectOnError best-effort informs the peer why the handshake
// failed before the connection is torn down, per the distinct-reason-per-
// rejection requirement. Errors sending on an already-broken connection are
// discarded; there is nothing left to do about them.
func sendDisconnectOnError(conn net.Conn, err error) {
	reason := gwire.DisconnectProtocolViolation
	var he *handshakeError
	if errors.As(err, &he) {
		reason = he.reason
	}
	_ = sendEvent(conn, &gwire.Disconnect{Reason: reason})
}

// handshakeInitiator runs the dialer side of the challenge/response
// handshake: send our ChallengeRequest, then wait for the responder's
// ChallengeResponse (sent unconditionally, see handshakeResponder) before
// sending our own signed ChallengeResponse.
func (g *Gateway) handshakeInitiator(conn net.Conn) (*Peer, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	if err := sendEvent(conn, &gwire.ChallengeRequest{Version: types.EventVersion, Nonce: nonce}); err != nil {
		return nil, err
	}

	responderResp, err := recvEvent(conn)
	if err != nil {
		return nil, err
	}
	remoteChallenge, ok := responderResp.(*gwire.ChallengeResponse)
	if !ok {
		return nil, protocolViolation("gateway: expected ChallengeResponse, got %T", responderResp)
	}
	if err := g.verifyChallengeResponse(remoteChallenge, nonce); err != nil {
		return nil, err
	}

	counterReq, err := recvEvent(conn)
	if err != nil {
		return nil, err
	}
	theirChallenge, ok := counterReq.(*gwire.ChallengeRequest)
	if !ok {
		return nil, protocolViolation("gateway: expected ChallengeRequest, got %T", counterReq)
	}
	if theirChallenge.Version < types.EventVersion {
		return nil, &handshakeError{reason: gwire.DisconnectOutdatedClientVersion, err: errOutdatedVersion}
	}
	if err := g.sendOwnChallengeResponse(conn, theirChallenge.Nonce); err != nil {
		return nil, err
	}

	return g.finalizePeer(conn, remoteChallenge, false)
}

// handshakeResponder runs the listener side. Per the preserved handshake
// design note, the responder sends its own ChallengeResponse immediately
// upon receiving the initiator's ChallengeRequest, before validating
// anything the initiator sends back - so a responder's identity and
// restrictions id are visible to the initiator even if the initiator never
// completes the handshake.
func (g *Gateway) handshakeResponder(conn net.Conn) (*Peer, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	initiatorReq, err := recvEvent(conn)
	if err != nil {
		return nil, err
	}
	challengeReq, ok := initiatorReq.(*gwire.ChallengeRequest)
	if !ok {
		return nil, protocolViolation("gateway: expected ChallengeRequest, got %T", initiatorReq)
	}
	if challengeReq.Version < types.EventVersion {
		return nil, &handshakeError{reason: gwire.DisconnectOutdatedClientVersion, err: errOutdatedVersion}
	}

	if err := g.sendOwnChallengeResponse(conn, challengeReq.Nonce); err != nil {
		return nil, err
	}

	var ourNonce [32]byte
	if _, err := rand.Read(ourNonce[:]); err != nil {
		return nil, err
	}
	if err := sendEvent(conn, &gwire.ChallengeRequest{Version: types.EventVersion, Nonce: ourNonce}); err != nil {
		return nil, err
	}

	initiatorResp, err := recvEvent(conn)
	if err != nil {
		return nil, err
	}
	remoteChallenge, ok := initiatorResp.(*gwire.ChallengeResponse)
	if !ok {
		return nil, protocolViolation("gateway: expected ChallengeResponse, got %T", initiatorResp)
	}
	if err := g.verifyChallengeResponse(remoteChallenge, ourNonce); err != nil {
		return nil, err
	}

	return g.finalizePeer(conn, remoteChallenge, true)
}

func (g *Gateway) sendOwnChallengeResponse(conn net.Conn, nonce [32]byte) error {
	sig := g.cfg.Sign(nonce[:])
	return sendEvent(conn, &gwire.ChallengeResponse{
		Version:        types.EventVersion,
		Nonce:          nonce,
		Address:        g.cfg.Self,
		Signature:      sig,
		RestrictionsID: g.cfg.Committee.RestrictionsID(),
	})
}

func (g *Gateway) verifyChallengeResponse(resp *gwire.ChallengeResponse, expectedNonce [32]byte) error {
	if resp.Version < types.EventVersion {
		return &handshakeError{reason: gwire.DisconnectOutdatedClientVersion, err: errOutdatedVersion}
	}
	if resp.Nonce != expectedNonce {
		return &handshakeError{reason: gwire.DisconnectInvalidChallengeResponse, err: errSignatureInvalid}
	}
	if !resp.Address.Verify(resp.Nonce[:], resp.Signature) {
		return &handshakeError{reason: gwire.DisconnectInvalidChallengeResponse, err: errSignatureInvalid}
	}
	if resp.Address == g.cfg.Self {
		return &handshakeError{reason: gwire.DisconnectSelfConnect, err: errSelfConnect}
	}
	if !g.cfg.Committee.IsCommitteeMember(resp.Address) {
		return &handshakeError{reason: gwire.DisconnectProtocolViolation, err: errNotCommitteeMember}
	}
	if resp.RestrictionsID != g.cfg.Committee.RestrictionsID() {
		return &handshakeError{reason: gwire.DisconnectInvalidChallengeResponse, err: errRestrictionsMismatch}
	}
	return nil
}

func (g *Gateway) finalizePeer(conn net.Conn, resp *gwire.ChallengeResponse, inbound bool) (*Peer, error) {
	g.mu.RLock()
	_, exists := g.peers[resp.Address]
	g.mu.RUnlock()
	if exists {
		return nil, &handshakeError{reason: gwire.DisconnectProtocolViolation, err: errAlreadyConnected}
	}
	return newPeer(conn, resp.Address, inbound, resp.ListenPort), nil
}

func (g *Gateway) registerAndRun(p *Peer) {
	g.mu.Lock()
	g.peers[p.Address] = p
	g.mu.Unlock()

	log.WithFields(log.Fields{
		"peer":    p.Address.String(),
		"inbound": p.Inbound,
	}).Info("gateway: peer connected")

	go p.WriteLoop()
	go func() {
		p.ReadLoop(g.dispatch)
		g.removePeer(p.Address)
	}()
}

func (g *Gateway) removePeer(addr wallet.Address) {
	g.mu.Lock()
	delete(g.peers, addr)
	g.mu.Unlock()
	g.rateLimiter.Forget(addr)
	log.WithField("peer", addr.String()).Info("gateway: peer disconnected")
}

// ConnectedValidatorCount reports the number of live peer connections; the
// ambient stack's sole cardinality accessor in place of a metrics layer.
func (g *Gateway) ConnectedValidatorCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.peers)
}

// Broadcast sends ev to every connected peer, best-effort.
func (g *Gateway) Broadcast(ev gwire.Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.peers {
		if err := p.Send(ev); err != nil {
			log.WithError(err).WithField("peer", p.Address.String()).Debug("gateway: broadcast dropped for saturated peer")
		}
	}
}

// SendTo sends ev to a specific connected peer.
func (g *Gateway) SendTo(addr wallet.Address, ev gwire.Event) error {
	g.mu.RLock()
	p, ok := g.peers[addr]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: no connection to %s", addr.String())
	}
	return p.Send(ev)
}

func (g *Gateway) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Broadcast(&gwire.PrimaryPing{Locators: g.cfg.Committee.BlockLocators()})
		case <-g.quitch:
			return
		}
	}
}

func (g *Gateway) dispatch(p *Peer, ev gwire.Event) {
	if limit, ok := rateLimitFor(ev.Topic()); ok {
		if !g.rateLimiter.Allow(p.Address, limit) {
			if g.rateLimiter.Banned(p.Address) {
				log.WithField("peer", p.Address.String()).Warn("gateway: peer exceeded strike limit, disconnecting")
				p.Disconnect()
			}
			return
		}
	}

	h := g.cfg.Handlers
	switch e := ev.(type) {
	case *gwire.BlockRequest:
		call(h.OnBlockRequest, p, e)
	case *gwire.BlockResponse:
		call(h.OnBlockResponse, p, e)
	case *gwire.CertificateRequest:
		call(h.OnCertificateRequest, p, e)
	case *gwire.CertificateResponse:
		call(h.OnCertificateResponse, p, e)
	case *gwire.TransmissionRequest:
		call(h.OnTransmissionRequest, p, e)
	case *gwire.TransmissionResponse:
		call(h.OnTransmissionResponse, p, e)
	case *gwire.ValidatorsRequest:
		call(h.OnValidatorsRequest, p, e)
	case *gwire.ValidatorsResponse:
		call(h.OnValidatorsResponse, p, e)
	case *gwire.PrimaryPing:
		call(h.OnPrimaryPing, p, e)
	case *gwire.WorkerPing:
		call(h.OnWorkerPing, p, e)
	case *gwire.BatchPropose:
		call(h.OnBatchPropose, p, e)
	case *gwire.BatchSignature:
		call(h.OnBatchSignature, p, e)
	case *gwire.BatchCertified:
		call(h.OnBatchCertified, p, e)
	case *gwire.Disconnect:
		log.WithFields(log.Fields{"peer": p.Address.String(), "reason": e.Reason}).Info("gateway: peer requested disconnect")
		p.Disconnect()
	}
}

func call[T any](fn func(*Peer, T), p *Peer, ev T) {
	if fn != nil {
		fn(p, ev)
	}
}

func rateLimitFor(topic gwire.Topic) (int, bool) {
	switch topic {
	case gwire.TopicBlockRequest:
		return blockRequestLimitPerSecond, true
	case gwire.TopicCertificateRequest:
		return certificateRequestLimitPerSecond, true
	case gwire.TopicTransmissionRequest:
		return transmissionRequestLimitPerSecond, true
	default:
		return 0, false
	}
}

func sendEvent(conn net.Conn, ev gwire.Event) error {
	frame, err := gwire.EncodeFrame(ev)
	if err != nil {
		return err
	}
	return gwire.WriteFrame(conn, frame)
}

func recvEvent(conn net.Conn) (gwire.Event, error) {
	frame, err := gwire.ReadFrame(conn)
	if err != nil {
		if err == net.ErrClosed {
			return nil, errHandshakeTimedOut
		}
		return nil, err
	}
	return gwire.DecodeFrame(frame)
}

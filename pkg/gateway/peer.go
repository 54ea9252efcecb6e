// Package gateway implements the Gateway component: the TCP transport,
// handshake, rate limiting and heartbeat that let BFT primaries and workers
// exchange wire.Event frames. Grounded on the teacher's channel-actor
// peermgr.Peer (read/write loops fed by buffered channels) and its
// connection-manager accept loop in cmd/dusk/cmgr.go.
package gateway

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/dusk-network/dusk-bft-sync/pkg/gateway/wire"
	"github.com/dusk-network/dusk-bft-sync/wallet"

	log "github.com/sirupsen/logrus"
)

const (
	outputBufferSize = 100
	idleTimeout      = 2 * time.Minute
	writeTimeout     = 10 * time.Second
)

// Peer holds the connection and queues for one gateway-to-gateway link.
// Unlike the teacher's version, the inbound queue is gone: incoming frames
// are dispatched synchronously from ReadLoop into the Gateway's dispatch
// table, since nothing downstream needs the extra indirection of a second
// actor queue.
type Peer struct {
	Address    wallet.Address
	Inbound    bool
	ListenPort uint16
	CreatedAt  time.Time

	conn net.Conn

	disconnected int32
	outch        chan wire.Event
	quitch       chan struct{}
}

func newPeer(conn net.Conn, addr wallet.Address, inbound bool, listenPort uint16) *Peer {
	return &Peer{
		Address:    addr,
		Inbound:    inbound,
		ListenPort: listenPort,
		CreatedAt:  time.Now(),
		conn:       conn,
		outch:      make(chan wire.Event, outputBufferSize),
		quitch:     make(chan struct{}),
	}
}

// RemoteAddr returns the peer's network address as a string.
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// Disconnected reports whether the peer has already been torn down.
func (p *Peer) Disconnected() bool {
	return atomic.LoadInt32(&p.disconnected) != 0
}

// Disconnect closes the connection and stops both loops. Safe to call more
// than once or from multiple goroutines.
func (p *Peer) Disconnect() {
	if !atomic.CompareAndSwapInt32(&p.disconnected, 0, 1) {
		return
	}
	close(p.quitch)
	_ = p.conn.Close()
}

// Send queues ev for delivery, returning an error immediately if the output
// queue is saturated rather than blocking the caller indefinitely (the
// "determinism breaks past k messages" concern the teacher's peermgr notes
// inline).
func (p *Peer) Send(ev wire.Event) error {
	select {
	case p.outch <- ev:
		return nil
	default:
		return errPeerSaturated
	}
}

// ReadLoop blocks reading frames off the connection and invokes dispatch for
// each decoded Event, until the connection errors or Disconnect is called.
func (p *Peer) ReadLoop(dispatch func(*Peer, wire.Event)) {
	idleTimer := time.AfterFunc(idleTimeout, p.Disconnect)
	defer idleTimer.Stop()

	for !p.Disconnected() {
		idleTimer.Reset(idleTimeout)

		frame, err := wire.ReadFrame(p.conn)
		if err != nil {
			log.WithError(err).WithField("peer", p.RemoteAddr()).Debug("gateway: read loop ending")
			p.Disconnect()
			return
		}

		ev, err := wire.DecodeFrame(frame)
		if err != nil {
			log.WithError(err).WithField("peer", p.RemoteAddr()).Warn("gateway: dropping malformed frame")
			continue
		}

		dispatch(p, ev)
	}
}

// WriteLoop drains the output queue onto the connection.
func (p *Peer) WriteLoop() {
	for {
		select {
		case ev := <-p.outch:
			frame, err := wire.EncodeFrame(ev)
			if err != nil {
				log.WithError(err).Warn("gateway: failed to encode outgoing event")
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wire.WriteFrame(p.conn, frame); err != nil {
				log.WithError(err).WithField("peer", p.RemoteAddr()).Debug("gateway: write loop ending")
				p.Disconnect()
				return
			}
		case <-p.quitch:
			return
		}
	}
}

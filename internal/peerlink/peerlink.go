// Package peerlink implements the Peer Link (§4.7): one full-duplex
// framed TCP connection per peer, with an independent read loop that
// dispatches inbound frames into the Router and a write loop that
// drains the Router-registered outbound channel for that peer. The
// first frame on every connection is a Ping carrying the sender's
// ServerId, which doubles as the registration handshake for inbound
// connections that did not already know who was calling. Modeled on
// the teacher's cluster/node.go dial-then-read/write-loop shape,
// generalized from request/response RPC into two independent
// goroutines per connection.
package peerlink

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"
	"golang.org/x/time/rate"

	"github.com/nwtnni/paxos/internal/router"
	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("peerlink")
}

const outboxSize = 256

// Link is one peer's full-duplex connection.
type Link struct {
	self types.ServerId
	peer types.ServerId
	conn net.Conn
	r    *router.Router
	out  chan wire.Envelope

	stats statsd.Statter

	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(self, peer types.ServerId, conn net.Conn, r *router.Router, stats statsd.Statter) *Link {
	return &Link{
		self:   self,
		peer:   peer,
		conn:   conn,
		r:      r,
		out:    make(chan wire.Envelope, outboxSize),
		stats:  stats,
		closed: make(chan struct{}),
	}
}

// Dial opens an outbound connection to peer at addr, sends the
// handshake Ping, registers with the Router, and starts the link's
// two goroutines.
func Dial(self, peer types.ServerId, addr string, r *router.Router, stats statsd.Statter, pingInterval time.Duration) (*Link, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := newLink(self, peer, conn, r, stats)
	if err := wire.WriteFrame(conn, wire.Envelope{Payload: wire.Ping{From: self}}); err != nil {
		conn.Close()
		return nil, err
	}
	r.ConnectPeer(peer, l.out)

	go l.readLoop()
	go l.writeLoop(pingInterval)
	logger.Infof("peerlink %d: dialed peer %d at %s", self, peer, addr)
	return l, nil
}

// Accept takes ownership of an inbound connection, blocks for its
// handshake Ping to learn the caller's identity, registers with the
// Router, and starts the link's two goroutines. The returned Link is
// nil if the handshake fails; the caller need not close conn in that
// case, Accept already did.
func Accept(self types.ServerId, conn net.Conn, r *router.Router, stats statsd.Statter, pingInterval time.Duration) (*Link, error) {
	env, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ping, ok := env.Payload.(wire.Ping)
	if !ok {
		conn.Close()
		return nil, errors.New("peerlink: expected ping as first frame on inbound connection")
	}

	l := newLink(self, ping.From, conn, r, stats)
	r.ConnectPeer(ping.From, l.out)

	go l.readLoop()
	go l.writeLoop(pingInterval)
	logger.Infof("peerlink %d: accepted peer %d from %s", self, ping.From, conn.RemoteAddr())
	return l, nil
}

func (l *Link) readLoop() {
	for {
		env, err := wire.ReadFrame(l.conn)
		if err != nil {
			logger.Warningf("peerlink %d: read from peer %d failed, tearing down: %v", l.self, l.peer, err)
			l.teardown()
			return
		}
		if _, ok := env.Payload.(wire.Ping); ok {
			continue
		}
		l.r.Dispatch(l.peer, env)
	}
}

func (l *Link) writeLoop(pingInterval time.Duration) {
	limiter := rate.NewLimiter(rate.Every(pingInterval), 1)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-l.out:
			if !ok {
				return
			}
			if err := wire.WriteFrame(l.conn, env); err != nil {
				logger.Warningf("peerlink %d: write to peer %d failed, tearing down: %v", l.self, l.peer, err)
				l.teardown()
				return
			}
		case <-ticker.C:
			if !limiter.Allow() {
				continue
			}
			if err := wire.WriteFrame(l.conn, wire.Envelope{Payload: wire.Ping{From: l.self}}); err != nil {
				logger.Warningf("peerlink %d: ping to peer %d failed, tearing down: %v", l.self, l.peer, err)
				l.teardown()
				return
			}
		case <-l.closed:
			return
		}
	}
}

// Close tears the link down and removes its registration from the
// Router.
func (l *Link) Close() {
	l.teardown()
}

func (l *Link) teardown() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
		l.r.DisconnectPeer(l.peer, l.out)
	})
}

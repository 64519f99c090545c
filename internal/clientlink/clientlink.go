// Package clientlink implements the client-facing half of the Link
// role (§4.7): one framed TCP connection per client, registered with
// the Router under the ClientId carried in the client's own first
// request (ClientId is opaque and user-defined per §3, so the link
// cannot know it before the client speaks). Modeled on the same
// connection-handling idiom as internal/peerlink, applied to the
// client-facing port instead of the peer-facing one.
package clientlink

import (
	"errors"
	"net"
	"sync"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"

	"github.com/nwtnni/paxos/internal/router"
	"github.com/nwtnni/paxos/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("clientlink")
}

const outboxSize = 16

// Link is one client's connection.
type Link struct {
	clientID any
	conn     net.Conn
	r        *router.Router
	out      chan wire.Envelope

	stats statsd.Statter

	closeOnce sync.Once
	closed    chan struct{}
}

// Accept takes ownership of an inbound client connection, blocks for
// its first request to learn the client's identity, registers with
// the Router, dispatches that first request, and starts the link's
// two goroutines.
func Accept(conn net.Conn, r *router.Router, stats statsd.Statter) (*Link, error) {
	env, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	req, ok := env.Payload.(wire.ClientRequest)
	if !ok {
		conn.Close()
		return nil, errors.New("clientlink: expected client request as first frame")
	}

	l := &Link{
		clientID: req.Command.Key.ClientID,
		conn:     conn,
		r:        r,
		out:      make(chan wire.Envelope, outboxSize),
		stats:    stats,
		closed:   make(chan struct{}),
	}
	r.ConnectClient(l.clientID, l.out)
	r.DispatchClient(l.clientID, env)

	go l.readLoop()
	go l.writeLoop()
	logger.Infof("clientlink: accepted client %v from %s", l.clientID, conn.RemoteAddr())
	return l, nil
}

func (l *Link) readLoop() {
	for {
		env, err := wire.ReadFrame(l.conn)
		if err != nil {
			logger.Debugf("clientlink: read from client %v failed, tearing down: %v", l.clientID, err)
			l.teardown()
			return
		}
		l.r.DispatchClient(l.clientID, env)
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case env, ok := <-l.out:
			if !ok {
				return
			}
			if err := wire.WriteFrame(l.conn, env); err != nil {
				logger.Debugf("clientlink: write to client %v failed, tearing down: %v", l.clientID, err)
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
		l.r.DisconnectClient(l.clientID, l.out)
	})
}

// Package bootstrap wires together a server process: one Acceptor,
// one Leader, one Replica, a peer listener dialing and accepting Peer
// Links, and a client listener accepting Client Links, all sharing
// one Router. Grounded on the teacher's cluster.Cluster.Start/Stop
// listen-then-dial-peers sequencing (§6 launcher surface; argument
// parsing itself is explicitly out of scope and lives in cmd/paxosd).
package bootstrap

import (
	"fmt"
	"net"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"

	"github.com/nwtnni/paxos/internal/acceptor"
	"github.com/nwtnni/paxos/internal/clientlink"
	"github.com/nwtnni/paxos/internal/durable"
	"github.com/nwtnni/paxos/internal/leader"
	"github.com/nwtnni/paxos/internal/peerlink"
	"github.com/nwtnni/paxos/internal/replica"
	"github.com/nwtnni/paxos/internal/router"
	"github.com/nwtnni/paxos/internal/types"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("bootstrap")
}

// peerPortBase is the offset spec §6 fixes every peer port at:
// 20000 + ServerId.
const peerPortBase = 20000

// dialRetry is how long a dial loop waits between attempts to reach a
// peer that is not yet listening.
const dialRetry = 500 * time.Millisecond

// pingInterval is how often a Peer Link sends a keepalive Ping,
// whether or not other traffic is flowing.
const pingInterval = 2 * time.Second

// Config is the plain, flag-populated configuration a process starts
// from (§6's "launcher surface"). PeerAddrs maps every server id in
// the cluster, including this one, to its peer-port host:port.
type Config struct {
	ServerID          types.ServerId
	ClientPort        int
	RetransmitTimeout time.Duration
	PeerAddrs         map[types.ServerId]string
	DataDir           string
}

// PeerPort returns the fixed peer-listening port for a server id.
func PeerPort(id types.ServerId) int {
	return peerPortBase + int(id)
}

// Process is a fully wired, running server: its Router, its three
// long-lived roles, and the two listeners accepting connections.
type Process struct {
	Router   *router.Router
	Acceptor *acceptor.Acceptor
	Leader   *leader.Leader
	Replica  *replica.Replica

	self           types.ServerId
	peerListener   net.Listener
	clientListener net.Listener
}

// Run constructs and starts a Process: opens both listeners, starts
// the Acceptor/Replica/Leader, and begins dialing every peer with a
// higher server id (the peer with the lower id is the one expected to
// dial, so each pair ends up with exactly one connection).
func Run(cfg Config, sm replica.StateMachine, stats statsd.Statter) (*Process, error) {
	r := router.New(cfg.ServerID)

	accStore := durable.Open(durable.Path(cfg.DataDir, "acceptor", cfg.ServerID))
	acc := acceptor.New(cfg.ServerID, accStore, stats, r)
	r.SetAcceptor(acc)

	repStore := durable.Open(durable.Path(cfg.DataDir, "replica", cfg.ServerID))
	rep := replica.New(cfg.ServerID, repStore, stats, r, sm)
	r.SetReplica(rep)

	peers := make([]types.ServerId, 0, len(cfg.PeerAddrs))
	for id := range cfg.PeerAddrs {
		peers = append(peers, id)
	}

	leadStore := durable.Open(durable.Path(cfg.DataDir, "leader", cfg.ServerID))
	led := leader.New(cfg.ServerID, peers, cfg.RetransmitTimeout, leadStore, stats, r)
	rep.SetLeader(led)

	peerAddr := fmt.Sprintf(":%d", PeerPort(cfg.ServerID))
	peerLn, err := net.Listen("tcp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: listen on peer port %s: %w", peerAddr, err)
	}

	clientAddr := fmt.Sprintf(":%d", cfg.ClientPort)
	clientLn, err := net.Listen("tcp", clientAddr)
	if err != nil {
		peerLn.Close()
		return nil, fmt.Errorf("bootstrap: listen on client port %s: %w", clientAddr, err)
	}

	p := &Process{
		Router:         r,
		Acceptor:       acc,
		Leader:         led,
		Replica:        rep,
		self:           cfg.ServerID,
		peerListener:   peerLn,
		clientListener: clientLn,
	}

	go p.acceptPeers(r, stats)
	go p.acceptClients(r, stats)

	for id, addr := range cfg.PeerAddrs {
		if id <= cfg.ServerID {
			continue
		}
		go dialUntilConnected(cfg.ServerID, id, addr, r, stats)
	}

	logger.Infof("bootstrap: server %d listening for peers on %s and clients on %s", cfg.ServerID, peerAddr, clientAddr)
	return p, nil
}

func dialUntilConnected(self, peer types.ServerId, addr string, r *router.Router, stats statsd.Statter) {
	for {
		_, err := peerlink.Dial(self, peer, addr, r, stats, pingInterval)
		if err == nil {
			return
		}
		logger.Debugf("bootstrap: dial peer %d at %s failed, retrying: %v", peer, addr, err)
		time.Sleep(dialRetry)
	}
}

func (p *Process) acceptPeers(r *router.Router, stats statsd.Statter) {
	for {
		conn, err := p.peerListener.Accept()
		if err != nil {
			logger.Infof("bootstrap: peer listener closed: %v", err)
			return
		}
		go func() {
			if _, err := peerlink.Accept(p.self, conn, r, stats, pingInterval); err != nil {
				logger.Warningf("bootstrap: inbound peer handshake failed: %v", err)
			}
		}()
	}
}

func (p *Process) acceptClients(r *router.Router, stats statsd.Statter) {
	for {
		conn, err := p.clientListener.Accept()
		if err != nil {
			logger.Infof("bootstrap: client listener closed: %v", err)
			return
		}
		go func() {
			if _, err := clientlink.Accept(conn, r, stats); err != nil {
				logger.Warningf("bootstrap: inbound client handshake failed: %v", err)
			}
		}()
	}
}

// Close shuts down both listeners. Already-established links keep
// running until their own connections drop.
func (p *Process) Close() error {
	err1 := p.peerListener.Close()
	err2 := p.clientListener.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

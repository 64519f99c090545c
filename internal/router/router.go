// Package router implements the Router / Shared Hub (§4.6): the single
// point through which every role sends and receives messages, whether
// the peer is a remote process or this same process talking to
// itself. It is modeled directly on the Rust original's
// Shared<State<O>> — an RWMutex-guarded set of registries plus
// connect/disconnect/send/broadcast/narrowcast methods — translated
// from Arc<RwLock<_>> and mpsc channels into sync.RWMutex and Go
// channels.
package router

import (
	"sync"

	"github.com/op/go-logging"

	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("router")
}

// AcceptorHandler receives prepare and accept requests, local or
// remote.
type AcceptorHandler interface {
	HandleP1A(from types.ServerId, m wire.P1A)
	HandleP2A(from types.ServerId, m wire.P2A)
}

// ScoutHandler receives prepare replies for the ballot it is
// currently soliciting. Only one Scout is active per Leader at a
// time, so the Router holds a single replaceable handle rather than a
// registry.
type ScoutHandler interface {
	HandleP1B(from types.ServerId, m wire.P1B)
}

// CommanderHandler receives accept replies for the (ballot, slot) it
// is driving.
type CommanderHandler interface {
	HandleP2B(from types.ServerId, m wire.P2B)
}

// ReplicaHandler receives decisions and client requests.
type ReplicaHandler interface {
	HandleDecision(from types.ServerId, m wire.Decision)
	HandleClientRequest(from any, m wire.ClientRequest)
}

// LeaderHandler receives decisions forwarded after the Replica has
// recorded them, so it can retire matching proposals (§4.4).
type LeaderHandler interface {
	HandleDecision(m wire.Decision)
}

// PeerSink is the outbound side of a connected peer: a Peer Link
// drains it and writes frames to the socket.
type PeerSink chan<- wire.Envelope

// ClientSink is the outbound side of a connected client.
type ClientSink chan<- wire.Envelope

// Router is the process-local message hub. The zero value is not
// usable; construct with New.
type Router struct {
	mu sync.RWMutex

	self types.ServerId

	acceptor AcceptorHandler
	replica  ReplicaHandler
	leader   LeaderHandler

	scout      ScoutHandler
	commanders map[types.CommanderId]CommanderHandler

	peers   map[types.ServerId]PeerSink
	clients map[any]ClientSink
}

// New constructs a Router for the given local server id. Fixed role
// handlers (Acceptor, Replica, Leader) must be registered with
// SetAcceptor/SetReplica/SetLeader before any message delivery is
// attempted.
func New(self types.ServerId) *Router {
	return &Router{
		self:       self,
		commanders: make(map[types.CommanderId]CommanderHandler),
		peers:      make(map[types.ServerId]PeerSink),
		clients:    make(map[any]ClientSink),
	}
}

// SetAcceptor registers the process's single Acceptor. Called once
// during bootstrap.
func (r *Router) SetAcceptor(h AcceptorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acceptor = h
}

// SetReplica registers the process's single Replica.
func (r *Router) SetReplica(h ReplicaHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replica = h
}

// SetLeader registers the process's single Leader.
func (r *Router) SetLeader(h LeaderHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leader = h
}

// ReplaceScout installs h as the sole recipient of P1B replies,
// displacing whatever Scout (if any) was previously registered.
// Scout.Start calls this at the start of every prepare round.
func (r *Router) ReplaceScout(h ScoutHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scout = h
}

// ClearScout removes the currently registered Scout, e.g. once it has
// reached a terminal state and its replies no longer matter.
func (r *Router) ClearScout(h ScoutHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scout == h {
		r.scout = nil
	}
}

// ConnectCommander registers h to receive P2B replies tagged with id.
// Commander.Start calls this once per Commander.
func (r *Router) ConnectCommander(id types.CommanderId, h CommanderHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commanders[id] = h
}

// DisconnectCommander removes a Commander's registration once it
// reaches a terminal state.
func (r *Router) DisconnectCommander(id types.CommanderId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commanders, id)
}

// ConnectPeer registers out as the destination for messages addressed
// to peer id, replacing any prior sink for the same id (a Peer Link
// reconnecting after a dropped connection).
func (r *Router) ConnectPeer(id types.ServerId, out PeerSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = out
}

// DisconnectPeer removes peer id's sink if it is still the one given,
// avoiding a race where a newer connection's registration is torn
// down by the old connection's teardown path.
func (r *Router) DisconnectPeer(id types.ServerId, out PeerSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[id]; ok && cur == out {
		delete(r.peers, id)
	}
}

// ConnectClient registers out as the destination for replies to
// client id.
func (r *Router) ConnectClient(id any, out ClientSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = out
}

// DisconnectClient removes client id's sink.
func (r *Router) DisconnectClient(id any, out ClientSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[id]; ok && cur == out {
		delete(r.clients, id)
	}
}

// SendPeer delivers env to peer id, locally if id is this server,
// otherwise via the registered Peer Link sink. It reports whether a
// destination was found.
func (r *Router) SendPeer(id types.ServerId, env wire.Envelope) bool {
	if id == r.self {
		r.Dispatch(r.self, env)
		return true
	}
	r.mu.RLock()
	sink, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		logger.Warningf("send to unconnected peer %d dropped: %T", id, env.Payload)
		return false
	}
	select {
	case sink <- env:
		return true
	default:
		logger.Warningf("peer %d outbound channel full, dropping %T", id, env.Payload)
		return false
	}
}

// Broadcast sends env to every peer the Router knows about, including
// this server, matching §4.6's "broadcast to all replicas, including
// self" requirement for Decision messages.
func (r *Router) Broadcast(env wire.Envelope) {
	r.mu.RLock()
	ids := make([]types.ServerId, 0, len(r.peers)+1)
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	r.Dispatch(r.self, env)
	for _, id := range ids {
		r.SendPeer(id, env)
	}
}

// Narrowcast sends env to exactly the given peer ids, skipping self
// (callers that want self-delivery too should also call Dispatch or
// use Broadcast).
func (r *Router) Narrowcast(env wire.Envelope, ids []types.ServerId) {
	for _, id := range ids {
		if id == r.self {
			continue
		}
		r.SendPeer(id, env)
	}
}

// SendClient delivers env to the given client, if connected.
func (r *Router) SendClient(id any, env wire.Envelope) bool {
	r.mu.RLock()
	sink, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case sink <- env:
		return true
	default:
		logger.Warningf("client %v outbound channel full, dropping reply", id)
		return false
	}
}

// Dispatch routes an inbound message (from a Peer Link's read loop,
// or from a local self-send) to the correct local role, implementing
// §4.6's dispatch table: P1A/P2A to the Acceptor, P1B to the active
// Scout, P2B to the Commander identified by its CommanderId, Decision
// to the Replica and Leader, Ping is a pure keepalive and is dropped.
//
// Handlers are looked up under the lock but invoked after releasing
// it: a handler's own reply path commonly calls back into SendPeer
// with this same server id, which re-enters Dispatch on the same
// goroutine, and sync.RWMutex explicitly disallows recursive RLock
// once a writer is waiting.
func (r *Router) Dispatch(from types.ServerId, env wire.Envelope) {
	r.mu.RLock()
	acceptor := r.acceptor
	scout := r.scout
	replica := r.replica
	ldr := r.leader
	var commander CommanderHandler
	var hasCommander bool
	if m, ok := env.Payload.(wire.P2B); ok {
		commander, hasCommander = r.commanders[m.Commander]
	}
	r.mu.RUnlock()

	switch m := env.Payload.(type) {
	case wire.P1A:
		if acceptor != nil {
			acceptor.HandleP1A(from, m)
		}
	case wire.P2A:
		if acceptor != nil {
			acceptor.HandleP2A(from, m)
		}
	case wire.P1B:
		if scout != nil {
			scout.HandleP1B(from, m)
		}
	case wire.P2B:
		if hasCommander {
			commander.HandleP2B(from, m)
		}
	case wire.Decision:
		if replica != nil {
			replica.HandleDecision(from, m)
		}
		if ldr != nil {
			ldr.HandleDecision(m)
		}
	case wire.Ping:
		// keepalive only; nothing to dispatch
	case wire.ClientRequest:
		if replica != nil {
			replica.HandleClientRequest(from, m)
		}
	default:
		logger.Warningf("dispatch: unrecognized payload type %T", m)
	}
}

// DispatchClient routes an inbound client message, keyed by the
// client's opaque id rather than a ServerId.
func (r *Router) DispatchClient(clientID any, env wire.Envelope) {
	req, ok := env.Payload.(wire.ClientRequest)
	if !ok {
		logger.Warningf("dispatch client: unexpected payload type %T", env.Payload)
		return
	}

	r.mu.RLock()
	replica := r.replica
	r.mu.RUnlock()

	if replica != nil {
		replica.HandleClientRequest(clientID, req)
	}
}

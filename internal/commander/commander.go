// Package commander implements the Commander role (§4.3): a
// short-lived agent that drives one (ballot, slot) pvalue to a
// majority of acceptors and then broadcasts the decision to every
// replica, including its own. Modeled on the teacher's sendAccept:
// broadcast, collect replies guarded by a mutex, retry on a ticker,
// preempt on any higher ballot observed.
package commander

import (
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"

	"github.com/nwtnni/paxos/internal/router"
	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("commander")
}

// Notifiee receives word that the Commander's ballot was preempted.
// A successful decision is not reported here: it is broadcast as a
// Decision message that the Leader also observes through the Router,
// per §9's adopted "broadcast reaches everyone, including the leader
// driving it" policy. err is always a *wire.BallotError.
type Notifiee interface {
	Preempted(slot types.Slot, ballot types.Ballot, err error)
}

// Commander drives one pvalue to a decision. It implements
// router.CommanderHandler; Start registers it with
// Router.ConnectCommander.
type Commander struct {
	mu sync.Mutex

	self  types.ServerId
	pv    types.PValue
	id    types.CommanderId
	peers []types.ServerId

	r      *router.Router
	stats  statsd.Statter
	notify Notifiee

	acks   map[types.ServerId]struct{}
	done   bool
	cancel chan struct{}
}

// New constructs a Commander driving pv to a decision.
func New(self types.ServerId, pv types.PValue, peers []types.ServerId, r *router.Router, stats statsd.Statter, notify Notifiee) *Commander {
	return &Commander{
		self:   self,
		pv:     pv,
		id:     types.CommanderId{Ballot: pv.Ballot, Slot: pv.Slot},
		peers:  peers,
		r:      r,
		stats:  stats,
		notify: notify,
		acks:   make(map[types.ServerId]struct{}),
		cancel: make(chan struct{}),
	}
}

// ID returns the CommanderId this Commander is registered under.
func (c *Commander) ID() types.CommanderId {
	return c.id
}

// Start registers the Commander with the Router and begins sending
// P2A, retransmitting every retransmit until the round resolves.
func (c *Commander) Start(retransmit time.Duration) {
	c.r.ConnectCommander(c.id, c)
	c.broadcast()
	go c.run(retransmit)
}

// Cancel tears the Commander down without a decision, for a Leader
// that has learned the slot was decided by some other commander.
func (c *Commander) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	c.r.DisconnectCommander(c.id)
	close(c.cancel)
}

func (c *Commander) run(retransmit time.Duration) {
	ticker := time.NewTicker(retransmit)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.pollTimeout()
			if err == nil {
				return
			}
			logger.Debugf("commander %s: %v, retransmitting", c.id, err)
			c.broadcast()
		case <-c.cancel:
			return
		}
	}
}

// pollTimeout mirrors scout.Scout.pollTimeout: nil once the round has
// reached a terminal state, otherwise a *wire.TimeoutError describing
// the shortfall, which run uses to decide whether to retransmit.
func (c *Commander) pollTimeout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	return &wire.TimeoutError{
		Ballot:   c.pv.Ballot,
		Received: len(c.acks),
		Needed:   types.Majority(len(c.peers)),
	}
}

func (c *Commander) broadcast() {
	env := wire.Envelope{Payload: wire.P2A{PValue: c.pv}}
	for _, id := range c.peers {
		c.r.SendPeer(id, env)
	}
	c.stats.Inc("commander.p2a.sent", int64(len(c.peers)), 1.0)
}

// HandleP2B implements router.CommanderHandler.
func (c *Commander) HandleP2B(from types.ServerId, m wire.P2B) {
	c.mu.Lock()

	if c.done {
		c.mu.Unlock()
		return
	}

	if c.pv.Ballot.Less(m.Ballot) {
		c.done = true
		c.r.DisconnectCommander(c.id)
		close(c.cancel)
		c.mu.Unlock()

		err := &wire.BallotError{Attempted: c.pv.Ballot, Seen: m.Ballot}
		c.stats.Inc("commander.preempt", 1, 1.0)
		logger.Infof("commander %s: preempted (reported by %d): %v", c.id, from, err)
		c.notify.Preempted(c.pv.Slot, c.pv.Ballot, err)
		return
	}

	c.acks[from] = struct{}{}
	need := types.Majority(len(c.peers))
	if len(c.acks) < need {
		c.mu.Unlock()
		return
	}

	c.done = true
	c.r.DisconnectCommander(c.id)
	close(c.cancel)
	c.mu.Unlock()

	c.stats.Inc("commander.decide", 1, 1.0)
	logger.Infof("commander %s: decided, broadcasting to %d peers", c.id, len(c.peers))
	c.r.Broadcast(wire.Envelope{Payload: wire.Decision{Slot: c.pv.Slot, Command: c.pv.Command}})
}

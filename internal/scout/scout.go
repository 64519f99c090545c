// Package scout implements the Scout role (§4.2): a short-lived agent
// that solicits a single ballot from every Acceptor and reports back
// to its Leader either that the ballot was adopted (with the pvalues
// that must be carried forward) or that a higher ballot preempted it.
// Modeled on the teacher's managerSendPrepare: broadcast, collect
// replies on a channel-free callback path guarded by a mutex, retry on
// a ticker until a majority or a preempt resolves the round.
package scout

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
	logger = logging.MustGetLogger("scout")
}

// Notifiee receives a Scout's terminal outcome. Preempted's err is
// always a *wire.BallotError; it is typed as error, not
// *wire.BallotError directly, so a Notifiee that wants to log or
// branch on the reason can type-assert it the same way a caller would
// assert any other wrapped protocol error.
type Notifiee interface {
	Adopted(ballot types.Ballot, pvalues map[types.Slot]types.Command)
	Preempted(ballot types.Ballot, err error)
}

// Scout drives one prepare round. It implements router.ScoutHandler;
// Start registers it with Router.ReplaceScout.
type Scout struct {
	mu sync.Mutex

	self    types.ServerId
	ballot  types.Ballot
	peers   []types.ServerId
	hasHint bool
	hint    types.Slot

	r      *router.Router
	stats  statsd.Statter
	notify Notifiee

	replies map[types.ServerId]wire.P1B
	done    bool
	cancel  chan struct{}
}

// New constructs a Scout for ballot, addressed to the given peer set
// (which should include the local server id so self-votes flow
// through the Router like any other reply).
func New(self types.ServerId, ballot types.Ballot, peers []types.ServerId, hasHint bool, hint types.Slot, r *router.Router, stats statsd.Statter, notify Notifiee) *Scout {
	return &Scout{
		self:    self,
		ballot:  ballot,
		peers:   peers,
		hasHint: hasHint,
		hint:    hint,
		r:       r,
		stats:   stats,
		notify:  notify,
		replies: make(map[types.ServerId]wire.P1B),
		cancel:  make(chan struct{}),
	}
}

// Start registers the Scout with the Router and begins sending P1A,
// retransmitting every retransmit until the round resolves.
func (s *Scout) Start(retransmit time.Duration) {
	s.r.ReplaceScout(s)
	s.broadcast()
	go s.run(retransmit)
}

func (s *Scout) run(retransmit time.Duration) {
	ticker := time.NewTicker(retransmit)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.pollTimeout()
			if err == nil {
				return
			}
			logger.Debugf("scout %s: %v, retransmitting", s.ballot, err)
			s.broadcast()
		case <-s.cancel:
			return
		}
	}
}

// pollTimeout reports whether the round is still waiting on a
// majority: nil once the round has reached a terminal state (done),
// otherwise a *wire.TimeoutError describing how far short of quorum
// the round still is, which run uses to decide whether to retransmit.
func (s *Scout) pollTimeout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	return &wire.TimeoutError{
		Ballot:   s.ballot,
		Received: len(s.replies),
		Needed:   types.Majority(len(s.peers)),
	}
}

func (s *Scout) broadcast() {
	env := wire.Envelope{Payload: wire.P1A{Ballot: s.ballot, HasHint: s.hasHint, DecidedHint: s.hint}}
	for _, id := range s.peers {
		s.r.SendPeer(id, env)
	}
	s.stats.Inc("scout.p1a.sent", int64(len(s.peers)), 1.0)
}

// HandleP1B implements router.ScoutHandler.
func (s *Scout) HandleP1B(from types.ServerId, m wire.P1B) {
	s.mu.Lock()

	if s.done {
		s.mu.Unlock()
		return
	}

	if s.ballot.Less(m.Ballot) {
		s.done = true
		s.r.ClearScout(s)
		close(s.cancel)
		s.mu.Unlock()

		err := &wire.BallotError{Attempted: s.ballot, Seen: m.Ballot}
		s.stats.Inc("scout.preempt", 1, 1.0)
		logger.Infof("scout %s: preempted (reported by %d): %v", s.ballot, from, err)
		s.notify.Preempted(s.ballot, err)
		return
	}

	if m.Ballot != s.ballot {
		s.mu.Unlock()
		return
	}

	s.replies[from] = m
	need := types.Majority(len(s.peers))
	if len(s.replies) < need {
		s.mu.Unlock()
		return
	}

	s.done = true
	s.r.ClearScout(s)
	close(s.cancel)

	var all []types.PValue
	for _, reply := range s.replies {
		all = append(all, reply.PValues...)
	}
	s.mu.Unlock()

	adopted := types.Pmax(all)
	s.stats.Inc("scout.adopt", 1, 1.0)
	logger.Infof("scout %s: adopted with %d pvalues carried forward", s.ballot, len(adopted))
	s.notify.Adopted(s.ballot, adopted)
}

// Package leader implements the Leader role (§4.4): the only
// long-lived agent that tries to get the cluster's acceptors to agree
// on a ballot and then drives every outstanding proposal to a
// decision under that ballot. It spawns at most one Scout and one
// Commander per slot at a time, and reacts to preemption with a
// randomized exponential backoff before trying again, per spec §5's
// starvation mitigation. Modeled on the teacher's manager_prepare.go
// ballot/backoff/retry handling, generalized from a single prepare
// attempt to Multi-Paxos's continuous propose-while-active loop.
package leader

import (
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"

	"github.com/nwtnni/paxos/internal/commander"
	"github.com/nwtnni/paxos/internal/durable"
	"github.com/nwtnni/paxos/internal/router"
	"github.com/nwtnni/paxos/internal/scout"
	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("leader")
}

// record is the durable representation of a Leader's state, adopted
// per §9's decision to persist the Leader in addition to the
// Acceptor: a Leader that forgets its ballot on restart could regress
// it, and a Leader that forgets its proposals would stall them until
// some other path re-proposes the same slots.
type record struct {
	Ballot    types.Ballot
	Proposals map[types.Slot]types.Command
}

const (
	backoffBase = 50 * time.Millisecond
	backoffMax  = 2 * time.Second
)

// Leader implements router.LeaderHandler directly; scoutNotifiee and
// commanderNotifiee adapt it to scout.Notifiee and commander.Notifiee,
// whose Preempted methods differ in arity (a Commander's preemption
// is scoped to one slot, a Scout's is not) and so cannot both be
// satisfied by one method of the same name.
type Leader struct {
	mu sync.Mutex

	self       types.ServerId
	peers      []types.ServerId
	r          *router.Router
	store      *durable.Store
	stats      statsd.Statter
	retransmit time.Duration

	ballot types.Ballot
	active bool

	proposals map[types.Slot]types.Command
	decided   map[types.Slot]struct{}

	// hasDecidedMax/decidedMax track the highest slot decided so far,
	// passed to each new Scout as its P1A decided hint (§4.2): an
	// Acceptor answering prepare need not report pvalues for slots the
	// Leader already knows are settled.
	hasDecidedMax bool
	decidedMax    types.Slot

	scout      *scout.Scout
	commanders map[types.Slot]*commander.Commander

	attempt int
	rng     *rand.Rand
}

// New constructs a Leader, replaying its durable record if any, and
// starts its first prepare round. self must appear in peers.
func New(self types.ServerId, peers []types.ServerId, retransmit time.Duration, store *durable.Store, stats statsd.Statter, r *router.Router) *Leader {
	l := &Leader{
		self:       self,
		peers:      peers,
		r:          r,
		store:      store,
		stats:      stats,
		retransmit: retransmit,
		ballot:     types.Ballot{Seq: 1, Leader: self},
		proposals:  make(map[types.Slot]types.Command),
		decided:    make(map[types.Slot]struct{}),
		commanders: make(map[types.Slot]*commander.Commander),
		rng:        rand.New(rand.NewSource(int64(self) + 1)),
	}

	var rec record
	found, err := store.Load(&rec)
	if err != nil {
		logger.Criticalf("leader %d: failed to load durable record: %v", self, err)
		os.Exit(1)
	}
	if found {
		l.ballot = rec.Ballot
		if rec.Proposals != nil {
			l.proposals = rec.Proposals
		}
		logger.Infof("leader %d: recovered ballot %s with %d outstanding proposals", self, l.ballot, len(l.proposals))
	}

	r.SetLeader(l)
	l.mu.Lock()
	s := l.spawnScoutLocked()
	l.mu.Unlock()
	// Start is called without l.mu held: its initial broadcast can
	// resolve synchronously through self-dispatch (single-node
	// quorum), which calls back into Adopted/Preempted and takes l.mu
	// itself. Holding the lock across Start would deadlock that path.
	s.Start(retransmit)
	return l
}

// Propose registers a new command for slot, if the slot is not
// already decided, and drives it immediately if this Leader currently
// believes itself active.
func (l *Leader) Propose(slot types.Slot, cmd types.Command) {
	l.mu.Lock()
	if _, ok := l.decided[slot]; ok {
		l.mu.Unlock()
		return
	}
	if _, ok := l.proposals[slot]; ok {
		l.mu.Unlock()
		return
	}
	l.proposals[slot] = cmd
	l.persistLocked()
	active := l.active
	ballot := l.ballot
	l.mu.Unlock()

	l.stats.Inc("replica.propose", 1, 1.0)
	if active {
		l.spawnCommander(slot, ballot, cmd)
	}
}

// HandleDecision implements router.LeaderHandler: once a slot is
// known decided, its proposal (if any) is retired and any Commander
// still driving it is torn down.
func (l *Leader) HandleDecision(m wire.Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.decided[m.Slot] = struct{}{}
	delete(l.proposals, m.Slot)
	if c, ok := l.commanders[m.Slot]; ok {
		delete(l.commanders, m.Slot)
		c.Cancel()
	}
	if !l.hasDecidedMax || m.Slot > l.decidedMax {
		l.hasDecidedMax = true
		l.decidedMax = m.Slot
	}
	l.persistLocked()
}

func (l *Leader) adopted(ballot types.Ballot, pvalues map[types.Slot]types.Command) {
	l.mu.Lock()
	if ballot != l.ballot {
		l.mu.Unlock()
		return
	}
	l.active = true
	l.attempt = 0

	for slot, cmd := range pvalues {
		if _, decided := l.decided[slot]; decided {
			continue
		}
		l.proposals[slot] = cmd
	}
	l.persistLocked()

	toSpawn := make(map[types.Slot]types.Command, len(l.proposals))
	for slot, cmd := range l.proposals {
		if _, decided := l.decided[slot]; !decided {
			toSpawn[slot] = cmd
		}
	}
	b := l.ballot
	l.mu.Unlock()

	logger.Infof("leader %d: ballot %s adopted, spawning commanders for %d slots", l.self, ballot, len(toSpawn))
	for slot, cmd := range toSpawn {
		l.spawnCommander(slot, b, cmd)
	}
}

// preempted backs both scoutNotifiee.Preempted and
// commanderNotifiee.Preempted; neither passes a slot, since a Leader
// bumps its ballot the same way regardless of which round reported
// the preempt. err is always a *wire.BallotError.
func (l *Leader) preempted(ballot types.Ballot, err error) {
	be, ok := err.(*wire.BallotError)
	if !ok {
		logger.Warningf("leader %d: preempted without a ballot error, ignoring", l.self)
		return
	}

	l.mu.Lock()
	if ballot != l.ballot {
		l.mu.Unlock()
		return
	}
	l.active = false
	l.ballot = types.Ballot{Seq: be.Seen.Seq + 1, Leader: l.self}
	l.persistLocked()
	attempt := l.attempt
	l.attempt++
	l.mu.Unlock()

	l.stats.Inc("leader.preempt", 1, 1.0)
	delay := backoffDelay(l.rng, attempt)
	l.stats.TimingDuration("leader.backoff.ms", delay, 1.0)
	logger.Warningf("leader %d: preempted, bumping ballot to %s and backing off %s", l.self, l.ballot, delay)

	time.AfterFunc(delay, func() {
		l.mu.Lock()
		s := l.spawnScoutLocked()
		l.mu.Unlock()
		s.Start(l.retransmit)
	})
}

// spawnScoutLocked constructs a new prepare round for the Leader's
// current ballot, registers it as the active scout, and returns it for
// the caller to Start outside l.mu. Callers hold l.mu.
func (l *Leader) spawnScoutLocked() *scout.Scout {
	s := scout.New(l.self, l.ballot, l.peers, l.hasDecidedMax, l.decidedMax, l.r, l.stats, scoutNotifiee{l})
	l.scout = s
	return s
}

func (l *Leader) spawnCommander(slot types.Slot, ballot types.Ballot, cmd types.Command) {
	l.mu.Lock()
	if _, ok := l.decided[slot]; ok {
		l.mu.Unlock()
		return
	}
	if old, ok := l.commanders[slot]; ok {
		if old.ID().Ballot == ballot {
			l.mu.Unlock()
			return
		}
		// A Commander left over from an earlier ballot (typically one
		// that was preempted) is replaced by one for the current ballot.
		old.Cancel()
	}
	pv := types.PValue{Slot: slot, Ballot: ballot, Command: cmd}
	c := commander.New(l.self, pv, l.peers, l.r, l.stats, commanderNotifiee{l})
	l.commanders[slot] = c
	l.mu.Unlock()

	c.Start(l.retransmit)
}

func (l *Leader) persistLocked() {
	l.store.MustSave(record{Ballot: l.ballot, Proposals: l.proposals})
}

// scoutNotifiee adapts a Leader to scout.Notifiee.
type scoutNotifiee struct{ l *Leader }

func (n scoutNotifiee) Adopted(ballot types.Ballot, pvalues map[types.Slot]types.Command) {
	n.l.adopted(ballot, pvalues)
}

func (n scoutNotifiee) Preempted(ballot types.Ballot, err error) {
	n.l.preempted(ballot, err)
}

// commanderNotifiee adapts a Leader to commander.Notifiee.
type commanderNotifiee struct{ l *Leader }

func (n commanderNotifiee) Preempted(slot types.Slot, ballot types.Ballot, err error) {
	n.l.preempted(ballot, err)
}

func backoffDelay(rng *rand.Rand, attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	jitter := time.Duration(rng.Int63n(int64(d)))
	return d/2 + jitter/2
}

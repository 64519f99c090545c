// Package acceptor implements the Acceptor role (§4.1): the sole
// keeper of durable per-slot commitments. An Acceptor never initiates
// anything; it only answers P1A/P2A requests from whichever Scout or
// Commander currently holds its attention, persisting every promise
// and every accepted pvalue before replying.
package acceptor

import (
	"os"
	"sync"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"

	"github.com/nwtnni/paxos/internal/durable"
	"github.com/nwtnni/paxos/internal/router"
	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("acceptor")
}

// record is the durable representation of an Acceptor's state.
type record struct {
	Ballot   types.Ballot
	Accepted map[types.Slot]types.PValue
}

// Acceptor implements router.AcceptorHandler.
type Acceptor struct {
	mu sync.Mutex

	self  types.ServerId
	store *durable.Store
	stats statsd.Statter
	r     *router.Router

	ballot   types.Ballot
	accepted map[types.Slot]types.PValue
}

// New constructs an Acceptor and replays its durable record, if any.
// A persistence read failure is fatal: the role cannot safely decide
// what it has already promised.
func New(self types.ServerId, store *durable.Store, stats statsd.Statter, r *router.Router) *Acceptor {
	a := &Acceptor{
		self:     self,
		store:    store,
		stats:    stats,
		r:        r,
		accepted: make(map[types.Slot]types.PValue),
	}

	var rec record
	found, err := store.Load(&rec)
	if err != nil {
		logger.Criticalf("acceptor %d: failed to load durable record: %v", self, err)
		os.Exit(1)
	}
	if found {
		a.ballot = rec.Ballot
		if rec.Accepted != nil {
			a.accepted = rec.Accepted
		}
		logger.Infof("acceptor %d: recovered ballot %s with %d accepted pvalues", self, a.ballot, len(a.accepted))
	}
	return a
}

// HandleP1A answers a prepare request: adopt the ballot if it is at
// least as high as anything seen before, persist, and reply with
// every pvalue accepted for a slot past the caller's decided hint.
func (a *Acceptor) HandleP1A(from types.ServerId, m wire.P1A) {
	a.mu.Lock()
	if a.ballot.Less(m.Ballot) {
		a.ballot = m.Ballot
	}
	reply := wire.P1B{From: a.self, Ballot: a.ballot}
	for slot, pv := range a.accepted {
		if m.HasHint && slot <= m.DecidedHint {
			continue
		}
		reply.PValues = append(reply.PValues, pv)
	}
	a.persistLocked()
	a.mu.Unlock()

	a.stats.Inc("acceptor.p1a", 1, 1.0)
	logger.Debugf("acceptor %d: p1a from %d ballot %s -> %d pvalues", a.self, from, m.Ballot, len(reply.PValues))
	a.r.SendPeer(from, wire.Envelope{Payload: reply})
}

// HandleP2A answers an accept request: adopt the pvalue's command for
// its slot if the ballot is at least as high as anything seen before,
// persist, and reply either way so the Commander can detect preempts.
func (a *Acceptor) HandleP2A(from types.ServerId, m wire.P2A) {
	a.mu.Lock()
	pv := m.PValue
	if !pv.Ballot.Less(a.ballot) {
		a.ballot = pv.Ballot
		a.accepted[pv.Slot] = pv
	}
	reply := wire.P2B{
		From:      a.self,
		Ballot:    a.ballot,
		Commander: types.CommanderId{Ballot: pv.Ballot, Slot: pv.Slot},
	}
	a.persistLocked()
	a.mu.Unlock()

	a.stats.Inc("acceptor.p2a", 1, 1.0)
	logger.Debugf("acceptor %d: p2a from %d slot %d ballot %s -> ballot %s", a.self, from, pv.Slot, pv.Ballot, reply.Ballot)
	a.r.SendPeer(from, wire.Envelope{Payload: reply})
}

// persistLocked saves the current state. Callers hold a.mu. A failure
// here is fatal, per the ambient persistence-failure rule: the process
// aborts rather than reply based on a promise it could not durably
// record.
func (a *Acceptor) persistLocked() {
	a.store.MustSave(record{Ballot: a.ballot, Accepted: a.accepted})
}

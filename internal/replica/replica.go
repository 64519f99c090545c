// Package replica implements the Replica role (§4.5): the only agent
// that talks to clients and to the state machine. It assigns incoming
// commands to slots, hands them to the Leader to get decided, and
// performs decided commands against the state machine strictly in
// slot order, suppressing duplicates so a command is applied at most
// once no matter how many times it was proposed. Modeled on the
// teacher's Scope.ExecuteQuery pipeline, generalized from
// preaccept/accept/commit/execute to propose/decide/perform.
package replica

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
	logger = logging.MustGetLogger("replica")
}

// StateMachine is the deterministic, swappable backend a Replica
// drives. Apply is called at most once per distinct CommandKey.
type StateMachine interface {
	Apply(cmd types.Command) types.Response
}

// Proposer is the subset of the Leader a Replica needs: the ability
// to hand a command to a slot for the current ballot to drive.
type Proposer interface {
	Propose(slot types.Slot, cmd types.Command)
}

// record is the durable representation of a Replica's state.
type record struct {
	SlotIn    types.Slot
	SlotOut   types.Slot
	Proposals map[types.Slot]types.Command
	Decisions map[types.Slot]types.Command
	Responses map[types.CommandKey]types.Response
}

// Replica implements router.ReplicaHandler.
type Replica struct {
	mu sync.Mutex

	self  types.ServerId
	store *durable.Store
	stats statsd.Statter
	r     *router.Router
	sm    StateMachine
	lead  Proposer

	slotIn  types.Slot
	slotOut types.Slot

	proposals map[types.Slot]types.Command
	decisions map[types.Slot]types.Command

	responses      map[types.CommandKey]types.Response
	pendingClients map[types.CommandKey]any
}

// New constructs a Replica and replays its durable record, if any.
// SetLeader must be called before any client request arrives.
func New(self types.ServerId, store *durable.Store, stats statsd.Statter, r *router.Router, sm StateMachine) *Replica {
	rep := &Replica{
		self:           self,
		store:          store,
		stats:          stats,
		r:              r,
		sm:             sm,
		proposals:      make(map[types.Slot]types.Command),
		decisions:      make(map[types.Slot]types.Command),
		responses:      make(map[types.CommandKey]types.Response),
		pendingClients: make(map[types.CommandKey]any),
	}

	var rec record
	found, err := store.Load(&rec)
	if err != nil {
		logger.Criticalf("replica %d: failed to load durable record: %v", self, err)
		os.Exit(1)
	}
	if found {
		rep.slotIn = rec.SlotIn
		rep.slotOut = rec.SlotOut
		if rec.Proposals != nil {
			rep.proposals = rec.Proposals
		}
		if rec.Decisions != nil {
			rep.decisions = rec.Decisions
		}
		if rec.Responses != nil {
			rep.responses = rec.Responses
		}
		logger.Infof("replica %d: recovered slot_in=%d slot_out=%d", self, rep.slotIn, rep.slotOut)
	}
	return rep
}

// SetLeader wires the Replica to the Leader that will drive its
// proposals to decisions. Constructing the two is inherently circular
// (the Leader's commanders report decisions back through the Router,
// not through the Replica directly), so this is a separate step
// rather than a New() argument.
func (rep *Replica) SetLeader(lead Proposer) {
	rep.mu.Lock()
	rep.lead = lead

	type pending struct {
		slot types.Slot
		cmd  types.Command
	}
	var outstanding []pending
	for slot, cmd := range rep.proposals {
		if _, decided := rep.decisions[slot]; !decided {
			outstanding = append(outstanding, pending{slot, cmd})
		}
	}
	rep.mu.Unlock()

	// lead.Propose is called outside rep.mu: in a single-node cluster
	// it can resolve synchronously through self-dispatch all the way
	// to a Decision broadcast, which calls back into HandleDecision on
	// this same goroutine and would deadlock on a held, non-reentrant
	// mutex.
	for _, p := range outstanding {
		lead.Propose(p.slot, p.cmd)
	}
}

// HandleClientRequest implements router.ReplicaHandler.
func (rep *Replica) HandleClientRequest(clientID any, m wire.ClientRequest) {
	rep.mu.Lock()

	cmd := m.Command
	if resp, ok := rep.responses[cmd.Key]; ok {
		rep.mu.Unlock()
		rep.r.SendClient(clientID, wire.Envelope{Payload: wire.ClientResponse{Response: resp, Empty: resp == nil}})
		return
	}

	for _, existing := range rep.proposals {
		if existing.Key == cmd.Key {
			rep.pendingClients[cmd.Key] = clientID
			rep.mu.Unlock()
			return
		}
	}

	// A slot can be decided before it is performed, e.g. learned via a
	// Commander's broadcast for a proposal this replica never slotted
	// itself. A client resubmitting that same command (after
	// reconnecting to this replica, say) must not be re-proposed at a
	// new slot: it is only waiting on perform() to catch up.
	for _, existing := range rep.decisions {
		if existing.Key == cmd.Key {
			rep.pendingClients[cmd.Key] = clientID
			rep.mu.Unlock()
			return
		}
	}

	slot := rep.slotIn
	rep.slotIn++
	rep.proposals[slot] = cmd
	rep.pendingClients[cmd.Key] = clientID
	rep.persistLocked()
	lead := rep.lead
	rep.mu.Unlock()

	rep.stats.Inc("replica.propose", 1, 1.0)
	logger.Debugf("replica %d: assigned slot %d to command %s", rep.self, slot, cmd.Key)
	if lead != nil {
		lead.Propose(slot, cmd)
	}
}

// HandleDecision implements router.ReplicaHandler.
func (rep *Replica) HandleDecision(from types.ServerId, m wire.Decision) {
	rep.mu.Lock()

	rep.decisions[m.Slot] = m.Command
	rep.stats.Inc("replica.decide", 1, 1.0)

	type displaced struct {
		slot types.Slot
		cmd  types.Command
	}
	var reproposals []displaced

	for {
		cmd, ok := rep.decisions[rep.slotOut]
		if !ok {
			break
		}

		if proposed, ok := rep.proposals[rep.slotOut]; ok {
			delete(rep.proposals, rep.slotOut)
			if proposed.Key != cmd.Key {
				slot := rep.slotIn
				rep.slotIn++
				rep.proposals[slot] = proposed
				reproposals = append(reproposals, displaced{slot, proposed})
			}
		}

		rep.perform(cmd)
		rep.slotOut++
	}

	rep.persistLocked()
	lead := rep.lead
	rep.mu.Unlock()

	// Re-proposing outside rep.mu for the same reason as SetLeader:
	// this can resolve synchronously and call back into HandleDecision
	// on the same goroutine.
	if lead != nil {
		for _, d := range reproposals {
			lead.Propose(d.slot, d.cmd)
		}
	}
}

// perform applies cmd to the state machine at most once, and replies
// to whichever client is waiting on it, if this replica is the one
// holding that client's connection.
func (rep *Replica) perform(cmd types.Command) {
	resp, already := rep.responses[cmd.Key]
	if !already {
		resp = rep.sm.Apply(cmd)
		rep.responses[cmd.Key] = resp
		rep.stats.Inc("replica.execute", 1, 1.0)
		logger.Debugf("replica %d: executed command %s", rep.self, cmd.Key)
	}

	if clientID, ok := rep.pendingClients[cmd.Key]; ok {
		delete(rep.pendingClients, cmd.Key)
		rep.r.SendClient(clientID, wire.Envelope{Payload: wire.ClientResponse{Response: resp, Empty: resp == nil}})
	}
}

func (rep *Replica) persistLocked() {
	rep.store.MustSave(record{
		SlotIn:    rep.slotIn,
		SlotOut:   rep.slotOut,
		Proposals: rep.proposals,
		Decisions: rep.decisions,
		Responses: rep.responses,
	})
}

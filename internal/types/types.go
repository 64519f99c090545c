// Package types defines the wire-identical value types shared by every
// Paxos role: identifiers, ballots, pvalues, and decided proposals.
package types

import "fmt"

// ServerId identifies a replica process within the cluster, in [0, N).
type ServerId int

// CommandKey identifies a client command independent of its payload.
// ClientID and LocalSeq are opaque, user-defined, hashable identifiers;
// equality and hashing ignore the command payload entirely.
type CommandKey struct {
	ClientID any
	LocalSeq any
}

func (k CommandKey) String() string {
	return fmt.Sprintf("%v/%v", k.ClientID, k.LocalSeq)
}

// Command is a client request: a key plus an opaque, deterministic
// payload. Payload must be a concrete type the caller has registered
// with gob if it is to cross the wire.
type Command struct {
	Key     CommandKey
	Payload any
}

// Response is whatever a state machine chooses to return for a
// command. A nil Response means the command produced no reply.
type Response any

// Slot is a nonnegative position in the replicated command log.
type Slot int64

// Ballot totally orders leadership attempts. Comparison is
// lexicographic with Seq dominant, matching PMMC.
type Ballot struct {
	Seq    uint64
	Leader ServerId
}

// Less reports whether b is ordered strictly before other.
func (b Ballot) Less(other Ballot) bool {
	if b.Seq != other.Seq {
		return b.Seq < other.Seq
	}
	return b.Leader < other.Leader
}

// LessEqual reports whether b is ordered at or before other.
func (b Ballot) LessEqual(other Ballot) bool {
	return b == other || b.Less(other)
}

// Max returns the larger of two ballots.
func Max(a, b Ballot) Ballot {
	if a.Less(b) {
		return b
	}
	return a
}

func (b Ballot) String() string {
	return fmt.Sprintf("<%d,%d>", b.Seq, b.Leader)
}

// PValue is a proposed binding of a slot to a command under a ballot,
// as recorded by an Acceptor.
type PValue struct {
	Slot    Slot
	Ballot  Ballot
	Command Command
}

// Proposal is a decided binding: a command chosen for a slot, with no
// ballot attached, since once decided the ballot is irrelevant.
type Proposal struct {
	Slot    Slot
	Command Command
}

// CommanderId routes a P2B reply back to the Commander driving that
// (ballot, slot) pair.
type CommanderId struct {
	Ballot Ballot
	Slot   Slot
}

func (c CommanderId) String() string {
	return fmt.Sprintf("%s/%d", c.Ballot, c.Slot)
}

// Pmax groups pvalues by slot and, within each group, picks the
// command carried by the pvalue with the highest ballot. Ballots are
// globally unique so ties cannot occur.
func Pmax(pvalues []PValue) map[Slot]Command {
	best := make(map[Slot]PValue, len(pvalues))
	for _, pv := range pvalues {
		cur, ok := best[pv.Slot]
		if !ok || cur.Ballot.Less(pv.Ballot) {
			best[pv.Slot] = pv
		}
	}
	out := make(map[Slot]Command, len(best))
	for slot, pv := range best {
		out[slot] = pv.Command
	}
	return out
}

// Majority returns the number of affirmative replies needed from n
// acceptors/replicas to constitute a quorum: floor(n/2) + 1, i.e.
// strictly more than half.
func Majority(n int) int {
	return n/2 + 1
}

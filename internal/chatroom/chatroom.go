// Package chatroom is a sample replica.StateMachine: a simple
// append/read log, the kind of toy application spec §8 walks through
// when tracing an end-to-end scenario. It supplements the distilled
// spec, which lists an application like this as an out-of-scope
// example but needs a concrete implementation to exercise and test
// the core against. Grounded on the teacher's store/redis.go, which
// plays the same "swappable backend behind an interface" role for its
// own system, generalized from a single Redis-alike value store to
// the literal append/read-log semantics spec §8 names.
package chatroom

import (
	"encoding/gob"
	"sync"

	"github.com/nwtnni/paxos/internal/types"
)

// Op names the two operations the log supports.
type Op int

const (
	OpPut Op = iota
	OpGet
)

// Command is the chatroom-specific payload carried by types.Command.
type Command struct {
	Op    Op
	Value string
}

// Response is the chatroom-specific payload returned as a
// types.Response.
type Response struct {
	OK  bool
	Log []string
}

func init() {
	gob.Register(Command{})
	gob.Register(Response{})
}

// Chatroom is an append-only log of posted messages.
type Chatroom struct {
	mu  sync.Mutex
	log []string
}

// New returns an empty Chatroom.
func New() *Chatroom {
	return &Chatroom{}
}

// Apply implements replica.StateMachine.
func (c *Chatroom) Apply(cmd types.Command) types.Response {
	payload, ok := cmd.Payload.(Command)
	if !ok {
		return Response{OK: false}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch payload.Op {
	case OpPut:
		c.log = append(c.log, payload.Value)
		return Response{OK: true}
	case OpGet:
		out := make([]string, len(c.log))
		copy(out, c.log)
		return Response{OK: true, Log: out}
	default:
		return Response{OK: false}
	}
}

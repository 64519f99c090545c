// Package wire defines the peer and client message union (§6) and the
// length-prefixed framing used to carry it over TCP, plus the small
// set of typed errors the protocol needs to distinguish (§7).
package wire

import (
	"encoding/gob"

	"github.com/nwtnni/paxos/internal/types"
)

// P1A is the prepare request a Scout sends to every Acceptor. An
// optional decided-slot hint lets the Acceptor bound the pvalue set
// it returns (§9 "adopt the hinted form").
type P1A struct {
	Ballot      types.Ballot
	DecidedHint types.Slot
	HasHint     bool
}

// P1B is an Acceptor's reply to a P1A.
type P1B struct {
	From    types.ServerId
	Ballot  types.Ballot
	PValues []types.PValue
}

// P2A is the accept request a Commander sends to every Acceptor.
type P2A struct {
	PValue types.PValue
}

// P2B is an Acceptor's reply to a P2A, tagged with the CommanderId so
// the Router can find the Commander driving it.
type P2B struct {
	From      types.ServerId
	Ballot    types.Ballot
	Commander types.CommanderId
}

// Decision is broadcast by a Commander once a majority of acceptors
// has accepted its pvalue; every Replica, including the Commander's
// own, applies it.
type Decision struct {
	Slot    types.Slot
	Command types.Command
}

// Ping keeps a Peer Link's outbound write path warm and carries the
// sender's identity on first connect.
type Ping struct {
	From types.ServerId
}

// ClientRequest carries one client command to a Replica.
type ClientRequest struct {
	Command types.Command
}

// ClientResponse carries a state machine's response back to a client.
// A zero Response with Empty set means the command produced no reply.
type ClientResponse struct {
	Response types.Response
	Empty    bool
}

// Envelope is the tagged union that crosses the wire. Payload holds
// exactly one of the message types above.
type Envelope struct {
	Payload any
}

func init() {
	gob.Register(P1A{})
	gob.Register(P1B{})
	gob.Register(P2A{})
	gob.Register(P2B{})
	gob.Register(Decision{})
	gob.Register(Ping{})
	gob.Register(ClientRequest{})
	gob.Register(ClientResponse{})
}

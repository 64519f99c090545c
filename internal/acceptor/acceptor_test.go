package acceptor

import (
	"path/filepath"
	"testing"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/stretchr/testify/require"

	"github.com/nwtnni/paxos/internal/durable"
	"github.com/nwtnni/paxos/internal/router"
	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

func newTestAcceptor(t *testing.T, self types.ServerId) (*Acceptor, *router.Router) {
	t.Helper()
	noop, err := statsd.NewNoopClient()
	require.NoError(t, err)
	store := durable.Open(filepath.Join(t.TempDir(), "acceptor-00"))
	r := router.New(self)
	a := New(self, store, noop, r)
	r.SetAcceptor(a)
	return a, r
}

func TestP1AAdoptsHigherBallotAndReplies(t *testing.T) {
	a, r := newTestAcceptor(t, 0)

	out := make(chan wire.Envelope, 1)
	r.ConnectPeer(1, out)

	a.HandleP1A(1, wire.P1A{Ballot: types.Ballot{Seq: 1, Leader: 1}})

	env := <-out
	reply, ok := env.Payload.(wire.P1B)
	require.True(t, ok)
	require.Equal(t, types.Ballot{Seq: 1, Leader: 1}, reply.Ballot)
	require.Empty(t, reply.PValues)
}

func TestP1AIgnoresLowerBallotButStillReplies(t *testing.T) {
	a, r := newTestAcceptor(t, 0)
	out := make(chan wire.Envelope, 2)
	r.ConnectPeer(1, out)

	a.HandleP1A(1, wire.P1A{Ballot: types.Ballot{Seq: 5, Leader: 1}})
	<-out

	a.HandleP1A(1, wire.P1A{Ballot: types.Ballot{Seq: 1, Leader: 2}})
	env := <-out
	reply := env.Payload.(wire.P1B)
	require.Equal(t, types.Ballot{Seq: 5, Leader: 1}, reply.Ballot, "acceptor must not regress its promised ballot")
}

func TestP2AAcceptsAtOrAboveBallot(t *testing.T) {
	a, r := newTestAcceptor(t, 0)
	out := make(chan wire.Envelope, 1)
	r.ConnectPeer(1, out)

	pv := types.PValue{Slot: 3, Ballot: types.Ballot{Seq: 1, Leader: 1}, Command: types.Command{Key: types.CommandKey{ClientID: "c", LocalSeq: 1}}}
	a.HandleP2A(1, wire.P2A{PValue: pv})

	env := <-out
	reply := env.Payload.(wire.P2B)
	require.Equal(t, pv.Ballot, reply.Ballot)
	require.Equal(t, types.CommanderId{Ballot: pv.Ballot, Slot: pv.Slot}, reply.Commander)
}

func TestP2ARejectsBelowPromisedBallot(t *testing.T) {
	a, r := newTestAcceptor(t, 0)
	out := make(chan wire.Envelope, 2)
	r.ConnectPeer(1, out)

	a.HandleP1A(1, wire.P1A{Ballot: types.Ballot{Seq: 5, Leader: 1}})
	<-out

	pv := types.PValue{Slot: 1, Ballot: types.Ballot{Seq: 1, Leader: 2}}
	a.HandleP2A(2, wire.P2A{PValue: pv})
	r.ConnectPeer(2, out)
	a.HandleP2A(2, wire.P2A{PValue: pv})

	env := <-out
	reply := env.Payload.(wire.P2B)
	require.Equal(t, types.Ballot{Seq: 5, Leader: 1}, reply.Ballot, "acceptor must report the higher ballot it already promised")
}

func TestP1AHonorsDecidedHint(t *testing.T) {
	a, r := newTestAcceptor(t, 0)
	out := make(chan wire.Envelope, 2)
	r.ConnectPeer(1, out)

	a.HandleP2A(1, wire.P2A{PValue: types.PValue{Slot: 1, Ballot: types.Ballot{Seq: 1, Leader: 1}}})
	<-out
	a.HandleP2A(1, wire.P2A{PValue: types.PValue{Slot: 2, Ballot: types.Ballot{Seq: 1, Leader: 1}}})
	<-out

	a.HandleP1A(1, wire.P1A{Ballot: types.Ballot{Seq: 2, Leader: 1}, HasHint: true, DecidedHint: 1})
	env := <-out
	reply := env.Payload.(wire.P1B)
	require.Len(t, reply.PValues, 1)
	require.Equal(t, types.Slot(2), reply.PValues[0].Slot)
}

func TestAcceptorRecoversFromDurableRecord(t *testing.T) {
	noop, err := statsd.NewNoopClient()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "acceptor-00")
	store := durable.Open(path)
	r1 := router.New(0)
	a1 := New(0, store, noop, r1)
	r1.SetAcceptor(a1)

	out := make(chan wire.Envelope, 1)
	r1.ConnectPeer(1, out)
	a1.HandleP2A(1, wire.P2A{PValue: types.PValue{Slot: 7, Ballot: types.Ballot{Seq: 3, Leader: 0}}})
	<-out

	store2 := durable.Open(path)
	r2 := router.New(0)
	a2 := New(0, store2, noop, r2)
	r2.SetAcceptor(a2)

	out2 := make(chan wire.Envelope, 1)
	r2.ConnectPeer(2, out2)
	a2.HandleP1A(2, wire.P1A{Ballot: types.Ballot{Seq: 4, Leader: 2}})
	env := <-out2
	reply := env.Payload.(wire.P1B)
	require.Len(t, reply.PValues, 1)
	require.Equal(t, types.Slot(7), reply.PValues[0].Slot)
}

package scout

import (
	"sync"
	"testing"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/stretchr/testify/require"

	"github.com/nwtnni/paxos/internal/router"
	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

type fakeNotifiee struct {
	mu        sync.Mutex
	adopted   []map[types.Slot]types.Command
	preempted []*wire.BallotError
}

func (f *fakeNotifiee) Adopted(ballot types.Ballot, pvalues map[types.Slot]types.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopted = append(f.adopted, pvalues)
}

func (f *fakeNotifiee) Preempted(ballot types.Ballot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preempted = append(f.preempted, err.(*wire.BallotError))
}

func (f *fakeNotifiee) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adopted), len(f.preempted)
}

func newNoop(t *testing.T) statsd.Statter {
	t.Helper()
	s, err := statsd.NewNoopClient()
	require.NoError(t, err)
	return s
}

func TestScoutAdoptsOnMajority(t *testing.T) {
	r := router.New(0)
	notify := &fakeNotifiee{}
	ballot := types.Ballot{Seq: 1, Leader: 0}
	s := New(0, ballot, []types.ServerId{0, 1, 2}, false, 0, r, newNoop(t), notify)
	r.ReplaceScout(s)

	s.HandleP1B(0, wire.P1B{From: 0, Ballot: ballot})
	s.HandleP1B(1, wire.P1B{From: 1, Ballot: ballot})

	require.Eventually(t, func() bool {
		adopted, _ := notify.counts()
		return adopted == 1
	}, time.Second, time.Millisecond)
}

func TestScoutPreemptedByHigherBallot(t *testing.T) {
	r := router.New(0)
	notify := &fakeNotifiee{}
	ballot := types.Ballot{Seq: 1, Leader: 0}
	s := New(0, ballot, []types.ServerId{0, 1, 2}, false, 0, r, newNoop(t), notify)
	r.ReplaceScout(s)

	s.HandleP1B(1, wire.P1B{From: 1, Ballot: types.Ballot{Seq: 2, Leader: 1}})

	require.Eventually(t, func() bool {
		_, preempted := notify.counts()
		return preempted == 1
	}, time.Second, time.Millisecond)
}

func TestScoutIgnoresRepliesAfterTerminal(t *testing.T) {
	r := router.New(0)
	notify := &fakeNotifiee{}
	ballot := types.Ballot{Seq: 1, Leader: 0}
	s := New(0, ballot, []types.ServerId{0, 1}, false, 0, r, newNoop(t), notify)
	r.ReplaceScout(s)

	s.HandleP1B(0, wire.P1B{From: 0, Ballot: ballot})
	s.HandleP1B(1, wire.P1B{From: 1, Ballot: ballot})
	require.Eventually(t, func() bool {
		adopted, _ := notify.counts()
		return adopted == 1
	}, time.Second, time.Millisecond)

	s.HandleP1B(1, wire.P1B{From: 1, Ballot: types.Ballot{Seq: 9, Leader: 1}})
	adopted, preempted := notify.counts()
	require.Equal(t, 1, adopted)
	require.Equal(t, 0, preempted, "terminal scout must not fire a second notification")
}

func TestScoutBroadcastsToAllPeersOnStart(t *testing.T) {
	r := router.New(0)
	notify := &fakeNotifiee{}
	ballot := types.Ballot{Seq: 1, Leader: 0}

	out1 := make(chan wire.Envelope, 1)
	out2 := make(chan wire.Envelope, 1)
	r.ConnectPeer(1, out1)
	r.ConnectPeer(2, out2)

	s := New(0, ballot, []types.ServerId{1, 2}, false, 0, r, newNoop(t), notify)
	s.Start(time.Hour)

	for _, out := range []chan wire.Envelope{out1, out2} {
		select {
		case env := <-out:
			p1a, ok := env.Payload.(wire.P1A)
			require.True(t, ok)
			require.Equal(t, ballot, p1a.Ballot)
		case <-time.After(time.Second):
			t.Fatal("expected p1a on start")
		}
	}
}

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwtnni/paxos/internal/types"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := []Envelope{
		{Payload: P1A{Ballot: types.Ballot{Seq: 1, Leader: 2}, HasHint: true, DecidedHint: 5}},
		{Payload: P1B{From: 2, Ballot: types.Ballot{Seq: 1, Leader: 2}, PValues: []types.PValue{
			{Slot: 1, Ballot: types.Ballot{Seq: 1, Leader: 2}, Command: types.Command{Key: types.CommandKey{ClientID: "c", LocalSeq: 1}, Payload: "put x"}},
		}}},
		{Payload: P2A{PValue: types.PValue{Slot: 3, Ballot: types.Ballot{Seq: 1, Leader: 0}}}},
		{Payload: P2B{From: 1, Ballot: types.Ballot{Seq: 1, Leader: 0}, Commander: types.CommanderId{Ballot: types.Ballot{Seq: 1}, Slot: 3}}},
		{Payload: Decision{Slot: 4, Command: types.Command{Key: types.CommandKey{ClientID: "c", LocalSeq: 2}}}},
		{Payload: Ping{From: 1}},
		{Payload: ClientRequest{Command: types.Command{Key: types.CommandKey{ClientID: "c", LocalSeq: 3}, Payload: "get x"}}},
		{Payload: ClientResponse{Response: "value", Empty: false}},
	}

	for _, env := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, env))

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, env.Payload, got.Payload)
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(buf)
	require.Error(t, err)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Envelope{Payload: Ping{From: 1}}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := ReadFrame(truncated)
	require.Error(t, err)
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Ballot: types.Ballot{Seq: 1, Leader: 0}, Received: 1, Needed: 2}
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestBallotErrorMessage(t *testing.T) {
	err := &BallotError{Attempted: types.Ballot{Seq: 1, Leader: 0}, Seen: types.Ballot{Seq: 2, Leader: 1}}
	assert.Contains(t, err.Error(), "preempted")
}

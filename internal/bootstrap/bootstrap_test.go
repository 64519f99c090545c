package bootstrap

import (
	"net"
	"testing"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/stretchr/testify/require"

	"github.com/nwtnni/paxos/internal/chatroom"
	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

func newNoop(t *testing.T) statsd.Statter {
	t.Helper()
	s, err := statsd.NewNoopClient()
	require.NoError(t, err)
	return s
}

func TestSingleNodeClusterAppliesClientCommands(t *testing.T) {
	const serverID = types.ServerId(11)
	const clientPort = 31011

	cfg := Config{
		ServerID:          serverID,
		ClientPort:        clientPort,
		RetransmitTimeout: 20 * time.Millisecond,
		PeerAddrs:         map[types.ServerId]string{serverID: "unused"},
		DataDir:           t.TempDir(),
	}

	p, err := Run(cfg, chatroom.New(), newNoop(t))
	require.NoError(t, err)
	defer p.Close()

	conn, err := net.Dial("tcp", "127.0.0.1:31011")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.Envelope{Payload: wire.ClientRequest{
		Command: types.Command{
			Key:     types.CommandKey{ClientID: "alice", LocalSeq: 1},
			Payload: chatroom.Command{Op: chatroom.OpPut, Value: "hello"},
		},
	}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	resp, ok := env.Payload.(wire.ClientResponse)
	require.True(t, ok)
	applied, ok := resp.Response.(chatroom.Response)
	require.True(t, ok)
	require.True(t, applied.OK)

	require.NoError(t, wire.WriteFrame(conn, wire.Envelope{Payload: wire.ClientRequest{
		Command: types.Command{
			Key:     types.CommandKey{ClientID: "alice", LocalSeq: 2},
			Payload: chatroom.Command{Op: chatroom.OpGet},
		},
	}}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	resp = env.Payload.(wire.ClientResponse)
	applied = resp.Response.(chatroom.Response)
	require.Equal(t, []string{"hello"}, applied.Log)
}

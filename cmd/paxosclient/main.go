// Command paxosclient is a minimal interactive client for the sample
// chatroom state machine, included only as a thin demonstration of
// the wire protocol's client side. Spec §1 places a full client
// outside the core's scope: no retry, no redirect-on-wrong-leader,
// just enough to type "put hello" or "get" at a prompt.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/nwtnni/paxos/internal/chatroom"
	"github.com/nwtnni/paxos/internal/types"
	"github.com/nwtnni/paxos/internal/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "server client-port address")
	clientID := flag.String("id", "", "client id, defaults to a random uuid")
	flag.Parse()

	id := *clientID
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paxosclient: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("connected to %s as %s\n", *addr, id)
	fmt.Println(`commands: "put <text>", "get", "quit"`)

	scanner := bufio.NewScanner(os.Stdin)
	var seq int64
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			return
		}

		var cmd chatroom.Command
		switch {
		case line == "get":
			cmd = chatroom.Command{Op: chatroom.OpGet}
		case strings.HasPrefix(line, "put "):
			cmd = chatroom.Command{Op: chatroom.OpPut, Value: strings.TrimPrefix(line, "put ")}
		default:
			fmt.Println(`unrecognized command, try "put <text>" or "get"`)
			continue
		}

		seq++
		req := wire.Envelope{Payload: wire.ClientRequest{Command: types.Command{
			Key:     types.CommandKey{ClientID: id, LocalSeq: seq},
			Payload: cmd,
		}}}
		if err := wire.WriteFrame(conn, req); err != nil {
			fmt.Fprintf(os.Stderr, "paxosclient: send failed: %v\n", err)
			return
		}

		env, err := wire.ReadFrame(conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "paxosclient: read failed: %v\n", err)
			return
		}
		resp, ok := env.Payload.(wire.ClientResponse)
		if !ok {
			fmt.Fprintf(os.Stderr, "paxosclient: unexpected reply type %T\n", env.Payload)
			continue
		}
		applied, ok := resp.Response.(chatroom.Response)
		if !ok {
			fmt.Fprintf(os.Stderr, "paxosclient: unexpected response payload %T\n", resp.Response)
			continue
		}
		if applied.Log != nil {
			fmt.Println(strings.Join(applied.Log, "\n"))
		} else {
			fmt.Println("ok")
		}
	}
}

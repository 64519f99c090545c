// Command paxosd runs one server process in a Multi-Paxos cluster.
// Argument parsing and cluster topology are deliberately thin: spec
// §6 places the launcher surface outside the core's scope, so this
// just turns flags into a bootstrap.Config and starts the process.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/op/go-logging"

	"github.com/nwtnni/paxos/internal/bootstrap"
	"github.com/nwtnni/paxos/internal/chatroom"
	"github.com/nwtnni/paxos/internal/types"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("paxosd")
}

func main() {
	var (
		id         = flag.Int("id", 0, "this server's id, in [0, N)")
		clientPort = flag.Int("client-port", 9000, "port to accept client connections on")
		peers      = flag.String("peers", "", "comma-separated id=host:port pairs for every server in the cluster, including this one")
		retransmit = flag.Duration("retransmit", 250*time.Millisecond, "prepare/accept retransmission interval")
		dataDir    = flag.String("data-dir", ".", "directory for durable state files")
		statsdAddr = flag.String("statsd-addr", "", "statsd collector address, empty disables metrics")
	)
	flag.Parse()

	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetBackend(backend)

	peerAddrs, err := parsePeers(*peers)
	if err != nil {
		logger.Criticalf("paxosd: invalid -peers: %v", err)
		os.Exit(1)
	}

	stats, err := newStatter(*statsdAddr)
	if err != nil {
		logger.Criticalf("paxosd: failed to init statsd client: %v", err)
		os.Exit(1)
	}

	cfg := bootstrap.Config{
		ServerID:          types.ServerId(*id),
		ClientPort:        *clientPort,
		RetransmitTimeout: *retransmit,
		PeerAddrs:         peerAddrs,
		DataDir:           *dataDir,
	}

	p, err := bootstrap.Run(cfg, chatroom.New(), stats)
	if err != nil {
		logger.Criticalf("paxosd: failed to start: %v", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info("paxosd: shutting down")
	p.Close()
}

func parsePeers(spec string) (map[types.ServerId]string, error) {
	out := make(map[types.ServerId]string)
	if spec == "" {
		return out, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, want id=host:port", pair)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed peer id %q: %w", parts[0], err)
		}
		out[types.ServerId(id)] = parts[1]
	}
	return out, nil
}

func newStatter(addr string) (statsd.Statter, error) {
	if addr == "" {
		return statsd.NewNoopClient()
	}
	return statsd.NewClient(addr, "paxos")
}

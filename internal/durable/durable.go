// Package durable implements the Durable Store (§4.8): a file-backed
// record that a role overwrites on every state mutation and reloads
// once at startup before participating in the protocol.
package durable

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/op/go-logging"

	"github.com/nwtnni/paxos/internal/types"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("durable")
}

// Store persists a single gob-encodable record to a file, overwriting
// it in place (not atomically): truncate, seek to the start, encode,
// sync. One Store guards one file; callers serialize their
// own access pattern (each role already holds its own lock when it
// calls Save).
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns a Store bound to path. It does not touch the
// filesystem until Save or Load is called.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns dir/prefix-NN for the given server id, the one-file-
// per-component-per-server naming spec §6 calls for.
func Path(dir, prefix string, id types.ServerId) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%02d", prefix, id))
}

// Save overwrites the store's file with the gob encoding of record.
// A failure here is fatal to the caller: the role cannot safely
// continue without knowing its mutation is durable.
func (s *Store) Save(record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("durable: open %s: %w", s.path, err)
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("durable: truncate %s: %w", s.path, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("durable: seek %s: %w", s.path, err)
	}
	if err := gob.NewEncoder(f).Encode(record); err != nil {
		return fmt.Errorf("durable: encode %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("durable: sync %s: %w", s.path, err)
	}
	return nil
}

// Load decodes the store's file into out. It returns (false, nil) both
// when the file does not exist yet (the normal case for a role
// starting for the first time) and when it exists but holds no usable
// record: empty, truncated, or otherwise undecodable. Save has no
// atomic rename, only truncate-then-write-then-sync, so a crash
// mid-Save leaves exactly this kind of file; the role that reads it
// back must recover as if it had never persisted anything, not treat
// its own incomplete write as fatal.
func (s *Store) Load(out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("durable: open %s: %w", s.path, err)
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(out); err != nil {
		logger.Warningf("durable: %s holds no usable record (%v), treating as absent", s.path, err)
		return false, nil
	}
	return true, nil
}

// MustSave calls Save and logs+aborts the process on failure, matching
// the ambient "fatal paths log Critical then exit" error-handling rule.
func (s *Store) MustSave(record any) {
	if err := s.Save(record); err != nil {
		logger.Criticalf("durable: unrecoverable persistence failure: %v", err)
		os.Exit(1)
	}
}

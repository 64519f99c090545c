package durable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwtnni/paxos/internal/types"
)

type acceptorRecord struct {
	Ballot  types.Ballot
	Accepted []types.PValue
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "acceptor-00"))

	want := acceptorRecord{
		Ballot: types.Ballot{Seq: 3, Leader: 1},
		Accepted: []types.PValue{
			{Slot: 1, Ballot: types.Ballot{Seq: 3, Leader: 1}},
		},
	}
	require.NoError(t, s.Save(want))

	var got acceptorRecord
	found, err := s.Load(&got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, got)
}

func TestLoadMissingFileReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "does-not-exist"))

	var got acceptorRecord
	found, err := s.Load(&got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSaveOverwritesPreviousRecord(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "leader-00"))

	require.NoError(t, s.Save(acceptorRecord{Ballot: types.Ballot{Seq: 1, Leader: 0}}))
	require.NoError(t, s.Save(acceptorRecord{Ballot: types.Ballot{Seq: 9, Leader: 0}}))

	var got acceptorRecord
	_, err := s.Load(&got)
	require.NoError(t, err)
	require.Equal(t, uint64(9), got.Ballot.Seq)
}

func TestLoadEmptyFileReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acceptor-00")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s := Open(path)
	var got acceptorRecord
	found, err := s.Load(&got)
	require.NoError(t, err)
	require.False(t, found, "an empty file from a crash mid-Save must be treated as absent")
}

func TestLoadCorruptFileReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acceptor-00")
	require.NoError(t, os.WriteFile(path, []byte("not a gob stream"), 0o600))

	s := Open(path)
	var got acceptorRecord
	found, err := s.Load(&got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPathNaming(t *testing.T) {
	require.Equal(t, filepath.Join("data", "acceptor-03"), Path("data", "acceptor", types.ServerId(3)))
}

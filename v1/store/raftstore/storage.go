package raftstore

import (
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// storage bundles the three persistence components raft needs. Bolt backs
// both the log and the stable store; snapshots are plain files.
type storage struct {
	logs      raft.LogStore
	stable    raft.StableStore
	snapshots raft.SnapshotStore
	closer    io.Closer
}

func newBoltStorage(dataDir string, logOutput io.Writer) (*storage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	db, err := raftboltdb.New(raftboltdb.Options{Path: filepath.Join(dataDir, "raft.db")})
	if err != nil {
		return nil, err
	}
	snaps, err := raft.NewFileSnapshotStore(filepath.Join(dataDir, "snapshots"), 3, logOutput)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &storage{logs: db, stable: db, snapshots: snaps, closer: db}, nil
}

func newInmemStorage() *storage {
	mem := raft.NewInmemStore()
	return &storage{logs: mem, stable: mem, snapshots: raft.NewInmemSnapshotStore()}
}

func (s *storage) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

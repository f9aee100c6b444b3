package agent

import (
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/frkn-dev/pony/pkg/errdefs"
)

var (
	bucketSnapshot = []byte("snapshot")
	keyLast        = []byte("last")
)

// StateDB persists the last materialized snapshot frame so a restarted
// agent can serve /debug/state and run drift checks before the API
// republishes.
type StateDB struct {
	db *bolt.DB
}

// OpenStateDB opens (or creates) the agent state file under dir.
func OpenStateDB(dir string) (*StateDB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.New(errdefs.KindIo, err)
	}
	db, err := bolt.Open(filepath.Join(dir, "agent.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errdefs.New(errdefs.KindIo, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshot)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errdefs.New(errdefs.KindIo, err)
	}
	return &StateDB{db: db}, nil
}

// SaveSnapshot stores the raw snapshot frame.
func (s *StateDB) SaveSnapshot(frame []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshot).Put(keyLast, frame)
	})
	return errdefs.New(errdefs.KindIo, err)
}

// LoadSnapshot returns the stored frame, or nil when none was saved yet.
func (s *StateDB) LoadSnapshot() ([]byte, error) {
	var frame []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSnapshot).Get(keyLast); v != nil {
			frame = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.New(errdefs.KindIo, err)
	}
	return frame, nil
}

func (s *StateDB) Close() error {
	return s.db.Close()
}

package md5cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Plan is the rename set computed for one unit before any rename happens.
type Plan struct {
	Hash    string      `json:"hash"`
	Renames [][2]string `json:"renames"`
}

// Journal records rename plans so an interrupted versioning pass can be
// finished on the next run. Begin is called before the first rename of a
// unit and Commit after the last.
type Journal interface {
	Begin(key string, p Plan) error
	Commit(key string) error
	// Pending returns plans that were begun and never committed.
	Pending() (map[string]Plan, error)
}

var pendingBucket = []byte("pending")

// BoltJournal is a [Journal] stored in a bbolt database.
type BoltJournal struct {
	db *bolt.DB
}

// OpenBoltJournal opens or creates the journal database at path.
func OpenBoltJournal(path string) (*BoltJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("creating journal bucket: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

// Begin implements [Journal].
func (j *BoltJournal) Begin(key string, p Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(key), data)
	})
}

// Commit implements [Journal].
func (j *BoltJournal) Commit(key string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete([]byte(key))
	})
}

// Pending implements [Journal].
func (j *BoltJournal) Pending() (map[string]Plan, error) {
	out := make(map[string]Plan)
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var p Plan
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decoding plan %q: %w", k, err)
			}
			out[string(k)] = p
			return nil
		})
	})
	return out, err
}

// Close releases the database.
func (j *BoltJournal) Close() error {
	return j.db.Close()
}

// MemJournal is an in-memory [Journal].
type MemJournal struct {
	mu      sync.Mutex
	pending map[string]Plan
}

// NewMemJournal returns an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{pending: make(map[string]Plan)}
}

// Begin implements [Journal].
func (j *MemJournal) Begin(key string, p Plan) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[key] = p
	return nil
}

// Commit implements [Journal].
func (j *MemJournal) Commit(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, key)
	return nil
}

// Pending implements [Journal].
func (j *MemJournal) Pending() (map[string]Plan, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]Plan, len(j.pending))
	for k, p := range j.pending {
		out[k] = p
	}
	return out, nil
}

func sortedKeys(m map[string]Plan) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// FileRecorder appends events to a JSONL log shared with other apack
// processes. Each append holds <log>.lock and first catches up on lines
// other processes wrote, so sequence numbers stay unique and increasing
// across writers.
type FileRecorder struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	lock   *flock.Flock
	seq    uint64
	offset int64 // end of the log as of our last read or write
	stderr io.Writer
}

// NewFileRecorder opens the log at path for appending, creating it and
// its directory as needed.
func NewFileRecorder(path string, stderr io.Writer) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	r := &FileRecorder{
		path:   path,
		file:   file,
		lock:   flock.New(path + ".lock"),
		stderr: stderr,
	}
	if err := r.catchUp(); err != nil {
		file.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return r, nil
}

// catchUp advances seq past the lines appended since offset.
func (r *FileRecorder) catchUp() error {
	evts, next, err := ReadFrom(r.path, r.offset)
	if err != nil {
		return err
	}
	r.seq = maxSeq(evts, r.seq)
	r.offset = next
	return nil
}

// Record appends e, assigning Seq and, when zero, Ts.
func (r *FileRecorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.Lock(); err != nil {
		fmt.Fprintf(r.stderr, "events: lock: %v\n", err) //nolint:errcheck // best-effort stderr
		return
	}
	defer r.lock.Unlock() //nolint:errcheck // released on close anyway

	if err := r.catchUp(); err != nil {
		fmt.Fprintf(r.stderr, "events: %v\n", err) //nolint:errcheck // best-effort stderr
	}
	r.seq++
	e.Seq = r.seq
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(r.stderr, "events: marshal %s: %v\n", e.Type, err) //nolint:errcheck // best-effort stderr
		return
	}
	n, err := r.file.Write(append(data, '\n'))
	r.offset += int64(n)
	if err != nil {
		fmt.Fprintf(r.stderr, "events: write: %v\n", err) //nolint:errcheck // best-effort stderr
	}
}

// Path returns the log file.
func (r *FileRecorder) Path() string { return r.path }

// Close closes the log.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadAll returns every event of the log at path. A missing log is empty.
func ReadAll(path string) ([]Event, error) {
	evts, _, err := ReadFrom(path, 0)
	return evts, err
}

// ReadFiltered returns the events of the log at path that match filter.
func ReadFiltered(path string, filter Filter) ([]Event, error) {
	evts, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	return filter.Select(evts), nil
}

// LatestSeq returns the highest sequence number in the log, or 0.
func LatestSeq(path string) (uint64, error) {
	evts, err := ReadAll(path)
	if err != nil {
		return 0, err
	}
	return maxSeq(evts, 0), nil
}

// ReadFrom decodes the complete lines of the log starting at byte offset
// and returns them with the offset just past the last complete line. A
// trailing line without its newline is left for the next call, so a
// reader racing a writer never drops an event. Malformed lines are
// skipped.
func ReadFrom(path string, offset int64) ([]Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("reading events: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seeking events: %w", err)
	}
	var out []Event
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return out, offset, nil
		}
		if err != nil {
			return out, offset, fmt.Errorf("reading events: %w", err)
		}
		offset += int64(len(line))
		var e Event
		if json.Unmarshal(bytes.TrimSpace(line), &e) == nil {
			out = append(out, e)
		}
	}
}

func maxSeq(evts []Event, seq uint64) uint64 {
	for _, e := range evts {
		seq = max(seq, e.Seq)
	}
	return seq
}

package workerpool

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// benignPrefixes are diagnostic banners printed by runtimes and
// debuggers attached to a worker. They are never errors.
var benignPrefixes = []string{
	"Debugger listening on",
	"Debugger attached",
	"Debugger ending on",
	"For help, see: https://nodejs.org/en/docs/inspector",
	"Waiting for the debugger to disconnect",
}

// ClassifyStderr returns the level a line of worker stderr is re-logged
// at. Lines carrying a logrus "level=" field keep that level.
func ClassifyStderr(line string) logrus.Level {
	trimmed := strings.TrimSpace(line)
	for _, p := range benignPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return logrus.DebugLevel
		}
	}
	if _, rest, ok := strings.Cut(trimmed, "level="); ok {
		name, _, _ := strings.Cut(rest, " ")
		if lvl, err := logrus.ParseLevel(strings.Trim(name, `"`)); err == nil {
			// A worker's panic or fatal must not panic the parent.
			return max(lvl, logrus.ErrorLevel)
		}
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "warn") || strings.Contains(lower, "warning:") {
		return logrus.WarnLevel
	}
	return logrus.ErrorLevel
}

// stderrTailLen bounds the stderr kept for exit errors.
const stderrTailLen = 1024

// stderrSink re-logs worker stderr line by line and keeps the tail for
// error messages.
type stderrSink struct {
	log logrus.FieldLogger

	mu   sync.Mutex
	tail []byte
}

func (s *stderrSink) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.remember(line)
		s.log.WithField("stream", "stderr").Log(ClassifyStderr(line), line)
	}
}

func (s *stderrSink) remember(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, line...)
	s.tail = append(s.tail, '\n')
	if n := len(s.tail); n > stderrTailLen {
		s.tail = s.tail[n-stderrTailLen:]
	}
}

func (s *stderrSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(string(s.tail))
}

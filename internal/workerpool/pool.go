// Package workerpool runs heavy compilation passes in long-lived child
// processes, one per task name.
//
// A task is registered with the command that serves it and spawned on the
// first [Pool.Run]. Calls are CBOR requests written to the child's stdin
// and answered on its stdout; each carries an ID so several calls to the
// same task may be in flight at once. The child's stderr is re-logged at
// a level chosen by [ClassifyStderr].
//
// Per task state:
//
//	unspawned -> spawning -> idle <-> busy
//	   ^            |          |        |
//	   +------------+----------+--------+  (spawn failure, exit, kill, idle reap)
//
// A process that exits fails every call still waiting on it with
// [ErrProcessExited] and returns the task to unspawned, so the next Run
// spawns a fresh process. A response frame that does not decode kills the
// process the same way and the failed calls also match
// [ErrMalformedResponse]. Tasks never share processes, so one task's
// failure cannot affect another.
package workerpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/steveyegge/assetpack/internal/events"
	"github.com/steveyegge/assetpack/internal/telemetry"
)

// EnvTask is set in every worker's environment to its task name.
const EnvTask = "APACK_WORKER_TASK"

// Defaults.
const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultGracePeriod = 5 * time.Second
)

// Sentinel errors.
var (
	ErrUnknownTask   = errors.New("unknown worker task")
	ErrTaskExists    = errors.New("worker task already registered")
	ErrPoolClosed    = errors.New("worker pool closed")
	ErrProcessExited = errors.New("worker process exited")

	ErrMalformedResponse = errors.New("malformed worker response")
)

// RemoteError is a failure reported by the worker's handler.
type RemoteError struct {
	Task    string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s: %s: %s", e.Task, e.Method, e.Message)
}

// State is the lifecycle state of a task.
type State int

// Task states.
const (
	Unspawned State = iota
	Spawning
	Idle
	Busy
	Killed
)

func (s State) String() string {
	switch s {
	case Unspawned:
		return "unspawned"
	case Spawning:
		return "spawning"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Entry is the command that serves a task.
type Entry struct {
	Path string
	Args []string
	// Dir is the working directory. Empty inherits the parent's.
	Dir string
	// Env is added to the pool's environment for this task only.
	Env map[string]string
}

// Options configures a [Pool].
type Options struct {
	// IdleTimeout reclaims processes unused for this long. Zero selects
	// DefaultIdleTimeout; a negative value disables the reaper.
	IdleTimeout time.Duration
	// GracePeriod is how long a terminated process gets before SIGKILL.
	// Zero selects DefaultGracePeriod.
	GracePeriod time.Duration
	// KillOnCancel kills a task's process when a caller's context ends
	// while its call is in flight.
	KillOnCancel bool
	// Env is added to every worker's environment.
	Env map[string]string
	// Log receives worker stderr and lifecycle messages.
	Log logrus.FieldLogger
	// Recorder receives worker lifecycle events.
	Recorder events.Recorder
}

// Pool manages worker processes. Safe for concurrent use.
type Pool struct {
	opts   Options
	nextID atomic.Uint64

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	stop   chan struct{}
	reaped chan struct{}
}

type task struct {
	name     string
	entry    Entry
	state    State
	proc     *proc
	spawned  chan struct{} // closed when the current spawn attempt ends
	inflight int
	lastUsed time.Time
}

// New returns a pool and starts its idle reaper.
func New(opts Options) *Pool {
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Log = l
	}
	if opts.Recorder == nil {
		opts.Recorder = events.Discard
	}
	p := &Pool{
		opts:   opts,
		tasks:  make(map[string]*task),
		stop:   make(chan struct{}),
		reaped: make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go p.reapLoop()
	} else {
		close(p.reaped)
	}
	return p
}

// Register reserves a task slot. No process is started until the first
// Run.
func (p *Pool) Register(name string, entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.tasks[name]; ok {
		return fmt.Errorf("%w: %q", ErrTaskExists, name)
	}
	p.tasks[name] = &task{name: name, entry: entry}
	return nil
}

// Tasks returns the registered task names in sorted order.
func (p *Pool) Tasks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.tasks))
	for n := range p.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// State returns the current state of a task.
func (p *Pool) State(name string) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[name]
	if !ok {
		return Unspawned, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return t.state, nil
}

// PID returns the process ID of a task's live process, or 0.
func (p *Pool) PID(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tasks[name]; ok && t.proc != nil {
		return t.proc.cmd.Process.Pid
	}
	return 0
}

// Run calls method on the named task with positional args and decodes
// the result into out, which may be nil. The process is spawned on first
// use and reused afterwards.
//
// Run returns ctx's error when ctx ends first. The call is abandoned; with
// KillOnCancel the process is killed as well.
func (p *Pool) Run(ctx context.Context, name, method string, out any, args ...any) error {
	encoded, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("worker %s: %s: %w", name, method, err)
	}

	start := time.Now()
	pr, err := p.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer p.release(name, pr)

	resp, err := p.call(ctx, name, pr, Request{ID: p.nextID.Add(1), Method: method, Args: encoded})
	durationMs := float64(time.Since(start).Milliseconds())
	if err == nil && resp.Error != "" {
		err = &RemoteError{Task: name, Method: method, Message: resp.Error}
	}
	telemetry.RecordWorkerRequest(ctx, name, method, durationMs, err, pr.stderr.String())
	if err != nil {
		return err
	}
	if out != nil && len(resp.Result) > 0 {
		if err := decMode.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("worker %s: %s: decoding result: %w", name, method, err)
		}
	}
	return nil
}

// acquire returns the task's live process, spawning it if needed, and
// marks the task busy.
func (p *Pool) acquire(ctx context.Context, name string) (*proc, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		t, ok := p.tasks[name]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
		}
		switch t.state {
		case Idle, Busy:
			t.state = Busy
			t.inflight++
			pr := t.proc
			p.mu.Unlock()
			return pr, nil
		case Spawning:
			wait := t.spawned
			p.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, fmt.Errorf("worker %s: waiting for spawn: %w", name, ctx.Err())
			}
			p.mu.Lock()
		default:
			t.state = Spawning
			t.spawned = make(chan struct{})
			p.mu.Unlock()

			pr, err := p.spawn(ctx, t)

			p.mu.Lock()
			close(t.spawned)
			if err != nil {
				t.state = Unspawned
				p.mu.Unlock()
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				p.terminate(pr)
				return nil, ErrPoolClosed
			}
			t.proc = pr
			t.state = Idle
			t.lastUsed = time.Now()
		}
	}
}

// release undoes acquire's busy marking.
func (p *Pool) release(name string, pr *proc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[name]
	if !ok || t.proc != pr {
		return
	}
	t.inflight--
	t.lastUsed = time.Now()
	if t.inflight == 0 && t.state == Busy {
		t.state = Idle
	}
}

func (p *Pool) call(ctx context.Context, name string, pr *proc, req Request) (Response, error) {
	ch, err := pr.expect(req.ID)
	if err != nil {
		return Response{}, fmt.Errorf("worker %s: %s: %w", name, req.Method, err)
	}
	if err := pr.send(req); err != nil {
		pr.forget(req.ID)
		return Response{}, fmt.Errorf("worker %s: %s: sending request: %w", name, req.Method, err)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, fmt.Errorf("worker %s: %s: %w", name, req.Method, pr.exitError())
		}
		return resp, nil
	case <-ctx.Done():
		pr.forget(req.ID)
		if p.opts.KillOnCancel {
			p.killProc(name, pr, "cancel")
		}
		return Response{}, fmt.Errorf("worker %s: %s: %w", name, req.Method, ctx.Err())
	}
}

// Kill terminates the task's process, failing its in-flight calls. The
// next Run spawns a new process. Killing a task without a process is a
// no-op.
func (p *Pool) Kill(name string) error {
	p.mu.Lock()
	t, ok := p.tasks[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	pr := t.proc
	p.mu.Unlock()
	if pr == nil {
		return nil
	}
	p.killProc(name, pr, "kill")
	return nil
}

// killProc detaches pr from its task and terminates it.
func (p *Pool) killProc(name string, pr *proc, reason string) {
	p.mu.Lock()
	t, ok := p.tasks[name]
	if !ok || t.proc != pr {
		p.mu.Unlock()
		return
	}
	t.proc = nil
	t.inflight = 0
	t.state = Killed
	p.mu.Unlock()

	pr.killed.Store(true)
	p.terminate(pr)
	telemetry.RecordWorkerKill(context.Background(), name, reason)
	p.opts.Recorder.Record(events.Event{
		Type:    events.WorkerKilled,
		Actor:   "pool",
		Subject: name,
		Message: reason,
	})
}

// Close terminates every process and stops the reaper. Run fails with
// ErrPoolClosed afterwards. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var procs []*proc
	for _, t := range p.tasks {
		if t.proc != nil {
			procs = append(procs, t.proc)
			t.proc.killed.Store(true)
			t.proc = nil
		}
		t.state = Killed
		t.inflight = 0
	}
	p.mu.Unlock()

	close(p.stop)
	<-p.reaped

	var wg sync.WaitGroup
	for _, pr := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.terminate(pr)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) reapLoop() {
	defer close(p.reaped)
	interval := max(min(p.opts.IdleTimeout/2, time.Minute), time.Millisecond)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-tick.C:
			p.reap(time.Now())
		}
	}
}

// reap kills processes idle for longer than the idle timeout.
func (p *Pool) reap(now time.Time) {
	type victim struct {
		name string
		pr   *proc
	}
	var victims []victim
	p.mu.Lock()
	for name, t := range p.tasks {
		if t.state == Idle && t.proc != nil && now.Sub(t.lastUsed) >= p.opts.IdleTimeout {
			victims = append(victims, victim{name, t.proc})
		}
	}
	p.mu.Unlock()
	for _, v := range victims {
		p.opts.Log.WithField("task", v.name).Debug("reclaiming idle worker")
		p.killProc(v.name, v.pr, "idle")
	}
}

// spawn starts the task's process, retrying briefly when the executable
// is still being written (ETXTBSY).
func (p *Pool) spawn(ctx context.Context, t *task) (*proc, error) {
	var pr *proc
	op := func() error {
		var err error
		pr, err = p.start(t)
		if err != nil && !errors.Is(err, unix.ETXTBSY) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(op, b)
	if err != nil {
		telemetry.RecordWorkerSpawn(ctx, t.name, 0, err)
		return nil, fmt.Errorf("spawning worker %s: %w", t.name, err)
	}
	pid := pr.cmd.Process.Pid
	telemetry.RecordWorkerSpawn(ctx, t.name, pid, nil)
	p.opts.Recorder.Record(events.Event{
		Type:    events.WorkerSpawned,
		Actor:   "pool",
		Subject: t.name,
		Message: fmt.Sprintf("pid %d", pid),
	})
	return pr, nil
}

func (p *Pool) start(t *task) (*proc, error) {
	cmd := exec.Command(t.entry.Path, t.entry.Args...)
	cmd.Dir = t.entry.Dir
	cmd.Env = p.environ(t)
	// Own process group so termination reaches the worker's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	log := p.opts.Log.WithField("task", t.name)
	pr := &proc{
		cmd:     cmd,
		stdin:   stdin,
		enc:     newEncoder(stdin),
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
		stderr:  &stderrSink{log: log},
	}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		pr.stderr.consume(stderr)
	}()
	go func() {
		if err := pr.readLoop(stdout); err != nil {
			pr.readErr = err
			log.Errorf("killing worker: %v", err)
			_ = stdin.Close()
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		// Wait must not run before both pipes are drained.
		<-stderrDone
		pr.exitErr = cmd.Wait()
		p.exited(t.name, pr)
		pr.finish()
	}()
	return pr, nil
}

// environ returns the worker's environment in a fixed order: the parent's,
// then pool-wide additions, then the task's own, then telemetry and the
// task name.
func (p *Pool) environ(t *task) []string {
	env := os.Environ()
	env = appendSorted(env, p.opts.Env)
	env = appendSorted(env, t.entry.Env)
	env = append(env, telemetry.OTELEnvForSubprocess()...)
	return append(env, EnvTask+"="+t.name)
}

func appendSorted(env []string, m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+m[k])
	}
	return env
}

// exited returns the task to unspawned when pr was still its process.
func (p *Pool) exited(name string, pr *proc) {
	p.mu.Lock()
	t, ok := p.tasks[name]
	current := ok && t.proc == pr
	if current {
		t.proc = nil
		t.inflight = 0
		t.state = Unspawned
	}
	p.mu.Unlock()
	if !current || pr.killed.Load() {
		return
	}
	p.opts.Log.WithField("task", name).Warnf("worker exited: %v", pr.exitError())
	p.opts.Recorder.Record(events.Event{
		Type:    events.WorkerExited,
		Actor:   "pool",
		Subject: name,
		Message: pr.exitError().Error(),
	})
}

// terminate closes stdin and signals the process group with SIGTERM,
// then SIGKILL after the grace period.
func (p *Pool) terminate(pr *proc) {
	_ = pr.stdin.Close()
	pid := pr.cmd.Process.Pid
	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case <-pr.done:
		return
	case <-time.After(p.opts.GracePeriod):
	}

	_ = unix.Kill(-pid, unix.SIGKILL)
	<-pr.done
}

// proc is one live worker process.
type proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *stderrSink

	wmu sync.Mutex
	enc *cbor.Encoder

	mu      sync.Mutex
	pending map[uint64]chan Response // nil once the process is gone

	done    chan struct{}
	exitErr error // set before done is closed
	readErr error // set before done is closed
	killed  atomic.Bool
}

func (pr *proc) send(req Request) error {
	pr.wmu.Lock()
	defer pr.wmu.Unlock()
	return pr.enc.Encode(req)
}

// expect registers a waiter for the response to id.
func (pr *proc) expect(id uint64) (chan Response, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.pending == nil {
		return nil, pr.exitError()
	}
	ch := make(chan Response, 1)
	pr.pending[id] = ch
	return ch, nil
}

func (pr *proc) forget(id uint64) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.pending, id)
}

// readLoop routes responses to their callers until stdout closes. It
// returns an error wrapping ErrMalformedResponse when a frame does not
// decode.
func (pr *proc) readLoop(r io.Reader) error {
	dec := newDecoder(bufio.NewReader(r))
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		pr.mu.Lock()
		ch, ok := pr.pending[resp.ID]
		delete(pr.pending, resp.ID)
		pr.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// finish fails every call still waiting on the process.
func (pr *proc) finish() {
	pr.mu.Lock()
	pending := pr.pending
	pr.pending = nil
	pr.mu.Unlock()
	close(pr.done)
	for _, ch := range pending {
		close(ch)
	}
}

// exitError describes why the process is gone, wrapping ErrProcessExited.
// Valid once the process has been waited for.
func (pr *proc) exitError() error {
	if pr.readErr != nil {
		return fmt.Errorf("%w: %w", ErrProcessExited, pr.readErr)
	}
	status := "exit status 0"
	if pr.killed.Load() {
		status = "killed"
	} else if pr.exitErr != nil {
		status = pr.exitErr.Error()
	}
	if tail := pr.stderr.String(); tail != "" {
		return fmt.Errorf("%w (%s): %s", ErrProcessExited, status, tail)
	}
	return fmt.Errorf("%w (%s)", ErrProcessExited, status)
}

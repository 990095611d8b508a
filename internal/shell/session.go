package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	defaultShell        = "/bin/bash"
	defaultPollInterval = 50 * time.Millisecond
	defaultGracePeriod  = 2 * time.Second
	defaultCols         = uint16(120)
	defaultRows         = uint16(30)

	// interruptByte is the terminal's interrupt character (VINTR). Writing
	// it to the controlling side makes the line discipline deliver SIGINT
	// to whatever process group currently owns the foreground.
	interruptByte = 0x03

	// startupWindow bounds how long a blocking TypeEnter watches for the
	// dispatched command to take the foreground before concluding it
	// already finished. The window restarts whenever new output arrives.
	startupWindow = 200 * time.Millisecond

	// startupTimeout caps how long New waits for the shell's first
	// prompt. A shell that never prints one stops the wait at the cap.
	startupTimeout = 5 * time.Second

	readBufSize     = 4096
	eventBufferSize = 1024
)

// Options configures a Session. The zero value spawns an interactive
// /bin/bash inheriting the caller's environment and working directory.
type Options struct {
	Argv         []string      // command line for the shell, default ["/bin/bash"]
	WorkDir      string        // initial working directory, default inherited
	Env          []string      // extra KEY=VALUE entries appended to os.Environ()
	PollInterval time.Duration // drain/wait poll bound, default 50ms
	GracePeriod  time.Duration // Close SIGTERM->SIGKILL window, default 2s
	Cols         uint16        // PTY width, default 120
	Rows         uint16        // PTY height, default 30
}

// Session drives one interactive shell attached to a PTY. Input goes in
// through TypeEnter, output accumulates in an internal buffer drained by a
// single background goroutine and is handed out incrementally by Flush.
//
// Whether the shell is busy is inferred by comparing the PTY's foreground
// process group against the shell's own group: an interactive shell gives
// no explicit "command finished" event, but it always hands the foreground
// to the job it runs and takes it back when the job is reaped.
type Session struct {
	id        string
	name      string
	createdAt time.Time

	cmd     *exec.Cmd
	ptmx    *os.File
	ptmxFd  int
	shellPG int

	pollInterval time.Duration
	gracePeriod  time.Duration

	// events is written only by the drain loop, with non-blocking sends,
	// so a slow consumer can never stall draining.
	events chan Event

	// bufMu covers both the append and the cursor advance, so Flush never
	// observes a half-written chunk.
	bufMu      sync.Mutex
	buf        []byte
	unreadFrom int

	// writeMu serializes the PTY write path (TypeEnter, Stop) separately
	// from the drain loop's read path.
	writeMu sync.Mutex

	blocking   atomic.Bool
	terminated atomic.Bool
	exited     atomic.Bool
	closed     atomic.Bool

	exitedCh  chan struct{}
	done      chan struct{}
	drainDone chan struct{}
	closeOnce sync.Once
}

// New spawns the shell inside a fresh PTY and starts the drain loop. The
// child is made a session leader with the PTY's subordinate side as its
// controlling terminal; the subordinate descriptor is not kept open in
// this process, so end-of-stream is observable once the shell exits.
func New(id, name string, opts Options) (*Session, error) {
	argv := opts.Argv
	if len(argv) == 0 {
		argv = []string{defaultShell}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = os.Environ()
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Env, opts.Env...)
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSpawn, argv[0], err)
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	s := &Session{
		id:           id,
		name:         name,
		createdAt:    time.Now(),
		cmd:          cmd,
		ptmx:         ptmx,
		ptmxFd:       int(ptmx.Fd()),
		shellPG:      cmd.Process.Pid, // session leader: pid == pgid
		pollInterval: poll,
		gracePeriod:  grace,
		events:       make(chan Event, eventBufferSize),
		exitedCh:     make(chan struct{}),
		done:         make(chan struct{}),
		drainDone:    make(chan struct{}),
	}

	go s.drainLoop()
	go s.reap()

	s.awaitStartup()

	return s, nil
}

// awaitStartup blocks until the shell has printed its first prompt and
// gone quiet, so input dispatched right after New cannot land while the
// shell is still sourcing its startup files.
func (s *Session) awaitStartup() {
	deadline := time.Now().Add(startupTimeout)
	for s.bufLen() == 0 {
		if s.terminated.Load() || s.exited.Load() || !time.Now().Before(deadline) {
			return
		}
		time.Sleep(s.pollInterval/4 + time.Millisecond)
	}
	_ = s.waitQuiet(context.Background(), deadline)
}

// waitQuiet blocks until no new output has arrived for two poll ticks
// while the shell holds the foreground, bounded by deadline.
func (s *Session) waitQuiet(ctx context.Context, deadline time.Time) error {
	lastLen := s.bufLen()
	quietSince := time.Now()
	for time.Now().Before(deadline) {
		if s.terminated.Load() || s.exited.Load() {
			return nil
		}
		if n := s.bufLen(); n != lastLen {
			lastLen = n
			quietSince = time.Now()
		} else if time.Since(quietSince) >= 2*s.pollInterval && s.CurrentState() == StateIdle {
			return nil
		}
		if err := sleepCtx(ctx, s.pollInterval/4+time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Name returns the session's label. It has no effect on behavior.
func (s *Session) Name() string { return s.name }

// CreatedAt returns the session construction time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// PID returns the shell's process id.
func (s *Session) PID() int { return s.cmd.Process.Pid }

// Events returns the read-only stream of drain-loop notifications. Events
// are best-effort: output events may be dropped under backpressure, the
// buffer consumed by Flush never is.
func (s *Session) Events() <-chan Event { return s.events }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Terminated reports whether the shell has exited or the channel broke.
func (s *Session) Terminated() bool { return s.terminated.Load() }

// drainLoop is the sole writer of the output buffer. It polls the PTY with
// a bounded interval so shutdown requests are noticed within one tick, and
// exits when the channel closes or the session shuts down.
func (s *Session) drainLoop() {
	defer func() {
		select {
		case s.events <- Event{Type: EventClosed, ID: s.id}:
		default:
		}
		close(s.events)
		close(s.drainDone)
	}()

	buf := make([]byte, readBufSize)
	timeoutMs := int(s.pollInterval / time.Millisecond)
	if timeoutMs <= 0 {
		timeoutMs = 1
	}

	for {
		select {
		case <-s.done:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(s.ptmxFd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			s.terminated.Store(true)
			return
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			nr, rerr := s.ptmx.Read(buf)
			if nr > 0 {
				s.appendOutput(buf[:nr])
			}
			if rerr != nil {
				// EIO here means the subordinate side lost its last
				// reader: the shell is gone.
				s.terminated.Store(true)
				return
			}
			continue
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			s.terminated.Store(true)
			return
		}
	}
}

func (s *Session) appendOutput(data []byte) {
	s.bufMu.Lock()
	s.buf = append(s.buf, data...)
	s.bufMu.Unlock()

	select {
	case s.events <- Event{Type: EventOutput, ID: s.id, Data: string(data)}:
	default:
	}
}

// bufLen reports how much output has been drained so far. The buffer is
// append-only, so growth means the shell produced new bytes.
func (s *Session) bufLen() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.buf)
}

// reap waits for the shell process so it never becomes a zombie.
func (s *Session) reap() {
	_ = s.cmd.Wait()
	s.exited.Store(true)
	close(s.exitedCh)
}

// foregroundGroup returns the process group currently in the foreground of
// the session's terminal.
func (s *Session) foregroundGroup() (int, error) {
	pgid, err := unix.IoctlGetInt(s.ptmxFd, unix.TIOCGPGRP)
	if err != nil {
		return 0, ErrChannelClosed
	}
	return pgid, nil
}

// CurrentState recomputes the activity state. A terminated or closed
// session is never running.
func (s *Session) CurrentState() State {
	if s.closed.Load() || s.terminated.Load() || s.exited.Load() {
		return StateIdle
	}
	pgid, err := s.foregroundGroup()
	if err != nil {
		return StateIdle
	}
	if pgid != s.shellPG {
		return StateRunning
	}
	return StateIdle
}

// IsAlive reports whether a foreground command is currently executing.
func (s *Session) IsAlive() bool {
	return s.CurrentState() == StateRunning
}

// SetBlocking sets the default dispatch mode for future TypeEnter calls.
func (s *Session) SetBlocking(blocking bool) {
	s.blocking.Store(blocking)
}

// Blocking returns the current dispatch mode.
func (s *Session) Blocking() bool {
	return s.blocking.Load()
}

// TypeEnter writes line plus a single newline to the shell. In the default
// non-blocking mode it returns as soon as the write completes; in blocking
// mode it additionally waits for the shell to go idle again, so the
// command has finished by the time the call returns.
func (s *Session) TypeEnter(ctx context.Context, line string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.terminated.Load() {
		return ErrChannelClosed
	}

	s.writeMu.Lock()
	_, err := s.ptmx.Write([]byte(line + "\n"))
	s.writeMu.Unlock()
	if err != nil {
		s.terminated.Store(true)
		return ErrChannelClosed
	}

	if !s.blocking.Load() {
		return nil
	}

	// The shell needs a moment to consume the line and hand the command
	// the foreground; without this window a freshly dispatched command
	// would be indistinguishable from an idle prompt. New output restarts
	// the window, so a shell that is slow to echo the line is never
	// mistaken for one that already finished.
	lastLen := s.bufLen()
	startupDeadline := time.Now().Add(startupWindow)
	for s.CurrentState() == StateIdle {
		if n := s.bufLen(); n != lastLen {
			lastLen = n
			startupDeadline = time.Now().Add(startupWindow)
		}
		if time.Now().After(startupDeadline) {
			// Quiesced at the prompt without ever taking the
			// foreground: a builtin, or a command that finished
			// faster than one poll tick.
			return nil
		}
		if err := sleepCtx(ctx, s.pollInterval/4+time.Millisecond); err != nil {
			return err
		}
	}

	if _, err := s.Wait(ctx, 0); err != nil {
		return err
	}
	s.settle(ctx)
	return nil
}

// settle waits for the drain loop to go quiet after the command came off
// the foreground, so a Flush immediately after a blocking TypeEnter sees
// the command's last bytes.
func (s *Session) settle(ctx context.Context) {
	_ = s.waitQuiet(ctx, time.Now().Add(10*s.pollInterval))
}

// Wait polls until the shell is idle. A timeout of zero or less waits
// indefinitely. It returns false only when the timeout elapsed first; the
// running command is left untouched either way. A session already idle at
// call time returns true immediately.
func (s *Session) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, ErrSessionClosed
	}
	if s.terminated.Load() {
		return false, ErrChannelClosed
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if s.CurrentState() == StateIdle {
			return true, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, nil
		}

		interval := s.pollInterval
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < interval {
				interval = remaining
			}
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return false, err
		}
	}
}

// Flush returns everything the shell produced since the previous Flush and
// advances the read cursor. It never blocks. Once the channel has closed
// and the buffer is fully drained it returns ErrChannelClosed, so "no new
// output yet" and "session is dead" are never confused.
func (s *Session) Flush() (string, error) {
	if s.closed.Load() {
		return "", ErrSessionClosed
	}

	s.bufMu.Lock()
	out := string(s.buf[s.unreadFrom:])
	s.unreadFrom = len(s.buf)
	s.bufMu.Unlock()

	if out == "" && s.terminated.Load() {
		return "", ErrChannelClosed
	}
	return out, nil
}

// Stop delivers the terminal's interrupt to the current foreground process
// group, the same as a human pressing ^C. The shell itself stays alive. A
// session with nothing in the foreground is left untouched.
func (s *Session) Stop() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.terminated.Load() {
		return ErrChannelClosed
	}

	pgid, err := s.foregroundGroup()
	if err != nil {
		return err
	}
	if pgid == s.shellPG {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.ptmx.Write([]byte{interruptByte}); err != nil {
		s.terminated.Store(true)
		return ErrChannelClosed
	}
	return nil
}

// Close tears the session down: SIGTERM to the shell, SIGKILL after the
// grace period, close the controlling side, then join the drain loop with
// a bounded wait. It is idempotent; every operation after the first Close
// fails with ErrSessionClosed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)

		if s.cmd.Process != nil && !s.exited.Load() {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-s.exitedCh:
		case <-time.After(s.gracePeriod):
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			select {
			case <-s.exitedCh:
			case <-time.After(s.gracePeriod):
			}
		}

		err = s.ptmx.Close()

		select {
		case <-s.drainDone:
		case <-time.After(s.gracePeriod):
		}
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

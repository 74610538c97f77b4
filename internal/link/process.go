package link

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
)

// Directive prefix printed by the child on its own output line.
const DirectivePrefix = "[devloop]"

const (
	directiveImport    = "import"
	directiveListening = "listening"

	defaultStopTimeout   = 5 * time.Second
	defaultProbeInterval = 100 * time.Millisecond
	defaultProbeTimeout  = 250 * time.Millisecond
	maxLineSize          = 1024 * 1024
)

// ProcessLink runs the managed process with os/exec and turns its output
// directives and readiness into callbacks.
type ProcessLink struct {
	logger logging.Logger
	out    io.Writer

	mu         sync.Mutex
	pending    Options
	current    atomic.Pointer[process]
	generation uint64

	cbMu       sync.RWMutex
	onImported func(path string)
	onListen   func()
	onExit     func(err error)
}

type process struct {
	cmd      *exec.Cmd
	gen      uint64
	done     chan struct{}
	err      error
	stopping atomic.Bool
	listened atomic.Bool
}

// NewProcessLink creates a link with the initial options. Child output is
// copied to out.
func NewProcessLink(opts Options, logger logging.Logger, out io.Writer) *ProcessLink {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if out == nil {
		out = os.Stdout
	}
	return &ProcessLink{
		logger:  logger.WithComponent("link"),
		out:     out,
		pending: opts.Clone(),
	}
}

// OnRunnerImportedModule registers the handler for import directives.
func (l *ProcessLink) OnRunnerImportedModule(fn func(path string)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onImported = fn
}

// OnServerListening registers the readiness handler.
func (l *ProcessLink) OnServerListening(fn func()) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onListen = fn
}

// OnProcessExit registers the handler for unexpected child exits.
func (l *ProcessLink) OnProcessExit(fn func(err error)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onExit = fn
}

// UpdateOptions merges a patch into the options used by the next start.
func (l *ProcessLink) UpdateOptions(patch *OptionsPatch) {
	if patch.IsEmpty() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = l.pending.Apply(patch)
}

// Options returns a snapshot of the pending options.
func (l *ProcessLink) Options() Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Clone()
}

// Running reports whether a child is alive.
func (l *ProcessLink) Running() bool {
	p := l.current.Load()
	return p != nil && !p.exited()
}

// Generation returns the number of processes spawned so far.
func (l *ProcessLink) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// StartOrRestart stops the running child, if any, and spawns a new one with
// the pending options. It returns once the new child has been spawned.
func (l *ProcessLink) StartOrRestart(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.stopLocked(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.NewProcessError(errors.ErrCodeStartFailed, "start cancelled", err)
	}

	return l.spawnLocked()
}

// Stop terminates the running child.
func (l *ProcessLink) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(ctx)
}

func (l *ProcessLink) spawnLocked() error {
	opts := l.pending.Clone()
	if strings.TrimSpace(opts.Command) == "" {
		return errors.NewProcessError(errors.ErrCodeStartFailed, "no process command configured", nil)
	}

	var readyPattern *regexp.Regexp
	if opts.Ready.Pattern != "" {
		re, err := regexp.Compile(opts.Ready.Pattern)
		if err != nil {
			return errors.NewProcessError(errors.ErrCodeStartFailed, "invalid ready pattern", err)
		}
		readyPattern = re
	}

	l.generation++
	gen := l.generation

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.EnvList()...)
	cmd.Env = append(cmd.Env, "DEVLOOP=1", "DEVLOOP_GENERATION="+strconv.FormatUint(gen, 10))

	p := &process{cmd: cmd, gen: gen, done: make(chan struct{})}

	var readers []io.Reader
	if opts.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return errors.NewProcessError(errors.ErrCodeStartFailed, "starting process in pty", err).
				WithContext("command", opts.Command)
		}
		readers = append(readers, ptmx)
		go l.closeWhenDone(p, ptmx)
	} else {
		setProcessGroup(cmd)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return errors.NewProcessError(errors.ErrCodeStartFailed, "stdout pipe", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return errors.NewProcessError(errors.ErrCodeStartFailed, "stderr pipe", err)
		}
		if err := cmd.Start(); err != nil {
			return errors.NewProcessError(errors.ErrCodeStartFailed, "starting process", err).
				WithContext("command", opts.Command)
		}
		readers = append(readers, stdout, stderr)
	}

	l.current.Store(p)
	l.logger.Info(context.Background(), "Process started",
		"pid", cmd.Process.Pid, "generation", gen, "command", opts.Command)

	go l.supervise(p, readers, readyPattern)

	switch {
	case opts.Ready.Port > 0:
		go l.probe(p, opts.Ready)
	case readyPattern == nil:
		l.markListening(p)
	}

	return nil
}

func (l *ProcessLink) supervise(p *process, readers []io.Reader, readyPattern *regexp.Regexp) {
	var g errgroup.Group
	for _, r := range readers {
		g.Go(func() error {
			l.pump(p, r, readyPattern)
			return nil
		})
	}
	_ = g.Wait()

	p.err = p.cmd.Wait()
	close(p.done)

	if p.stopping.Load() {
		return
	}

	l.logger.Warn(context.Background(), p.err, "Process exited", "generation", p.gen)

	l.cbMu.RLock()
	fn := l.onExit
	l.cbMu.RUnlock()
	if fn != nil {
		fn(p.err)
	}
}

func (l *ProcessLink) pump(p *process, r io.Reader, readyPattern *regexp.Regexp) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if l.handleDirective(p, line) {
			continue
		}
		fmt.Fprintln(l.out, line)
		if readyPattern != nil && readyPattern.MatchString(line) {
			l.markListening(p)
		}
	}
}

// handleDirective consumes "[devloop] <verb> [arg]" lines.
func (l *ProcessLink) handleDirective(p *process, line string) bool {
	trimmed := strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(trimmed, DirectivePrefix)
	if !ok {
		return false
	}

	verb, arg, _ := strings.Cut(strings.TrimSpace(rest), " ")
	switch verb {
	case directiveListening:
		l.markListening(p)
	case directiveImport:
		path := strings.TrimSpace(arg)
		if path == "" {
			return true
		}
		l.cbMu.RLock()
		fn := l.onImported
		l.cbMu.RUnlock()
		if fn != nil {
			fn(path)
		}
	default:
		l.logger.Debug(context.Background(), "Unknown link directive", "line", trimmed)
	}
	return true
}

// markListening fires the readiness callback at most once per process and
// only for the newest generation. Neither the check nor the callback may block
// the pump: StartOrRestart can hold l.mu while waiting for that pump to drain.
func (l *ProcessLink) markListening(p *process) {
	if l.current.Load() != p || p.stopping.Load() || !p.listened.CompareAndSwap(false, true) {
		return
	}

	l.logger.Debug(context.Background(), "Process listening", "generation", p.gen)

	l.cbMu.RLock()
	fn := l.onListen
	l.cbMu.RUnlock()
	if fn != nil {
		go fn()
	}
}

func (l *ProcessLink) probe(p *process, ready ReadyOptions) {
	interval := ready.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := ready.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(ready.Port))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			_ = conn.Close()
			l.markListening(p)
			return
		}
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

func (l *ProcessLink) closeWhenDone(p *process, f *os.File) {
	<-p.done
	_ = f.Close()
}

func (l *ProcessLink) stopLocked(ctx context.Context) error {
	p := l.current.Load()
	if p == nil || p.exited() {
		return nil
	}

	p.stopping.Store(true)
	timeout := l.pending.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	if err := terminate(p.cmd); err != nil {
		l.logger.Debug(ctx, "Terminate signal failed", "error", err.Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		l.logger.Warn(ctx, nil, "Process did not exit in time, killing", "generation", p.gen)
		if err := kill(p.cmd); err != nil {
			return errors.NewProcessError(errors.ErrCodeStopFailed, "killing process", err)
		}
		<-p.done
	case <-ctx.Done():
		_ = kill(p.cmd)
		<-p.done
	}

	l.logger.Debug(ctx, "Process stopped", "generation", p.gen)
	return nil
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

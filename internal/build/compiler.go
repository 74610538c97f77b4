// Package build runs the project's build command on behalf of the restart
// orchestrator, skipping rebuilds for saves that did not change content.
package build

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/validation"
)

const (
	DefaultCommand   = "go"
	DefaultOutput    = ".devloop/bin/app"
	DefaultPackage   = "."
	DefaultTimeout   = 2 * time.Minute
	DefaultCacheSize = 4096
)

// AllowedCommands lists the build drivers the compiler will execute.
var AllowedCommands = map[string]bool{
	"go":    true,
	"make":  true,
	"task":  true,
	"templ": true,
	"just":  true,
}

// Options configures the build command.
type Options struct {
	// Command is the build driver. Defaults to "go".
	Command string
	// Args overrides the generated "build -o <Output> <Package>" arguments.
	Args      []string
	Output    string
	Package   string
	Dir       string
	Timeout   time.Duration
	CacheSize int
}

type runFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Compiler runs the build command and remembers the content hash of every
// file that triggered a successful build.
type Compiler struct {
	command string
	args    []string
	dir     string
	timeout time.Duration
	logger  logging.Logger

	hashes   *lru.Cache[string, string]
	crcTable *crc32.Table

	mu          sync.Mutex
	lastOK      bool
	diagnostics []Diagnostic
	runs        atomic.Int64

	run runFunc
}

// NewCompiler validates the build command and creates a compiler.
func NewCompiler(opts Options, logger logging.Logger) (*Compiler, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.Output == "" {
		opts.Output = DefaultOutput
	}
	if opts.Package == "" {
		opts.Package = DefaultPackage
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	args := opts.Args
	if len(args) == 0 {
		args = []string{"build", "-o", opts.Output, opts.Package}
	}

	if err := validateCommand(opts.Command, args); err != nil {
		return nil, err
	}

	hashes, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "creating hash cache", err)
	}

	return &Compiler{
		command:  opts.Command,
		args:     args,
		dir:      opts.Dir,
		timeout:  opts.Timeout,
		logger:   logger.WithComponent("compiler"),
		hashes:   hashes,
		crcTable: crc32.MakeTable(crc32.Castagnoli),
		run:      runCommand,
	}, nil
}

// Command returns the resolved command line.
func (c *Compiler) Command() (string, []string) {
	return c.command, append([]string(nil), c.args...)
}

// Runs returns how many times the build command has been executed.
func (c *Compiler) Runs() int64 {
	return c.runs.Load()
}

// Diagnostics returns the problems parsed from the last failed build.
func (c *Compiler) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Diagnostic(nil), c.diagnostics...)
}

// Init drops every recorded hash and runs a full build.
func (c *Compiler) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hashes.Purge()
	return c.buildLocked(ctx, "")
}

// CompileChanged rebuilds after path changed. The build is skipped when the
// file's content matches the hash recorded by the last successful build that
// it triggered. Deleted files and directories always rebuild.
func (c *Compiler) CompileChanged(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := filepath.ToSlash(filepath.Clean(path))
	hash, hashed := c.hashFile(path)

	if hashed && c.lastOK {
		if prev, ok := c.hashes.Get(key); ok && prev == hash {
			c.logger.Debug(ctx, "Content unchanged, skipping build", "file", key)
			return nil
		}
	}
	c.hashes.Remove(key)

	if err := c.buildLocked(ctx, key); err != nil {
		return err
	}
	if hashed {
		c.hashes.Add(key, hash)
	}
	return nil
}

func (c *Compiler) buildLocked(ctx context.Context, trigger string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	perf := logging.StartOperation(c.logger, "build")
	c.runs.Add(1)

	output, err := c.run(ctx, c.dir, c.command, c.args...)
	if err == nil {
		c.lastOK = true
		c.diagnostics = nil
		perf.End(ctx, "file", trigger)
		return nil
	}

	c.lastOK = false
	c.diagnostics = ParseOutput(string(output))

	message := "build failed"
	if ctx.Err() == context.DeadlineExceeded {
		message = fmt.Sprintf("build timed out after %s", c.timeout)
	}

	buildErr := errors.NewBuildError(errors.ErrCodeBuildFailed, message, err).
		WithContext("command", c.command).
		WithContext("output", string(output))
	if trigger != "" {
		buildErr = buildErr.WithFile(trigger)
	}

	for _, d := range c.diagnostics {
		c.logger.Warn(ctx, nil, d.Message, "kind", d.Kind.String(), "location", d.Location())
	}
	perf.EndWithError(ctx, buildErr, "file", trigger, "diagnostics", len(c.diagnostics))

	return buildErr
}

func (c *Compiler) hashFile(path string) (string, bool) {
	if c.dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		return "", false
	}

	h := crc32.New(c.crcTable)
	if _, err := io.Copy(h, f); err != nil {
		return "", false
	}
	return strconv.FormatUint(uint64(h.Sum32()), 16), true
}

// validateCommand validates the command and arguments to prevent command injection
func validateCommand(command string, args []string) error {
	if err := validation.ValidateCommand(command, AllowedCommands); err != nil {
		return errors.ErrCommandInjection(command).WithContext("reason", err.Error())
	}

	for _, arg := range args {
		if err := validation.ValidateArgument(arg); err != nil {
			return errors.ErrCommandInjection(command).
				WithContext("argument", arg).
				WithContext("reason", err.Error())
		}
	}

	return nil
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

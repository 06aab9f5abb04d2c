package typecheck

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/conneroisu/devloop/internal/logging"
)

// Runner executes the type checker and returns its combined output. A
// non-nil error with output is the normal "issues found" case for tsc.
type Runner func(ctx context.Context, dir, command string, args ...string) ([]byte, error)

// ExecRunner runs the command as a child process.
func ExecRunner(ctx context.Context, dir, command string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Options configures a Checker.
type Options struct {
	Command string
	Args    []string
	Dir     string
	Runner  Runner
	Logger  logging.Logger
}

// Checker runs the type-check pass and notifies hooks when it starts and
// when issues are available.
type Checker struct {
	command string
	args    []string
	dir     string
	run     Runner
	logger  logging.Logger

	mu       sync.Mutex
	waiting  []func()
	issues   []func(issues []Issue, hash string) []Issue
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewChecker creates a checker. The command defaults to `tsc --noEmit
// --pretty false`.
func NewChecker(opts Options) (*Checker, error) {
	command := opts.Command
	args := opts.Args
	if command == "" {
		command = "tsc"
		if len(args) == 0 {
			args = []string{"--noEmit", "--pretty", "false"}
		}
	}
	if err := validateCommand(command, args); err != nil {
		return nil, err
	}

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Checker{
		command: command,
		args:    args,
		dir:     dir,
		run:     runner,
		logger:  logger.WithComponent("typecheck"),
	}, nil
}

// OnWaiting registers a hook fired when a new pass starts.
func (c *Checker) OnWaiting(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting = append(c.waiting, fn)
}

// OnIssues registers a hook fired with the issues of a finished pass and the
// hash of the build it checked. Each hook may filter the issues for the next.
func (c *Checker) OnIssues(fn func(issues []Issue, hash string) []Issue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issues = append(c.issues, fn)
}

// Start launches an async pass for the build identified by hash. Any pass
// still running for an older build is cancelled first; its result is never
// delivered.
func (c *Checker) Start(ctx context.Context, hash string) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	waiting := append([]func(){}, c.waiting...)
	c.mu.Unlock()

	for _, fn := range waiting {
		fn()
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer cancel()

		issues, err := c.Check(runCtx)
		if runCtx.Err() != nil {
			c.logger.Debug(runCtx, "Type check superseded", "hash", hash)
			return
		}
		if err != nil {
			c.logger.Error(runCtx, err, "Type check failed", "hash", hash)
			return
		}

		c.mu.Lock()
		hooks := append([]func([]Issue, string) []Issue{}, c.issues...)
		c.mu.Unlock()

		for _, fn := range hooks {
			issues = fn(issues, hash)
		}
	}()
}

// Check runs one pass synchronously.
func (c *Checker) Check(ctx context.Context) ([]Issue, error) {
	output, err := c.run(ctx, c.dir, c.command, c.args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && len(output) == 0 {
			return nil, fmt.Errorf("running %s: %w", c.command, err)
		}
	}
	return ParseOutput(string(output), c.dir), nil
}

// Stop cancels any running pass and waits for it to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.inflight.Wait()
}

func validateCommand(command string, args []string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("type check command is empty")
	}
	if strings.ContainsAny(command, ";&|`$\x00") {
		return fmt.Errorf("type check command %q contains shell metacharacters", command)
	}
	for _, arg := range args {
		if strings.ContainsRune(arg, '\x00') {
			return fmt.Errorf("type check argument %q contains a null byte", arg)
		}
	}
	return nil
}

func resolve(dir, file string) string {
	if filepath.IsAbs(file) {
		return filepath.Clean(file)
	}
	abs, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return filepath.Join(dir, file)
	}
	return abs
}

package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/zen-systems/tunepipe/pkg/config"
)

// tailLimit bounds how much output is kept in diagnostics; full output goes to the invocation writers.
const tailLimit = 4096

// Diagnostics captures execution details for a command.
type Diagnostics struct {
	Command  []string      `json:"command"`
	Workdir  string        `json:"workdir,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// ExitError is returned when a command runs but exits non-zero.
type ExitError struct {
	Diagnostics *Diagnostics
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", strings.Join(e.Diagnostics.Command, " "), e.Diagnostics.ExitCode)
}

// Command runs an external program.
type Command struct {
	Exec string
	// Base holds fixed leading arguments such as the script path.
	Base []string
	// Args renders the parameter-dependent arguments.
	Args    func(config.Params) ([]string, error)
	Workdir string
	Env     []string
	// Stdin is fed to the program; scripts that wait for Enter get a newline.
	Stdin string
}

// Run executes the command, streaming output to the invocation writers and
// keeping the tail of each stream in the diagnostics.
func (c *Command) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if c.Exec == "" {
		return nil, fmt.Errorf("command requires an executable")
	}

	args := append([]string{}, c.Base...)
	if c.Args != nil {
		a, err := c.Args(inv.Params)
		if err != nil {
			return nil, err
		}
		args = append(args, a...)
	}

	cmd := exec.CommandContext(ctx, c.Exec, args...)
	cmd.Dir = c.Workdir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	// Give the child a chance to flush checkpoints before it is killed.
	cmd.Cancel = func() error { return interrupt(cmd) }
	cmd.WaitDelay = 10 * time.Second

	stdout := &tailBuffer{limit: tailLimit}
	stderr := &tailBuffer{limit: tailLimit}
	cmd.Stdout = teeWriter(stdout, inv.Stdout)
	cmd.Stderr = teeWriter(stderr, inv.Stderr)

	start := time.Now()
	err := cmd.Run()
	diag := &Diagnostics{
		Command:  append([]string{c.Exec}, args...),
		Workdir:  c.Workdir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			diag.ExitCode = -1
			return &Result{Diagnostics: diag}, fmt.Errorf("%s interrupted: %w", c.Exec, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			diag.ExitCode = exitErr.ExitCode()
			return &Result{Diagnostics: diag}, &ExitError{Diagnostics: diag}
		}
		return &Result{Diagnostics: diag}, fmt.Errorf("failed to run %s: %w", c.Exec, err)
	}

	return &Result{Diagnostics: diag}, nil
}

// Describe returns the executable and its fixed arguments.
func (c *Command) Describe() string {
	return strings.Join(append([]string{c.Exec}, c.Base...), " ")
}

func interrupt(cmd *exec.Cmd) error {
	if runtime.GOOS == "windows" {
		return cmd.Process.Kill()
	}
	return cmd.Process.Signal(os.Interrupt)
}

func teeWriter(buf io.Writer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

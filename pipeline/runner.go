// ABOUTME: Process Runner: executes a stage's script body as a subprocess with injected env and workdir.
// ABOUTME: Streams output, enforces timeouts with SIGTERM-then-SIGKILL escalation, and reads back published env values.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// EnvFileVar names the environment variable pointing at the file a stage may
// write KEY=VALUE lines to; successful stages get those values published into
// the run context overlay.
const EnvFileVar = "CONVEYOR_ENV"

// timeoutExitCode is the synthetic exit code reported when a stage is killed
// for exceeding its timeout, mirroring the coreutils timeout convention.
const timeoutExitCode = 124

// RunSpec describes one subprocess invocation.
type RunSpec struct {
	StageID string
	// Script is the stage's full script body (steps joined into one script).
	Script string
	// Env is the complete environment for the subprocess; nothing else is
	// inherited from the engine process.
	Env     map[string]string
	Workdir string
	// Timeout bounds the subprocess. Zero means no timeout.
	Timeout time.Duration
	// Stdout and Stderr receive streamed output. Nil writers discard.
	Stdout io.Writer
	Stderr io.Writer
	// EnvFile, when non-empty, is exposed to the script as $CONVEYOR_ENV and
	// parsed for published values after a successful exit.
	EnvFile string
}

// ExecutionOutcome reports how a subprocess ended. The exit code is the sole
// success signal the executor consumes; the runner never interprets output.
type ExecutionOutcome struct {
	ExitCode int
	TimedOut bool
	// Aborted is set when the subprocess was terminated because the run's
	// context was cancelled rather than by its own timeout.
	Aborted  bool
	Duration time.Duration
	// Published holds KEY=VALUE pairs the stage wrote to its env file.
	// Only populated on a zero exit code.
	Published map[string]string
}

// Runner executes stage script bodies. Implementations must be safe for
// concurrent use; the executor invokes one Run per worker goroutine.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*ExecutionOutcome, error)
}

// LocalRunner runs stages as local subprocesses under a shell.
type LocalRunner struct {
	// Shell is the interpreter invoked with -c. Defaults to /bin/sh.
	Shell string
	// GracePeriod is the delay between SIGTERM and SIGKILL on termination.
	// Defaults to 2 seconds.
	GracePeriod time.Duration
}

// NewLocalRunner creates a LocalRunner with default shell and grace period.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Shell: "/bin/sh", GracePeriod: 2 * time.Second}
}

// Run executes the spec's script and blocks until the subprocess settles.
// A non-zero exit is not a Go error; errors are reserved for failures to
// spawn or observe the process at all.
func (r *LocalRunner) Run(ctx context.Context, spec RunSpec) (*ExecutionOutcome, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	script := spec.Script
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("stage %q has an empty script body", spec.StageID)
	}

	cmd := exec.Command(shell, "-ec", script)
	// Own process group so the whole tree can be signalled on termination.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if spec.EnvFile != "" {
		env = append(env, EnvFileVar+"="+spec.EnvFile)
	}
	cmd.Env = env

	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stage %q: %w", spec.StageID, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	outcome := &ExecutionOutcome{}
	var waitErr error

	select {
	case waitErr = <-done:
	case <-timeoutCh:
		outcome.TimedOut = true
		r.terminate(cmd, done)
		waitErr = <-done
	case <-ctx.Done():
		outcome.Aborted = true
		r.terminate(cmd, done)
		waitErr = <-done
	}

	outcome.Duration = time.Since(start)
	outcome.ExitCode = exitCodeFrom(waitErr)
	if outcome.TimedOut && outcome.ExitCode <= 0 {
		outcome.ExitCode = timeoutExitCode
	}

	if outcome.ExitCode == 0 && !outcome.Aborted && spec.EnvFile != "" {
		published, err := readEnvFile(spec.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading published env for stage %q: %w", spec.StageID, err)
		}
		outcome.Published = published
	}

	return outcome, nil
}

// terminate signals the subprocess group: SIGTERM first, then SIGKILL after
// the grace period if the process has not exited. If the process exits during
// the grace period, the wait error is re-sent so the caller's receive on the
// buffered channel still observes it.
func (r *LocalRunner) terminate(cmd *exec.Cmd, done chan error) {
	if cmd.Process == nil {
		return
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}

	pgid, pgErr := syscall.Getpgid(cmd.Process.Pid)
	if pgErr == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-time.After(grace):
		if pgErr == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
	case err := <-done:
		// Exited on SIGTERM; put the wait error back for the caller.
		done <- err
	}
}

func exitCodeFrom(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// readEnvFile parses KEY=VALUE lines from a stage's env file. Missing files
// mean the stage published nothing. Comment and blank lines are ignored.
func readEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// LineWriter is an io.Writer that invokes a callback for each complete line
// written through it. The executor uses it to stream subprocess output into
// the run state store while the raw bytes also land in the stage log file.
type LineWriter struct {
	fn  func(line string)
	mu  sync.Mutex
	buf strings.Builder
}

// NewLineWriter creates a LineWriter calling fn once per line, without the
// trailing newline.
func NewLineWriter(fn func(line string)) *LineWriter {
	return &LineWriter{fn: fn}
}

// Write buffers bytes and emits completed lines to the callback.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			w.fn(w.buf.String())
			w.buf.Reset()
			continue
		}
		w.buf.WriteByte(b)
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.fn(w.buf.String())
		w.buf.Reset()
	}
}

// ABOUTME: Tests for the local process runner: exit codes, env injection, timeouts, and published env files.
// ABOUTME: Runs real /bin/sh subprocesses; timeout tests use short durations and grace periods.
package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunnerCapturesOutputAndExitCode(t *testing.T) {
	r := NewLocalRunner()
	var stdout, stderr bytes.Buffer

	outcome, err := r.Run(context.Background(), RunSpec{
		StageID: "echo",
		Script:  "echo hello\necho oops >&2",
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", outcome.ExitCode)
	}
	if got := strings.TrimSpace(stdout.String()); got != "hello" {
		t.Errorf("stdout = %q, want hello", got)
	}
	if got := strings.TrimSpace(stderr.String()); got != "oops" {
		t.Errorf("stderr = %q, want oops", got)
	}
}

func TestRunnerNonZeroExitIsNotAnError(t *testing.T) {
	r := NewLocalRunner()
	outcome, err := r.Run(context.Background(), RunSpec{StageID: "fail", Script: "exit 3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", outcome.ExitCode)
	}
	if outcome.TimedOut {
		t.Error("TimedOut set on plain failure")
	}
}

func TestRunnerStepsStopAtFirstFailure(t *testing.T) {
	r := NewLocalRunner()
	var stdout bytes.Buffer

	outcome, err := r.Run(context.Background(), RunSpec{
		StageID: "steps",
		Script:  joinSteps([]string{"echo one", "false", "echo two"}),
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ExitCode == 0 {
		t.Error("exit code = 0, want failure from middle step")
	}
	if strings.Contains(stdout.String(), "two") {
		t.Error("steps after a failing step still ran")
	}
}

func TestRunnerEnvIsExplicit(t *testing.T) {
	r := NewLocalRunner()
	var stdout bytes.Buffer

	t.Setenv("RUNNER_TEST_LEAK", "leaked")
	_, err := r.Run(context.Background(), RunSpec{
		StageID: "env",
		Script:  `echo "A=$INJECTED" "B=$RUNNER_TEST_LEAK"`,
		Env:     map[string]string{"INJECTED": "v"},
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := stdout.String()
	if !strings.Contains(got, "A=v") {
		t.Errorf("injected env missing: %q", got)
	}
	if strings.Contains(got, "B=leaked") {
		t.Errorf("engine env leaked into the subprocess: %q", got)
	}
}

func TestRunnerWorkdir(t *testing.T) {
	dir := t.TempDir()
	r := NewLocalRunner()
	var stdout bytes.Buffer

	_, err := r.Run(context.Background(), RunSpec{
		StageID: "pwd",
		Script:  "pwd",
		Workdir: dir,
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.TrimSpace(stdout.String())
	// Resolve symlinks: macOS TempDir lives under /var -> /private/var.
	want, _ := filepath.EvalSymlinks(dir)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestRunnerTimeoutEscalation(t *testing.T) {
	r := &LocalRunner{Shell: "/bin/sh", GracePeriod: 100 * time.Millisecond}

	start := time.Now()
	outcome, err := r.Run(context.Background(), RunSpec{
		StageID: "hang",
		Script:  "sleep 30",
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.TimedOut {
		t.Fatal("TimedOut not set")
	}
	if outcome.ExitCode != timeoutExitCode && outcome.ExitCode > 0 {
		t.Errorf("exit code = %d, want %d or signal-derived", outcome.ExitCode, timeoutExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, escalation did not fire", elapsed)
	}
}

func TestRunnerTimeoutSigtermIgnored(t *testing.T) {
	r := &LocalRunner{Shell: "/bin/sh", GracePeriod: 100 * time.Millisecond}

	outcome, err := r.Run(context.Background(), RunSpec{
		StageID: "stubborn",
		Script:  "trap '' TERM; sleep 30",
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.TimedOut {
		t.Fatal("TimedOut not set")
	}
	// SIGKILL after the grace period must still end the process promptly.
	if outcome.Duration > 5*time.Second {
		t.Errorf("duration %v, SIGKILL escalation did not fire", outcome.Duration)
	}
}

func TestRunnerContextCancellationAborts(t *testing.T) {
	r := &LocalRunner{Shell: "/bin/sh", GracePeriod: 100 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	outcome, err := r.Run(ctx, RunSpec{StageID: "abort", Script: "sleep 30"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Aborted {
		t.Error("Aborted not set")
	}
	if outcome.TimedOut {
		t.Error("TimedOut set on abort")
	}
}

func TestRunnerPublishesEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "env")
	r := NewLocalRunner()

	outcome, err := r.Run(context.Background(), RunSpec{
		StageID: "publish",
		Script:  `printf 'VERSION=1.2.3\n# comment\n\nTAG=rc1\n' > "$CONVEYOR_ENV"`,
		EnvFile: envFile,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", outcome.ExitCode)
	}
	if got := outcome.Published["VERSION"]; got != "1.2.3" {
		t.Errorf("VERSION = %q, want 1.2.3", got)
	}
	if got := outcome.Published["TAG"]; got != "rc1" {
		t.Errorf("TAG = %q, want rc1", got)
	}
	if len(outcome.Published) != 2 {
		t.Errorf("published %d values, want 2", len(outcome.Published))
	}
}

func TestRunnerNoEnvFileMeansNothingPublished(t *testing.T) {
	dir := t.TempDir()
	r := NewLocalRunner()

	outcome, err := r.Run(context.Background(), RunSpec{
		StageID: "silent",
		Script:  "true",
		EnvFile: filepath.Join(dir, "env"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Published != nil {
		t.Errorf("published = %v, want nil", outcome.Published)
	}
}

func TestRunnerFailedStagePublishesNothing(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "env")
	r := NewLocalRunner()

	outcome, err := r.Run(context.Background(), RunSpec{
		StageID: "failpub",
		Script:  `echo 'KEY=value' > "$CONVEYOR_ENV"; exit 1`,
		EnvFile: envFile,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", outcome.ExitCode)
	}
	if outcome.Published != nil {
		t.Errorf("failed stage published %v, want nothing", outcome.Published)
	}
}

func TestRunnerEmptyScriptRejected(t *testing.T) {
	r := NewLocalRunner()
	if _, err := r.Run(context.Background(), RunSpec{StageID: "empty", Script: "   \n  "}); err == nil {
		t.Fatal("expected error for empty script body")
	}
}

func TestReadEnvFileSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	if err := os.WriteFile(path, []byte("GOOD=yes\nnot a pair\n  SPACED = v \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	values, err := readEnvFile(path)
	if err != nil {
		t.Fatalf("readEnvFile: %v", err)
	}
	if values["GOOD"] != "yes" {
		t.Errorf("GOOD = %q, want yes", values["GOOD"])
	}
	if values["SPACED"] != "v" {
		t.Errorf("SPACED = %q, want v (whitespace trimmed)", values["SPACED"])
	}
	if _, ok := values["not a pair"]; ok {
		t.Error("malformed line was not skipped")
	}
}

func TestLineWriterEmitsPerLine(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })

	if _, err := w.Write([]byte("first\nsec")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("ond\npartial")); err != nil {
		t.Fatal(err)
	}

	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Fatalf("lines = %v, want [first second]", lines)
	}

	w.Flush()
	if len(lines) != 3 || lines[2] != "partial" {
		t.Fatalf("after flush lines = %v, want partial appended", lines)
	}

	// Flushing again emits nothing new.
	w.Flush()
	if len(lines) != 3 {
		t.Fatalf("second flush emitted %d lines", len(lines)-3)
	}
}

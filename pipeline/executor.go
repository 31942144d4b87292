// ABOUTME: Executor Core: walks the stage tree, dispatches runnable leaves to workers, and serializes all state transitions.
// ABOUTME: A single coordinator loop owns the RunRecord; workers only run subprocesses and report back on a completion channel.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// coreEnvVars are inherited from the engine process into every stage so
// basic tooling works without re-declaring them in the pipeline. Everything
// else a stage sees is explicitly injected.
var coreEnvVars = []string{"PATH", "HOME", "USER", "SHELL", "LANG", "TERM", "TMPDIR"}

// ExecutorConfig holds configuration for the pipeline executor.
type ExecutorConfig struct {
	Runner Runner        // nil = NewLocalRunner()
	Store  RunStateStore // nil = no persistence
	// MaxWorkers bounds concurrently running stages. Zero means unbounded:
	// one worker per eligible parallel child.
	MaxWorkers int
	// Workspace is the working directory stages run in. Defaults to ".".
	Workspace string
	// RunsDir is the base directory for per-run directories. Defaults to "runs".
	RunsDir string
	// RunID overrides the generated run identifier.
	RunID string
	// EventHandler receives every lifecycle event. Optional.
	EventHandler func(Event)
	// Notifier, when set, is reported to on run completion via an always hook.
	Notifier Notifier
}

// Executor runs pipeline definitions.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor creates an Executor with defaults applied.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Runner == nil {
		cfg.Runner = NewLocalRunner()
	}
	if cfg.Store == nil {
		cfg.Store = nopStore{}
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if cfg.RunsDir == "" {
		cfg.RunsDir = "runs"
	}
	return &Executor{cfg: cfg}
}

// Execute runs the definition against the run context and blocks until the
// run settles and post hooks have fired. Cancelling ctx aborts the run:
// no new stages are dispatched, running subprocesses are terminated, and the
// record distinguishes Aborted from Failed. The returned error covers engine
// setup problems only; stage failures are expressed in the RunRecord.
func (e *Executor) Execute(ctx context.Context, def *PipelineDefinition, rc *RunContext) (*RunRecord, error) {
	runID := e.cfg.RunID
	if runID == "" {
		runID = NewRunID()
	}

	rundir, err := NewRunDirectory(e.cfg.RunsDir, runID)
	if err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	rec := NewRunRecord(runID, def, rc)
	rec.Status = RunRunning
	if err := e.cfg.Store.CreateRun(rec); err != nil {
		return rec, fmt.Errorf("create run record: %w", err)
	}

	x := newExecState(e.cfg, def, rc, rec, rundir)
	x.emit(Event{Type: EventRunStarted, Data: map[string]any{"pipeline": def.Name, "branch": rc.Branch}})

	x.loop(ctx)
	x.settle()

	rec.Status = x.overall()
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := e.cfg.Store.UpdateRun(rec); err != nil {
		x.emit(Event{Type: EventRunFailed, Data: map[string]any{"error": fmt.Sprintf("persist run record: %v", err)}})
	}

	switch rec.Status {
	case RunFailed:
		x.emit(Event{Type: EventRunFailed})
	case RunAborted:
		x.emit(Event{Type: EventRunAborted})
	default:
		x.emit(Event{Type: EventRunCompleted})
	}

	e.dispatchPostHooks(def, rc, rec, rundir, x.emit)
	return rec, nil
}

// dispatchPostHooks fires the post-action groups. Hooks run on a fresh
// context so cleanup still happens after an abort.
func (e *Executor) dispatchPostHooks(def *PipelineDefinition, rc *RunContext, rec *RunRecord, rundir *RunDirectory, emit func(Event)) {
	env := baseEnv()
	for k, v := range def.Environment {
		env[k] = v
	}
	for k, v := range rc.SnapshotEnv() {
		env[k] = v
	}

	d := NewPostDispatcher(e.cfg.Runner, rundir, env, def.Post, emit)
	if e.cfg.Notifier != nil {
		d.OnAlways(NotifyOnCompletion(e.cfg.Notifier))
	}
	d.Dispatch(rec)
}

// stageCompletion is what a worker reports back to the coordinator.
type stageCompletion struct {
	stageID string
	outcome *ExecutionOutcome
	err     error
}

// execState is the coordinator's working state for one run. Only the
// coordinator goroutine touches it; workers communicate exclusively through
// the completions channel.
type execState struct {
	cfg       ExecutorConfig
	def       *PipelineDefinition
	rc        *RunContext
	rec       *RunRecord
	rundir    *RunDirectory
	collector *Collector

	nodes      map[string]*StageNode
	parents    map[string]*StageNode
	results    map[string]*StageResult
	evaluated  map[string]bool
	dispatched map[string]bool

	completions chan stageCompletion
	sem         chan struct{}
	running     int
	failFast    bool
	aborted     bool
}

func newExecState(cfg ExecutorConfig, def *PipelineDefinition, rc *RunContext, rec *RunRecord, rundir *RunDirectory) *execState {
	x := &execState{
		cfg:         cfg,
		def:         def,
		rc:          rc,
		rec:         rec,
		rundir:      rundir,
		collector:   NewCollector(rundir, cfg.Workspace),
		nodes:       make(map[string]*StageNode),
		parents:     make(map[string]*StageNode),
		results:     make(map[string]*StageResult),
		evaluated:   make(map[string]bool),
		dispatched:  make(map[string]bool),
		completions: make(chan stageCompletion),
	}
	if cfg.MaxWorkers > 0 {
		x.sem = make(chan struct{}, cfg.MaxWorkers)
	}

	// The synthetic root gets a coordinator-local result that is never
	// persisted; every real stage aliases the record's results.
	x.results[""] = &StageResult{Status: StatusPending}
	def.Walk(func(n *StageNode) {
		x.nodes[n.ID] = n
		if n.ID != "" {
			x.results[n.ID] = rec.Stages[n.ID]
		}
		for _, child := range n.Children {
			x.parents[child.ID] = n
		}
	})
	return x
}

// loop is the coordinator: dispatch eligible leaves, then wait for a
// completion or an abort signal. Fail-fast stops new dispatch but lets
// in-flight stages drain; abort additionally terminates running subprocesses
// through context cancellation inside the runner.
func (x *execState) loop(ctx context.Context) {
	for {
		if !x.failFast && !x.aborted {
			for _, leaf := range x.advance(x.def.Root) {
				x.dispatch(ctx, leaf)
			}
		}

		if x.running == 0 {
			// Nothing in flight: either the tree settled or dispatch is
			// shut off. Both mean the run is over.
			return
		}

		if x.aborted {
			// Drain without re-selecting on the already-closed Done channel.
			x.complete(<-x.completions)
			continue
		}

		select {
		case c := <-x.completions:
			x.complete(c)
		case <-ctx.Done():
			x.aborted = true
		}
	}
}

// advance walks the tree from n and returns the leaves eligible for
// dispatch right now. Along the way it evaluates when conditions (skipping
// gated subtrees), skips siblings after a required failure in a sequential
// composite, and finalizes composites whose children have all settled.
func (x *execState) advance(n *StageNode) []*StageNode {
	res := x.result(n.ID)
	if res.Status.Terminal() {
		return nil
	}

	if n.When != nil && !x.evaluated[n.ID] {
		x.evaluated[n.ID] = true
		if !EvaluateCondition(n.When, x.rc) {
			x.skipSubtree(n, "condition not met")
			return nil
		}
	}

	switch n.Kind {
	case KindLeaf:
		if x.dispatched[n.ID] {
			return nil
		}
		return []*StageNode{n}

	case KindSequential:
		for i, child := range n.Children {
			ready := x.advance(child)
			cres := x.result(child.ID)
			if !cres.Status.Terminal() {
				// Running or dispatchable: later siblings wait.
				return ready
			}
			if cres.Status == StatusFailed && !cres.Ignored {
				x.skipFollowing(n, i+1, "earlier stage failed")
				break
			}
			if cres.Status == StatusAborted {
				x.skipFollowing(n, i+1, "run aborted")
				break
			}
		}
		x.finalizeComposite(n)
		return nil

	default: // KindParallel
		var ready []*StageNode
		for _, child := range n.Children {
			ready = append(ready, x.advance(child)...)
		}
		x.finalizeComposite(n)
		return ready
	}
}

// dispatch transitions a leaf to Running and hands it to a worker goroutine.
// The stage's environment is snapshotted here, so concurrent siblings never
// observe each other's published values.
func (x *execState) dispatch(ctx context.Context, n *StageNode) {
	x.dispatched[n.ID] = true

	res := x.result(n.ID)
	now := time.Now().UTC()
	res.Status = StatusRunning
	res.StartedAt = &now
	res.StdoutPath = x.rundir.StdoutPath(n.ID)
	res.StderrPath = x.rundir.StderrPath(n.ID)
	x.persist(res)
	x.emit(Event{Type: EventStageStarted, StageID: n.ID})
	x.markAncestorsRunning(n)

	workdir := x.cfg.Workspace
	if n.Workdir != "" {
		workdir = filepath.Join(workdir, n.Workdir)
	}

	spec := RunSpec{
		StageID: n.ID,
		Script:  joinSteps(n.Steps),
		Env:     x.stageEnv(n),
		Workdir: workdir,
		Timeout: n.Timeout,
		EnvFile: x.rundir.EnvFilePath(n.ID),
	}

	x.running++
	go x.work(ctx, n, spec)
}

// work runs in a worker goroutine. It acquires a semaphore slot when the
// worker pool is bounded, wires log streaming, runs the subprocess, and
// reports the outcome. It never mutates coordinator state.
func (x *execState) work(ctx context.Context, n *StageNode, spec RunSpec) {
	if x.sem != nil {
		select {
		case x.sem <- struct{}{}:
			defer func() { <-x.sem }()
		case <-ctx.Done():
			x.completions <- stageCompletion{stageID: n.ID, outcome: &ExecutionOutcome{Aborted: true, ExitCode: -1}}
			return
		}
	}

	if err := x.rundir.EnsureStageDir(n.ID); err != nil {
		x.completions <- stageCompletion{stageID: n.ID, err: fmt.Errorf("create stage dir: %w", err)}
		return
	}

	stdoutFile, err := os.Create(x.rundir.StdoutPath(n.ID))
	if err != nil {
		x.completions <- stageCompletion{stageID: n.ID, err: fmt.Errorf("create stdout log: %w", err)}
		return
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(x.rundir.StderrPath(n.ID))
	if err != nil {
		x.completions <- stageCompletion{stageID: n.ID, err: fmt.Errorf("create stderr log: %w", err)}
		return
	}
	defer stderrFile.Close()

	runID := x.rec.ID
	stdoutLines := NewLineWriter(func(line string) { _ = x.cfg.Store.AppendLog(runID, n.ID, "stdout", line) })
	stderrLines := NewLineWriter(func(line string) { _ = x.cfg.Store.AppendLog(runID, n.ID, "stderr", line) })
	spec.Stdout = io.MultiWriter(stdoutFile, stdoutLines)
	spec.Stderr = io.MultiWriter(stderrFile, stderrLines)

	outcome, runErr := x.cfg.Runner.Run(ctx, spec)
	stdoutLines.Flush()
	stderrLines.Flush()

	x.completions <- stageCompletion{stageID: n.ID, outcome: outcome, err: runErr}
}

// complete applies a worker's reported outcome: exactly one transition from
// Running to a terminal state, persistence, publication of derived env
// values, fail-fast bookkeeping, and artifact collection.
func (x *execState) complete(c stageCompletion) {
	x.running--

	n := x.nodes[c.stageID]
	res := x.result(c.stageID)
	now := time.Now().UTC()
	res.CompletedAt = &now

	switch {
	case c.err != nil:
		res.Status = StatusFailed
		res.ExitCode = -1
		res.FailureReason = c.err.Error()
	case c.outcome.Aborted:
		res.Status = StatusAborted
		res.ExitCode = c.outcome.ExitCode
		res.FailureReason = "run aborted"
	case c.outcome.ExitCode == 0:
		res.Status = StatusSucceeded
		if len(c.outcome.Published) > 0 {
			x.rc.PublishAll(c.outcome.Published)
		}
	default:
		res.Status = StatusFailed
		res.ExitCode = c.outcome.ExitCode
		res.TimedOut = c.outcome.TimedOut
		if c.outcome.TimedOut {
			res.FailureReason = fmt.Sprintf("timed out after %s", n.Timeout)
		} else {
			res.FailureReason = fmt.Sprintf("exit code %d", c.outcome.ExitCode)
		}
	}

	if res.Status == StatusFailed {
		if n.ContinueOnError {
			res.Ignored = true
		} else {
			x.failFast = true
		}
	}

	x.persist(res)
	switch res.Status {
	case StatusSucceeded:
		x.emit(Event{Type: EventStageCompleted, StageID: n.ID})
	case StatusAborted:
		x.emit(Event{Type: EventStageAborted, StageID: n.ID})
	default:
		x.emit(Event{Type: EventStageFailed, StageID: n.ID, Data: map[string]any{"reason": res.FailureReason}})
	}

	// Declared outputs are collected for Failed stages too: a broken test
	// stage's partial report is exactly what you want for diagnosis.
	if res.Status == StatusSucceeded || res.Status == StatusFailed {
		x.collectArtifacts(n)
	}
}

func (x *execState) collectArtifacts(n *StageNode) {
	artifacts, err := x.collector.Collect(n)
	if err != nil {
		x.emit(Event{Type: EventArtifactFailed, StageID: n.ID, Data: map[string]any{"error": err.Error()}})
	}
	for _, art := range artifacts {
		if err := x.cfg.Store.SaveArtifact(x.rec.ID, art); err != nil {
			x.emit(Event{Type: EventArtifactFailed, StageID: n.ID, Data: map[string]any{"error": err.Error()}})
			continue
		}
		x.emit(Event{Type: EventArtifactCollected, StageID: n.ID, Data: map[string]any{
			"artifact_id": art.ID,
			"kind":        string(art.Kind),
			"path":        art.SourcePath,
		}})
	}
}

// settle marks everything still pending after the loop exits. Stages that
// were never dispatched end up Skipped regardless of whether dispatch
// stopped for fail-fast or abort; only stages that were actually Running
// when the run was cancelled are Aborted.
func (x *execState) settle() {
	x.def.Walk(func(n *StageNode) {
		if n.ID == "" || !n.IsLeaf() {
			return
		}
		res := x.result(n.ID)
		if !res.Status.Terminal() {
			x.markSkipped(n, "never dispatched")
		}
	})
	x.finalizeAll(x.def.Root)
}

func (x *execState) finalizeAll(n *StageNode) {
	for _, child := range n.Children {
		x.finalizeAll(child)
	}
	x.finalizeComposite(n)
}

// finalizeComposite derives a composite's terminal status once every child
// has settled (join semantics). Failures that were all ignored keep the
// Ignored flag so enclosing composites and the overall run stay green while
// the true statuses remain visible.
func (x *execState) finalizeComposite(n *StageNode) {
	if n.IsLeaf() {
		return
	}
	res := x.result(n.ID)
	if res.Status.Terminal() {
		return
	}

	anyFailed := false
	ignoredOnly := true
	anyAborted := false
	allSkipped := len(n.Children) > 0
	for _, child := range n.Children {
		cres := x.result(child.ID)
		if !cres.Status.Terminal() {
			return // join incomplete
		}
		switch cres.Status {
		case StatusFailed:
			anyFailed = true
			if !cres.Ignored {
				ignoredOnly = false
			}
		case StatusAborted:
			anyAborted = true
		}
		if cres.Status != StatusSkipped {
			allSkipped = false
		}
	}

	switch {
	case anyFailed && !ignoredOnly:
		res.Status = StatusFailed
	case anyAborted:
		res.Status = StatusAborted
	case allSkipped:
		res.Status = StatusSkipped
	case anyFailed:
		res.Status = StatusFailed
		res.Ignored = true
	default:
		res.Status = StatusSucceeded
	}

	if res.StartedAt != nil && res.CompletedAt == nil {
		now := time.Now().UTC()
		res.CompletedAt = &now
	}
	x.persist(res)
}

// skipSubtree marks a node and everything beneath it Skipped without
// invoking the runner for any of them.
func (x *execState) skipSubtree(n *StageNode, reason string) {
	n.Walk(func(d *StageNode) {
		res := x.result(d.ID)
		if res.Status.Terminal() {
			return
		}
		x.markSkipped(d, reason)
	})
}

func (x *execState) skipFollowing(parent *StageNode, from int, reason string) {
	for i := from; i < len(parent.Children); i++ {
		child := parent.Children[i]
		if !x.result(child.ID).Status.Terminal() {
			x.skipSubtree(child, reason)
		}
	}
}

func (x *execState) markSkipped(n *StageNode, reason string) {
	res := x.result(n.ID)
	res.Status = StatusSkipped
	res.FailureReason = ""
	x.persist(res)
	if n.ID != "" {
		x.emit(Event{Type: EventStageSkipped, StageID: n.ID, Data: map[string]any{"reason": reason}})
	}
}

// markAncestorsRunning flips enclosing composites to Running when their
// first descendant dispatches, so status listings show progress at every
// level of the tree.
func (x *execState) markAncestorsRunning(n *StageNode) {
	for p := x.parents[n.ID]; p != nil; p = x.parents[p.ID] {
		res := x.result(p.ID)
		if res.Status != StatusPending {
			break
		}
		now := time.Now().UTC()
		res.Status = StatusRunning
		res.StartedAt = &now
		x.persist(res)
	}
}

// overall derives the run status from leaf results: any required failure
// means Failed; an abort with no required failure means Aborted; Skipped
// stages and ignored failures never count against the run.
func (x *execState) overall() RunStatus {
	anyAborted := x.aborted
	for _, n := range x.def.Leaves() {
		res := x.result(n.ID)
		if res.Status == StatusFailed && !res.Ignored {
			return RunFailed
		}
		if res.Status == StatusAborted {
			anyAborted = true
		}
	}
	if anyAborted {
		return RunAborted
	}
	return RunSucceeded
}

// stageEnv composes a stage's subprocess environment: inherited core vars,
// the pipeline's global environment, the run context snapshot (base env plus
// the overlay accumulated so far), the stage's own env block, and the
// engine-provided builtins.
func (x *execState) stageEnv(n *StageNode) map[string]string {
	env := baseEnv()
	for k, v := range x.def.Environment {
		env[k] = v
	}
	for k, v := range x.rc.SnapshotEnv() {
		env[k] = v
	}
	for k, v := range n.Env {
		env[k] = v
	}
	env["CONVEYOR_RUN_ID"] = x.rec.ID
	env["CONVEYOR_STAGE"] = n.ID
	env["CONVEYOR_BRANCH"] = x.rc.Branch
	if x.rc.Commit != "" {
		env["CONVEYOR_COMMIT"] = x.rc.Commit
	}
	return env
}

func (x *execState) result(id string) *StageResult {
	return x.results[id]
}

func (x *execState) persist(res *StageResult) {
	if res.StageID == "" {
		return // synthetic root is not persisted
	}
	_ = x.cfg.Store.SaveStageResult(x.rec.ID, res)
}

func (x *execState) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	_ = x.cfg.Store.AppendEvent(x.rec.ID, evt)
	if x.cfg.EventHandler != nil {
		x.cfg.EventHandler(evt)
	}
}

// baseEnv returns the core environment inherited from the engine process.
func baseEnv() map[string]string {
	env := make(map[string]string, len(coreEnvVars))
	for _, key := range coreEnvVars {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// joinSteps turns a leaf's step list into one script body. The runner
// invokes the shell with -e, so a failing step stops the script.
func joinSteps(steps []string) string {
	return strings.Join(steps, "\n")
}

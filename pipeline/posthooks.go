// ABOUTME: Post-Action Dispatcher: fires always/success/failure hooks after a run settles.
// ABOUTME: Hooks are best-effort and observational; failures are logged as events, never re-opening the run.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

// defaultHookTimeout bounds hook commands that declare no timeout of their
// own. Hooks run after the run context may already be cancelled, so they get
// a fresh deadline.
const defaultHookTimeout = 2 * time.Minute

// HookFunc is a Go-level post hook. Command hooks come from the pipeline
// definition's post block; HookFuncs are registered by embedding code
// (notifiers, cache cleanup, report publishers).
type HookFunc func(ctx context.Context, rec *RunRecord) error

// PostDispatcher invokes post-run hooks in fixed order: always first, then
// exactly one of success/failure matching the overall status. Aborted runs
// fire only the always group.
type PostDispatcher struct {
	runner Runner
	rundir *RunDirectory
	env    map[string]string
	emit   func(Event)
	hooks  PostHooks

	alwaysFns  []HookFunc
	successFns []HookFunc
	failureFns []HookFunc
}

// NewPostDispatcher creates a dispatcher for the given definition hooks.
// The emit callback may be nil.
func NewPostDispatcher(runner Runner, rundir *RunDirectory, env map[string]string, hooks PostHooks, emit func(Event)) *PostDispatcher {
	if runner == nil {
		runner = NewLocalRunner()
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &PostDispatcher{
		runner: runner,
		rundir: rundir,
		env:    env,
		emit:   emit,
		hooks:  hooks,
	}
}

// OnAlways registers a hook fired for every settled run, aborted included.
func (d *PostDispatcher) OnAlways(fn HookFunc) { d.alwaysFns = append(d.alwaysFns, fn) }

// OnSuccess registers a hook fired only when the run succeeded.
func (d *PostDispatcher) OnSuccess(fn HookFunc) { d.successFns = append(d.successFns, fn) }

// OnFailure registers a hook fired only when the run failed.
func (d *PostDispatcher) OnFailure(fn HookFunc) { d.failureFns = append(d.failureFns, fn) }

// Dispatch runs the hook groups for the record's terminal status. The given
// context is only a parent for per-hook deadlines; hooks still run when it is
// already cancelled, because cleanup must happen even after an abort.
func (d *PostDispatcher) Dispatch(rec *RunRecord) {
	d.runGroup(d.hooks.Always, d.alwaysFns, rec)

	switch rec.Status {
	case RunSucceeded:
		d.runGroup(d.hooks.Success, d.successFns, rec)
	case RunFailed:
		d.runGroup(d.hooks.Failure, d.failureFns, rec)
	}
}

func (d *PostDispatcher) runGroup(commands []*StageNode, fns []HookFunc, rec *RunRecord) {
	for _, hook := range commands {
		d.runCommandHook(hook, rec)
	}
	for i, fn := range fns {
		d.runFuncHook(fmt.Sprintf("func-%d", i), fn, rec)
	}
}

func (d *PostDispatcher) runCommandHook(hook *StageNode, rec *RunRecord) {
	d.emit(Event{Type: EventHookStarted, StageID: hook.ID})

	ctx, cancel := context.WithTimeout(context.Background(), defaultHookTimeout)
	defer cancel()

	env := make(map[string]string, len(d.env)+len(hook.Env)+4)
	for k, v := range d.env {
		env[k] = v
	}
	for k, v := range hook.Env {
		env[k] = v
	}
	env["CONVEYOR_RUN_ID"] = rec.ID
	env["CONVEYOR_RUN_STATUS"] = string(rec.Status)
	env["CONVEYOR_PIPELINE"] = rec.PipelineName
	env["CONVEYOR_BRANCH"] = rec.Branch

	spec := RunSpec{
		StageID: hook.ID,
		Script:  joinSteps(hook.Steps),
		Env:     env,
		Timeout: hook.Timeout,
	}
	if spec.Timeout == 0 {
		spec.Timeout = defaultHookTimeout
	}

	if d.rundir != nil {
		if err := d.rundir.EnsureStageDir(hook.ID); err == nil {
			if stdout, err := os.Create(d.rundir.StdoutPath(hook.ID)); err == nil {
				defer stdout.Close()
				spec.Stdout = stdout
			}
			if stderr, err := os.Create(d.rundir.StderrPath(hook.ID)); err == nil {
				defer stderr.Close()
				spec.Stderr = stderr
			}
		}
	}

	outcome, err := d.runner.Run(ctx, spec)
	switch {
	case err != nil:
		d.emit(Event{Type: EventHookFailed, StageID: hook.ID, Data: map[string]any{"error": err.Error()}})
	case outcome.ExitCode != 0:
		d.emit(Event{Type: EventHookFailed, StageID: hook.ID, Data: map[string]any{"exit_code": outcome.ExitCode}})
	default:
		d.emit(Event{Type: EventHookCompleted, StageID: hook.ID})
	}
}

func (d *PostDispatcher) runFuncHook(name string, fn HookFunc, rec *RunRecord) {
	id := "post/" + name
	d.emit(Event{Type: EventHookStarted, StageID: id})

	ctx, cancel := context.WithTimeout(context.Background(), defaultHookTimeout)
	defer cancel()

	if err := safeHook(ctx, fn, rec); err != nil {
		d.emit(Event{Type: EventHookFailed, StageID: id, Data: map[string]any{"error": err.Error()}})
		return
	}
	d.emit(Event{Type: EventHookCompleted, StageID: id})
}

// safeHook wraps a HookFunc with panic recovery so a misbehaving hook cannot
// crash the engine after the run already settled.
func safeHook(ctx context.Context, fn HookFunc, rec *RunRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, rec)
}

// NotifyOnCompletion returns a hook that reports the run's terminal status
// through the given notifier. Register it with OnAlways.
func NotifyOnCompletion(n Notifier) HookFunc {
	return func(ctx context.Context, rec *RunRecord) error {
		severity := SeverityInfo
		if rec.Status == RunFailed {
			severity = SeverityError
		} else if rec.Status == RunAborted {
			severity = SeverityWarning
		}
		text := fmt.Sprintf("pipeline %s run %s: %s (branch %s)", rec.PipelineName, rec.ID, rec.Status, rec.Branch)
		return n.Notify(ctx, severity, text)
	}
}

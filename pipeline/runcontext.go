// ABOUTME: RunContext carries the per-run values: branch, commit, base environment, and the append-only overlay.
// ABOUTME: Stages publish derived values into the overlay; dispatch takes a snapshot so parallel siblings never race.
package pipeline

import (
	"sync"
)

// RunContext holds the per-execution values a run is evaluated against.
// Branch, Commit, and the base environment are fixed at run start; the
// overlay accumulates values published by completed stages. Publishing is
// append-only and existing keys are never removed.
type RunContext struct {
	Branch string
	Commit string

	baseEnv map[string]string
	mu      sync.RWMutex
	overlay map[string]string
}

// NewRunContext creates a RunContext with an immutable base environment.
func NewRunContext(branch, commit string, env map[string]string) *RunContext {
	base := make(map[string]string, len(env))
	for k, v := range env {
		base[k] = v
	}
	return &RunContext{
		Branch:  branch,
		Commit:  commit,
		baseEnv: base,
		overlay: make(map[string]string),
	}
}

// Publish adds a derived value to the overlay, visible to all stages
// dispatched after this call. Snapshots already taken are unaffected.
func (rc *RunContext) Publish(key, value string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.overlay[key] = value
}

// PublishAll adds every pair to the overlay.
func (rc *RunContext) PublishAll(values map[string]string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for k, v := range values {
		rc.overlay[k] = v
	}
}

// Lookup resolves an environment key, overlay first, then the base env.
func (rc *RunContext) Lookup(key string) (string, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if v, ok := rc.overlay[key]; ok {
		return v, true
	}
	v, ok := rc.baseEnv[key]
	return v, ok
}

// SnapshotEnv returns an independent copy of base env plus overlay, the
// environment view a stage dispatched right now would observe.
func (rc *RunContext) SnapshotEnv() map[string]string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	snap := make(map[string]string, len(rc.baseEnv)+len(rc.overlay))
	for k, v := range rc.baseEnv {
		snap[k] = v
	}
	for k, v := range rc.overlay {
		snap[k] = v
	}
	return snap
}

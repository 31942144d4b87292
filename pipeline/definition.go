// ABOUTME: Core data model for pipeline definitions: the immutable StageNode tree.
// ABOUTME: Defines stage kinds, conditions, artifact declarations, and tree traversal helpers.
package pipeline

import (
	"time"
)

// StageKind distinguishes leaf stages from the two composite forms.
type StageKind string

const (
	// KindLeaf is an executable stage with a script body.
	KindLeaf StageKind = "leaf"
	// KindSequential is a composite whose children run strictly in order.
	KindSequential StageKind = "sequential"
	// KindParallel is a composite whose children become eligible simultaneously.
	KindParallel StageKind = "parallel"
)

// StageNode is a single node in the stage tree. A node is either a leaf
// (Steps non-empty) or a composite (Children non-empty), never both.
// The tree is immutable once built; the executor only reads it.
type StageNode struct {
	// ID is the slash-joined path from the root, e.g. "security/bandit".
	// Unique across the whole tree.
	ID string
	// Name is unique within the parent scope.
	Name string
	Kind StageKind
	// When gates the node and everything beneath it. Nil means unconditional.
	When *Condition
	// Steps holds the shell commands of a leaf stage, run as one script body.
	Steps []string
	// Children holds the child stages of a composite.
	Children []*StageNode
	// Env is merged over the run environment for this stage only.
	Env map[string]string
	// Workdir is relative to the run workspace. Empty means the workspace root.
	Workdir string
	// Timeout bounds the subprocess. Zero means no timeout.
	Timeout time.Duration
	// ContinueOnError makes a Failed outcome non-blocking for the overall run.
	// The builder propagates the flag from a composite to all its descendants.
	ContinueOnError bool
	// Artifacts declares report outputs to collect after the stage settles.
	Artifacts []ArtifactSpec
}

// IsLeaf reports whether the node is an executable leaf stage.
func (n *StageNode) IsLeaf() bool {
	return n.Kind == KindLeaf
}

// Walk visits the node and all descendants in declaration (pre-)order.
func (n *StageNode) Walk(fn func(*StageNode)) {
	fn(n)
	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// Condition is a predicate evaluated against the RunContext. Exactly one
// field is set; the builder rejects anything else at build time.
type Condition struct {
	// Branch matches RunContext.Branch exactly.
	Branch string
	// Env matches an environment value (base environment plus overlay).
	Env *EnvCondition
	// All is true when every child condition is true.
	All []*Condition
	// Any is true when at least one child condition is true.
	Any []*Condition
	// Not negates its child condition.
	Not *Condition
}

// EnvCondition matches environment[Key] == Equals.
type EnvCondition struct {
	Key    string
	Equals string
}

// ArtifactKind classifies collected stage outputs.
type ArtifactKind string

const (
	ArtifactTestReport ArtifactKind = "test-report"
	ArtifactCoverage   ArtifactKind = "coverage"
	ArtifactScanReport ArtifactKind = "scan-report"
)

// ArtifactSpec declares a stage output to collect. Path is a glob relative
// to the stage's working directory.
type ArtifactSpec struct {
	Kind ArtifactKind
	Path string
}

// PostHooks holds the hook stages fired after the run settles.
// Always hooks run first, then exactly one of Success/Failure.
type PostHooks struct {
	Always  []*StageNode
	Success []*StageNode
	Failure []*StageNode
}

// PipelineDefinition is the parsed, validated, immutable pipeline.
type PipelineDefinition struct {
	Name string
	// Environment is the global env mapping applied to every stage.
	Environment map[string]string
	// Root is a sequential composite holding the top-level stages.
	Root *StageNode
	// Post holds the post-run hook bindings.
	Post PostHooks
}

// Walk visits every stage node in the tree in declaration order.
func (d *PipelineDefinition) Walk(fn func(*StageNode)) {
	d.Root.Walk(fn)
}

// Leaves returns the executable leaf stages in declaration order.
func (d *PipelineDefinition) Leaves() []*StageNode {
	var leaves []*StageNode
	d.Walk(func(n *StageNode) {
		if n.IsLeaf() {
			leaves = append(leaves, n)
		}
	})
	return leaves
}

// FindStage returns the node with the given ID, or nil if absent.
func (d *PipelineDefinition) FindStage(id string) *StageNode {
	var found *StageNode
	d.Walk(func(n *StageNode) {
		if n.ID == id {
			found = n
		}
	})
	return found
}

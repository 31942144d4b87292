// ABOUTME: Stage graph builder: turns the raw YAML definition into a validated immutable StageNode tree.
// ABOUTME: Enforces name uniqueness, leaf/composite exclusivity, eager condition validation, and template cycle detection.
package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// build validates the raw definition and produces the immutable stage tree.
// All taxonomy errors (ConfigError, CycleError) surface here, before any
// stage is dispatched.
func build(raw *rawPipeline) (*PipelineDefinition, error) {
	if raw.Name == "" {
		return nil, &ConfigError{Msg: "pipeline name is required"}
	}
	if len(raw.Stages) == 0 {
		return nil, &ConfigError{Msg: "pipeline has no stages"}
	}

	b := &builder{templates: raw.Templates}

	root := &StageNode{
		ID:   "",
		Name: raw.Name,
		Kind: KindSequential,
	}
	children, err := b.buildChildren(raw.Stages, "", false)
	if err != nil {
		return nil, err
	}
	root.Children = children

	post, err := b.buildPost(raw.Post)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(raw.Environment))
	for k, v := range raw.Environment {
		env[k] = v
	}

	return &PipelineDefinition{
		Name:        raw.Name,
		Environment: env,
		Root:        root,
		Post:        post,
	}, nil
}

// builder carries the template table and the visiting set used for cycle
// detection during template expansion.
type builder struct {
	templates map[string]*rawStage
	visiting  []string
}

// buildChildren builds one scope's stages, checking for duplicate names.
func (b *builder) buildChildren(raws []*rawStage, parentID string, inheritedCOE bool) ([]*StageNode, error) {
	seen := make(map[string]bool, len(raws))
	nodes := make([]*StageNode, 0, len(raws))
	for _, rs := range raws {
		node, err := b.buildStage(rs, parentID, inheritedCOE)
		if err != nil {
			return nil, err
		}
		if seen[node.Name] {
			return nil, &ConfigError{Stage: node.ID, Msg: fmt.Sprintf("duplicate stage name %q in scope", node.Name)}
		}
		seen[node.Name] = true
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// buildStage builds a single stage node, resolving template references first.
func (b *builder) buildStage(rs *rawStage, parentID string, inheritedCOE bool) (*StageNode, error) {
	if rs.Name == "" {
		return nil, &ConfigError{Stage: parentID, Msg: "stage is missing a name"}
	}
	if strings.Contains(rs.Name, "/") {
		return nil, &ConfigError{Stage: joinStageID(parentID, rs.Name), Msg: "stage name must not contain '/'"}
	}
	id := joinStageID(parentID, rs.Name)

	effective, err := b.resolveTemplate(rs, id)
	if err != nil {
		return nil, err
	}

	bodies := 0
	if effective.Run != "" {
		bodies++
	}
	if len(effective.Steps) > 0 {
		bodies++
	}
	if len(effective.Parallel) > 0 {
		bodies++
	}
	if len(effective.Stages) > 0 {
		bodies++
	}
	if bodies == 0 {
		return nil, &ConfigError{Stage: id, Msg: "stage needs one of run, steps, parallel, or stages"}
	}
	if bodies > 1 {
		return nil, &ConfigError{Stage: id, Msg: "stage may declare only one of run, steps, parallel, or stages"}
	}

	node := &StageNode{
		ID:              id,
		Name:            rs.Name,
		Workdir:         effective.Workdir,
		ContinueOnError: inheritedCOE || effective.ContinueOnError,
	}

	if effective.When != nil {
		cond, err := buildCondition(effective.When, id)
		if err != nil {
			return nil, err
		}
		node.When = cond
	}

	if effective.Timeout != "" {
		d, err := time.ParseDuration(effective.Timeout)
		if err != nil || d <= 0 {
			return nil, &ConfigError{Stage: id, Msg: fmt.Sprintf("invalid timeout %q", effective.Timeout)}
		}
		node.Timeout = d
	}

	if len(effective.Env) > 0 {
		node.Env = make(map[string]string, len(effective.Env))
		for k, v := range effective.Env {
			node.Env[k] = v
		}
	}

	for _, ra := range effective.Artifacts {
		spec, err := buildArtifactSpec(ra, id)
		if err != nil {
			return nil, err
		}
		node.Artifacts = append(node.Artifacts, spec)
	}

	switch {
	case effective.Run != "":
		node.Kind = KindLeaf
		node.Steps = []string{effective.Run}
	case len(effective.Steps) > 0:
		node.Kind = KindLeaf
		node.Steps = append([]string(nil), effective.Steps...)
	case len(effective.Parallel) > 0:
		node.Kind = KindParallel
		children, err := b.buildChildren(effective.Parallel, id, node.ContinueOnError)
		if err != nil {
			return nil, err
		}
		node.Children = children
	default:
		node.Kind = KindSequential
		children, err := b.buildChildren(effective.Stages, id, node.ContinueOnError)
		if err != nil {
			return nil, err
		}
		node.Children = children
	}

	if node.IsLeaf() {
		for _, step := range node.Steps {
			if strings.TrimSpace(step) == "" {
				return nil, &ConfigError{Stage: id, Msg: "empty step command"}
			}
		}
	} else if len(node.Artifacts) > 0 {
		return nil, &ConfigError{Stage: id, Msg: "artifacts may only be declared on leaf stages"}
	}

	return node, nil
}

// resolveTemplate expands a use: reference into an effective raw stage.
// The referencing stage keeps its own name, when, and continue_on_error;
// everything else comes from the template. Templates may reference other
// templates; a visiting set catches cycles with a CycleError.
func (b *builder) resolveTemplate(rs *rawStage, id string) (*rawStage, error) {
	if rs.Use == "" {
		return rs, nil
	}
	if rs.Run != "" || len(rs.Steps) > 0 || len(rs.Parallel) > 0 || len(rs.Stages) > 0 {
		return nil, &ConfigError{Stage: id, Msg: "stage may not combine use with its own body"}
	}

	tmpl, ok := b.templates[rs.Use]
	if !ok {
		return nil, &ConfigError{Stage: id, Msg: fmt.Sprintf("unknown template %q", rs.Use)}
	}

	for _, name := range b.visiting {
		if name == rs.Use {
			return nil, &CycleError{Chain: append(append([]string(nil), b.visiting...), rs.Use)}
		}
	}
	b.visiting = append(b.visiting, rs.Use)
	defer func() { b.visiting = b.visiting[:len(b.visiting)-1] }()

	resolved, err := b.resolveTemplate(tmpl, id)
	if err != nil {
		return nil, err
	}

	effective := *resolved
	// Local overrides win over template defaults.
	if rs.Workdir != "" {
		effective.Workdir = rs.Workdir
	}
	if rs.Timeout != "" {
		effective.Timeout = rs.Timeout
	}
	if len(rs.Env) > 0 {
		merged := make(map[string]string, len(effective.Env)+len(rs.Env))
		for k, v := range effective.Env {
			merged[k] = v
		}
		for k, v := range rs.Env {
			merged[k] = v
		}
		effective.Env = merged
	}
	if len(rs.Artifacts) > 0 {
		effective.Artifacts = rs.Artifacts
	}
	effective.When = rs.When
	effective.ContinueOnError = rs.ContinueOnError || effective.ContinueOnError

	return &effective, nil
}

// buildCondition validates a when block eagerly. Exactly one predicate kind
// per condition object; unknown keys are already rejected by strict decoding.
func buildCondition(rc *rawCondition, stageID string) (*Condition, error) {
	kinds := 0
	if rc.Branch != "" {
		kinds++
	}
	if rc.Env != nil {
		kinds++
	}
	if len(rc.All) > 0 {
		kinds++
	}
	if len(rc.Any) > 0 {
		kinds++
	}
	if rc.Not != nil {
		kinds++
	}
	if kinds == 0 {
		return nil, &ConfigError{Stage: stageID, Msg: "when block declares no predicate"}
	}
	if kinds > 1 {
		return nil, &ConfigError{Stage: stageID, Msg: "when block must declare exactly one of branch, env, all, any, not"}
	}

	cond := &Condition{Branch: rc.Branch}

	if rc.Env != nil {
		if rc.Env.Key == "" {
			return nil, &ConfigError{Stage: stageID, Msg: "env condition is missing key"}
		}
		cond.Env = &EnvCondition{Key: rc.Env.Key, Equals: rc.Env.Equals}
	}

	for _, child := range rc.All {
		built, err := buildCondition(child, stageID)
		if err != nil {
			return nil, err
		}
		cond.All = append(cond.All, built)
	}
	for _, child := range rc.Any {
		built, err := buildCondition(child, stageID)
		if err != nil {
			return nil, err
		}
		cond.Any = append(cond.Any, built)
	}
	if rc.Not != nil {
		built, err := buildCondition(rc.Not, stageID)
		if err != nil {
			return nil, err
		}
		cond.Not = built
	}

	return cond, nil
}

func buildArtifactSpec(ra rawArtifact, stageID string) (ArtifactSpec, error) {
	switch ArtifactKind(ra.Kind) {
	case ArtifactTestReport, ArtifactCoverage, ArtifactScanReport:
	default:
		return ArtifactSpec{}, &ConfigError{Stage: stageID, Msg: fmt.Sprintf("unknown artifact kind %q", ra.Kind)}
	}
	if ra.Path == "" {
		return ArtifactSpec{}, &ConfigError{Stage: stageID, Msg: "artifact is missing path"}
	}
	return ArtifactSpec{Kind: ArtifactKind(ra.Kind), Path: ra.Path}, nil
}

// buildPost builds the hook stages. Hooks are plain leaf commands; nesting,
// conditions, and templates are not allowed in post blocks.
func (b *builder) buildPost(raw rawPost) (PostHooks, error) {
	buildGroup := func(raws []*rawStage, group string) ([]*StageNode, error) {
		seen := make(map[string]bool, len(raws))
		var nodes []*StageNode
		for _, rs := range raws {
			if rs.Name == "" {
				return nil, &ConfigError{Stage: "post/" + group, Msg: "hook is missing a name"}
			}
			id := "post/" + group + "/" + rs.Name
			if rs.Use != "" || len(rs.Parallel) > 0 || len(rs.Stages) > 0 || rs.When != nil {
				return nil, &ConfigError{Stage: id, Msg: "hooks must be plain commands"}
			}
			node, err := b.buildStage(rs, "post/"+group, false)
			if err != nil {
				return nil, err
			}
			if seen[node.Name] {
				return nil, &ConfigError{Stage: id, Msg: fmt.Sprintf("duplicate hook name %q", node.Name)}
			}
			seen[node.Name] = true
			nodes = append(nodes, node)
		}
		return nodes, nil
	}

	always, err := buildGroup(raw.Always, "always")
	if err != nil {
		return PostHooks{}, err
	}
	success, err := buildGroup(raw.Success, "success")
	if err != nil {
		return PostHooks{}, err
	}
	failure, err := buildGroup(raw.Failure, "failure")
	if err != nil {
		return PostHooks{}, err
	}
	return PostHooks{Always: always, Success: success, Failure: failure}, nil
}

func joinStageID(parentID, name string) string {
	if parentID == "" {
		return name
	}
	return parentID + "/" + name
}

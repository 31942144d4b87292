// ABOUTME: Condition evaluation for when predicates against a RunContext.
// ABOUTME: Pure and side-effect-free; the closed grammar is validated by the builder before any run starts.
package pipeline

// EvaluateCondition evaluates a built condition against the run context.
// A nil condition is unconditional and evaluates to true. Evaluation only
// reads the context, so re-evaluating the same condition against the same
// context state always yields the same result.
func EvaluateCondition(cond *Condition, rc *RunContext) bool {
	if cond == nil {
		return true
	}

	switch {
	case cond.Branch != "":
		return rc.Branch == cond.Branch
	case cond.Env != nil:
		v, ok := rc.Lookup(cond.Env.Key)
		return ok && v == cond.Env.Equals
	case len(cond.All) > 0:
		for _, child := range cond.All {
			if !EvaluateCondition(child, rc) {
				return false
			}
		}
		return true
	case len(cond.Any) > 0:
		for _, child := range cond.Any {
			if EvaluateCondition(child, rc) {
				return true
			}
		}
		return false
	case cond.Not != nil:
		return !EvaluateCondition(cond.Not, rc)
	}

	// The builder rejects empty conditions; an unreachable empty condition
	// gates nothing.
	return true
}

// ABOUTME: Tests for condition evaluation against a RunContext.
// ABOUTME: Covers branch/env predicates, boolean combinators, and overlay visibility.
package pipeline

import "testing"

func TestEvaluateConditionNilIsTrue(t *testing.T) {
	rc := NewRunContext("main", "", nil)
	if !EvaluateCondition(nil, rc) {
		t.Error("nil condition should be unconditional")
	}
}

func TestEvaluateConditionBranch(t *testing.T) {
	rc := NewRunContext("main", "", nil)
	if !EvaluateCondition(&Condition{Branch: "main"}, rc) {
		t.Error("matching branch should be true")
	}
	if EvaluateCondition(&Condition{Branch: "release"}, rc) {
		t.Error("non-matching branch should be false")
	}
}

func TestEvaluateConditionEnv(t *testing.T) {
	rc := NewRunContext("main", "", map[string]string{"DEPLOY": "yes"})
	cond := &Condition{Env: &EnvCondition{Key: "DEPLOY", Equals: "yes"}}
	if !EvaluateCondition(cond, rc) {
		t.Error("matching env value should be true")
	}

	cond = &Condition{Env: &EnvCondition{Key: "DEPLOY", Equals: "no"}}
	if EvaluateCondition(cond, rc) {
		t.Error("mismatched env value should be false")
	}

	cond = &Condition{Env: &EnvCondition{Key: "MISSING", Equals: ""}}
	if EvaluateCondition(cond, rc) {
		t.Error("an unset key is false even when comparing against empty")
	}
}

func TestEvaluateConditionEnvSeesOverlay(t *testing.T) {
	rc := NewRunContext("main", "", map[string]string{"MODE": "base"})
	cond := &Condition{Env: &EnvCondition{Key: "MODE", Equals: "overridden"}}
	if EvaluateCondition(cond, rc) {
		t.Fatal("condition true before publish")
	}
	rc.Publish("MODE", "overridden")
	if !EvaluateCondition(cond, rc) {
		t.Error("condition should see the published value")
	}
}

func TestEvaluateConditionCombinators(t *testing.T) {
	rc := NewRunContext("main", "", map[string]string{"CI": "true"})
	onMain := &Condition{Branch: "main"}
	onRelease := &Condition{Branch: "release"}
	ciSet := &Condition{Env: &EnvCondition{Key: "CI", Equals: "true"}}

	if !EvaluateCondition(&Condition{All: []*Condition{onMain, ciSet}}, rc) {
		t.Error("all with true children should be true")
	}
	if EvaluateCondition(&Condition{All: []*Condition{onMain, onRelease}}, rc) {
		t.Error("all with a false child should be false")
	}
	if !EvaluateCondition(&Condition{Any: []*Condition{onRelease, onMain}}, rc) {
		t.Error("any with a true child should be true")
	}
	if EvaluateCondition(&Condition{Any: []*Condition{onRelease}}, rc) {
		t.Error("any with all-false children should be false")
	}
	if EvaluateCondition(&Condition{Not: onMain}, rc) {
		t.Error("not of a true condition should be false")
	}
	if !EvaluateCondition(&Condition{Not: onRelease}, rc) {
		t.Error("not of a false condition should be true")
	}
}

func TestEvaluateConditionNested(t *testing.T) {
	rc := NewRunContext("main", "", nil)
	cond := &Condition{
		All: []*Condition{
			{Branch: "main"},
			{Not: &Condition{Env: &EnvCondition{Key: "SKIP_DEPLOY", Equals: "1"}}},
		},
	}
	if !EvaluateCondition(cond, rc) {
		t.Fatal("deploy gate should open on main without SKIP_DEPLOY")
	}
	rc.Publish("SKIP_DEPLOY", "1")
	if EvaluateCondition(cond, rc) {
		t.Error("deploy gate should close once SKIP_DEPLOY is published")
	}
}

// ABOUTME: Tests for the stage graph builder: validation taxonomy, template expansion, and flag propagation.
// ABOUTME: Covers ConfigError cases, CycleError on template loops, and continue_on_error inheritance.
package pipeline

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func parseErrCase(t *testing.T, src string) error {
	t.Helper()
	_, err := Parse([]byte(src))
	if err == nil {
		t.Fatal("expected an error")
	}
	return err
}

func TestBuildRequiresNameAndStages(t *testing.T) {
	err := parseErrCase(t, "stages:\n  - name: a\n    run: true\n")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}

	err = parseErrCase(t, "name: demo\n")
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}
	if !strings.Contains(cfgErr.Msg, "no stages") {
		t.Errorf("message = %q, want mention of missing stages", cfgErr.Msg)
	}
}

func TestBuildStageIDsAreSlashJoinedPaths(t *testing.T) {
	def := mustParse(t, `
name: demo
stages:
  - name: security
    parallel:
      - name: bandit
        run: bandit -r .
      - name: nested
        stages:
          - name: deep
            run: true
`)
	if def.FindStage("security/bandit") == nil {
		t.Error("security/bandit not found")
	}
	if def.FindStage("security/nested/deep") == nil {
		t.Error("security/nested/deep not found")
	}
}

func TestBuildDuplicateNamesInScopeRejected(t *testing.T) {
	err := parseErrCase(t, `
name: demo
stages:
  - name: build
    run: a
  - name: build
    run: b
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}
}

func TestBuildSameNameInDifferentScopesAllowed(t *testing.T) {
	def := mustParse(t, `
name: demo
stages:
  - name: a
    stages:
      - name: check
        run: true
  - name: b
    stages:
      - name: check
        run: true
`)
	if def.FindStage("a/check") == nil || def.FindStage("b/check") == nil {
		t.Error("scoped duplicate names should build distinct stages")
	}
}

func TestBuildLeafCompositeExclusivity(t *testing.T) {
	cases := map[string]string{
		"no body": `
name: demo
stages:
  - name: empty
`,
		"run plus stages": `
name: demo
stages:
  - name: both
    run: true
    stages:
      - name: child
        run: true
`,
		"steps plus parallel": `
name: demo
stages:
  - name: both
    steps: [a]
    parallel:
      - name: child
        run: true
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			err := parseErrCase(t, src)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %T, want *ConfigError", err)
			}
		})
	}
}

func TestBuildSlashInNameRejected(t *testing.T) {
	err := parseErrCase(t, `
name: demo
stages:
  - name: bad/name
    run: true
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}
}

func TestBuildTimeout(t *testing.T) {
	def := mustParse(t, `
name: demo
stages:
  - name: slow
    timeout: 90s
    run: true
`)
	if got := def.FindStage("slow").Timeout; got != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", got)
	}

	err := parseErrCase(t, `
name: demo
stages:
  - name: bad
    timeout: soon
    run: true
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}
}

func TestBuildContinueOnErrorPropagatesDown(t *testing.T) {
	def := mustParse(t, `
name: demo
stages:
  - name: scans
    continue_on_error: true
    parallel:
      - name: a
        run: true
      - name: nested
        stages:
          - name: deep
            run: true
  - name: strict
    run: true
`)
	for _, id := range []string{"scans", "scans/a", "scans/nested", "scans/nested/deep"} {
		if !def.FindStage(id).ContinueOnError {
			t.Errorf("stage %s did not inherit continue_on_error", id)
		}
	}
	if def.FindStage("strict").ContinueOnError {
		t.Error("sibling stage inherited continue_on_error")
	}
}

func TestBuildTemplateExpansion(t *testing.T) {
	def := mustParse(t, `
name: demo
templates:
  pytest:
    run: pytest
    timeout: 5m
    env:
      PYTHONDONTWRITEBYTECODE: "1"
stages:
  - name: unit
    use: pytest
  - name: integration
    use: pytest
    timeout: 10m
    env:
      DB_URL: postgres://localhost/test
`)
	unit := def.FindStage("unit")
	if unit.Steps[0] != "pytest" {
		t.Errorf("unit steps = %v, want template body", unit.Steps)
	}
	if unit.Timeout != 5*time.Minute {
		t.Errorf("unit timeout = %v, want template default 5m", unit.Timeout)
	}

	integ := def.FindStage("integration")
	if integ.Timeout != 10*time.Minute {
		t.Errorf("integration timeout = %v, want local override 10m", integ.Timeout)
	}
	if integ.Env["DB_URL"] == "" || integ.Env["PYTHONDONTWRITEBYTECODE"] != "1" {
		t.Errorf("integration env = %v, want template values merged with overrides", integ.Env)
	}
}

func TestBuildTemplateChain(t *testing.T) {
	def := mustParse(t, `
name: demo
templates:
  base:
    run: make test
    timeout: 1m
  extended:
    use: base
    timeout: 2m
stages:
  - name: test
    use: extended
`)
	node := def.FindStage("test")
	if node.Steps[0] != "make test" {
		t.Errorf("steps = %v, want base body through the chain", node.Steps)
	}
	if node.Timeout != 2*time.Minute {
		t.Errorf("timeout = %v, want 2m from intermediate template", node.Timeout)
	}
}

func TestBuildTemplateCycle(t *testing.T) {
	err := parseErrCase(t, `
name: demo
templates:
  a:
    use: b
  b:
    use: a
stages:
  - name: broken
    use: a
`)
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("error %T, want *CycleError", err)
	}
	if len(cycleErr.Chain) < 2 {
		t.Errorf("cycle chain = %v, want the reference path", cycleErr.Chain)
	}
}

func TestBuildUnknownTemplate(t *testing.T) {
	err := parseErrCase(t, `
name: demo
stages:
  - name: s
    use: nonexistent
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}
}

func TestBuildUseWithOwnBodyRejected(t *testing.T) {
	err := parseErrCase(t, `
name: demo
templates:
  base:
    run: true
stages:
  - name: s
    use: base
    run: something-else
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}
}

func TestBuildConditionValidation(t *testing.T) {
	err := parseErrCase(t, `
name: demo
stages:
  - name: s
    when:
      branch: main
      env:
        key: X
        equals: "1"
    run: true
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("multiple predicates: error %T, want *ConfigError", err)
	}

	err = parseErrCase(t, `
name: demo
stages:
  - name: s
    when:
      env:
        equals: "1"
    run: true
`)
	if !errors.As(err, &cfgErr) {
		t.Fatalf("env without key: error %T, want *ConfigError", err)
	}
}

func TestBuildUnknownConditionKeyFailsAtParse(t *testing.T) {
	_, err := Parse([]byte(`
name: demo
stages:
  - name: s
    when:
      brnch: main
    run: true
`))
	if err == nil {
		t.Fatal("misspelled condition key was accepted")
	}
}

func TestBuildNestedConditions(t *testing.T) {
	def := mustParse(t, `
name: demo
stages:
  - name: deploy
    when:
      all:
        - branch: main
        - not:
            env:
              key: SKIP_DEPLOY
              equals: "1"
    run: ./deploy
`)
	cond := def.FindStage("deploy").When
	if cond == nil || len(cond.All) != 2 {
		t.Fatalf("condition = %+v, want all with two children", cond)
	}
	if cond.All[1].Not == nil || cond.All[1].Not.Env == nil {
		t.Errorf("nested not/env condition not built: %+v", cond.All[1])
	}
}

func TestBuildArtifacts(t *testing.T) {
	def := mustParse(t, `
name: demo
stages:
  - name: test
    run: pytest
    artifacts:
      - kind: test-report
        path: reports/junit.xml
      - kind: coverage
        path: coverage/*.xml
`)
	specs := def.FindStage("test").Artifacts
	if len(specs) != 2 {
		t.Fatalf("got %d artifact specs, want 2", len(specs))
	}
	if specs[0].Kind != ArtifactTestReport || specs[1].Kind != ArtifactCoverage {
		t.Errorf("artifact kinds = %v %v", specs[0].Kind, specs[1].Kind)
	}

	err := parseErrCase(t, `
name: demo
stages:
  - name: test
    run: pytest
    artifacts:
      - kind: screenshot
        path: x.png
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("unknown kind: error %T, want *ConfigError", err)
	}
}

func TestBuildArtifactsOnCompositeRejected(t *testing.T) {
	err := parseErrCase(t, `
name: demo
stages:
  - name: group
    artifacts:
      - kind: coverage
        path: cov.xml
    stages:
      - name: child
        run: true
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}
}

func TestBuildPostHooks(t *testing.T) {
	def := mustParse(t, `
name: demo
stages:
  - name: build
    run: true
post:
  always:
    - name: cleanup
      run: make clean
  failure:
    - name: page
      run: ./page
`)
	if len(def.Post.Always) != 1 || def.Post.Always[0].ID != "post/always/cleanup" {
		t.Errorf("always hooks = %+v", def.Post.Always)
	}
	if len(def.Post.Failure) != 1 || def.Post.Failure[0].ID != "post/failure/page" {
		t.Errorf("failure hooks = %+v", def.Post.Failure)
	}
	if len(def.Post.Success) != 0 {
		t.Errorf("success hooks = %+v, want none", def.Post.Success)
	}
}

func TestBuildPostHooksMustBePlainCommands(t *testing.T) {
	err := parseErrCase(t, `
name: demo
stages:
  - name: build
    run: true
post:
  always:
    - name: nested
      stages:
        - name: inner
          run: true
`)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T, want *ConfigError", err)
	}
}

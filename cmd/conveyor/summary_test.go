// ABOUTME: Tests for the end-of-run summary rendering and the repeatable -env flag.
package main

import (
	"strings"
	"testing"
	"time"

	"github.com/2389-research/conveyor/pipeline"
)

func TestEnvFlags(t *testing.T) {
	var e envFlags
	if err := e.Set("KEY=value"); err != nil {
		t.Fatal(err)
	}
	if err := e.Set("URL=postgres://x?a=b"); err != nil {
		t.Fatal(err)
	}
	if err := e.Set("no-equals"); err == nil {
		t.Error("value without '=' accepted")
	}
	if len(e) != 2 || e.String() != "KEY=value,URL=postgres://x?a=b" {
		t.Errorf("flags = %v", e)
	}
}

func TestPrintSummary(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	buildDone := started.Add(3 * time.Second)
	testDone := started.Add(9 * time.Second)
	completed := started.Add(10 * time.Second)

	rec := &pipeline.RunRecord{
		ID:           "run-1",
		PipelineName: "demo",
		Branch:       "main",
		Status:       pipeline.RunFailed,
		StartedAt:    started,
		CompletedAt:  &completed,
		StageOrder:   []string{"build", "test", "deploy"},
		Stages: map[string]*pipeline.StageResult{
			"build": {StageID: "build", Status: pipeline.StatusSucceeded, StartedAt: &started, CompletedAt: &buildDone},
			"test": {StageID: "test", Status: pipeline.StatusFailed, ExitCode: 1,
				FailureReason: "exit code 1", StartedAt: &buildDone, CompletedAt: &testDone},
			"deploy": {StageID: "deploy", Status: pipeline.StatusSkipped},
		},
	}

	var sb strings.Builder
	printSummary(&sb, rec)
	out := sb.String()

	for _, want := range []string{"run-1", "demo @ main", "succeeded", "failed", "skipped", "exit code 1", "FAILED", "10s", "3s"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintSummaryMarksIgnoredFailures(t *testing.T) {
	rec := &pipeline.RunRecord{
		ID:           "run-1",
		PipelineName: "demo",
		Branch:       "main",
		Status:       pipeline.RunSucceeded,
		StartedAt:    time.Now().UTC(),
		StageOrder:   []string{"scan"},
		Stages: map[string]*pipeline.StageResult{
			"scan": {StageID: "scan", Status: pipeline.StatusFailed, Ignored: true},
		},
	}

	var sb strings.Builder
	printSummary(&sb, rec)
	if !strings.Contains(sb.String(), "failed*") {
		t.Errorf("ignored failure not marked:\n%s", sb.String())
	}
}

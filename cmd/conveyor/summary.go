// ABOUTME: Colored end-of-run summary table printed after CLI pipeline execution.
// ABOUTME: Shows per-stage status, duration, and failure reasons, then the overall run verdict.
package main

import (
	"fmt"
	"io"
	"time"

	"github.com/2389-research/conveyor/pipeline"
	"github.com/fatih/color"
)

var (
	greenText  = color.New(color.FgGreen).SprintFunc()
	redText    = color.New(color.FgRed).SprintFunc()
	yellowText = color.New(color.FgYellow).SprintFunc()
	dimText    = color.New(color.Faint).SprintFunc()
)

// printSummary writes a per-stage summary of the run followed by the overall
// verdict.
func printSummary(w io.Writer, rec *pipeline.RunRecord) {
	fmt.Fprintf(w, "\nRun %s (%s @ %s)\n", rec.ID, rec.PipelineName, rec.Branch)

	for _, stageID := range rec.StageOrder {
		res := rec.Stages[stageID]
		if res == nil {
			continue
		}
		line := fmt.Sprintf("  %-12s %-40s %s", stageStatusText(res), stageID, dimText(stageDuration(res)))
		if res.FailureReason != "" && res.Status == pipeline.StatusFailed {
			line += "  " + dimText(res.FailureReason)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintf(w, "\n%s in %s\n", runStatusText(rec), runDuration(rec))
}

func stageStatusText(res *pipeline.StageResult) string {
	switch res.Status {
	case pipeline.StatusSucceeded:
		return greenText("succeeded")
	case pipeline.StatusFailed:
		if res.Ignored {
			return yellowText("failed*")
		}
		return redText("failed")
	case pipeline.StatusSkipped:
		return dimText("skipped")
	case pipeline.StatusAborted:
		return yellowText("aborted")
	default:
		return string(res.Status)
	}
}

func runStatusText(rec *pipeline.RunRecord) string {
	switch rec.Status {
	case pipeline.RunSucceeded:
		return greenText("SUCCEEDED")
	case pipeline.RunFailed:
		return redText("FAILED")
	case pipeline.RunAborted:
		return yellowText("ABORTED")
	default:
		return string(rec.Status)
	}
}

func stageDuration(res *pipeline.StageResult) string {
	if res.StartedAt == nil || res.CompletedAt == nil {
		return ""
	}
	return res.CompletedAt.Sub(*res.StartedAt).Round(time.Millisecond).String()
}

func runDuration(rec *pipeline.RunRecord) string {
	end := time.Now()
	if rec.CompletedAt != nil {
		end = *rec.CompletedAt
	}
	return end.Sub(rec.StartedAt).Round(time.Millisecond).String()
}

// ABOUTME: Engine lifecycle events emitted during pipeline execution, plus filtering and tailing helpers.
// ABOUTME: Events flow to the optional callback and to the run state store's append-only event log.
package pipeline

import (
	"time"
)

// EventType identifies the kind of engine lifecycle event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunAborted   EventType = "run.aborted"

	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"
	EventStageSkipped   EventType = "stage.skipped"
	EventStageAborted   EventType = "stage.aborted"

	EventHookStarted   EventType = "hook.started"
	EventHookCompleted EventType = "hook.completed"
	EventHookFailed    EventType = "hook.failed"

	EventArtifactCollected EventType = "artifact.collected"
	EventArtifactFailed    EventType = "artifact.failed"
)

// Event is a lifecycle event emitted by the executor during a run.
type Event struct {
	Type      EventType      `json:"type"`
	StageID   string         `json:"stage_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventFilter specifies criteria for querying a run's event log.
type EventFilter struct {
	Types   []EventType // empty means all types
	StageID string      // empty means all stages
	Since   *time.Time  // events at or after this time
	Until   *time.Time  // events at or before this time
	Limit   int         // 0 means unlimited
	Offset  int         // skip first N results after filtering
}

// FilterEvents applies the filter to a slice of events, including pagination.
func FilterEvents(events []Event, filter EventFilter) []Event {
	matched := make([]Event, 0, len(events))
	for _, evt := range events {
		if !matchesFilter(evt, filter) {
			continue
		}
		matched = append(matched, evt)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Event{}
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// TailEvents returns the last n events, or all of them if fewer exist.
func TailEvents(events []Event, n int) []Event {
	if n <= 0 {
		return []Event{}
	}
	if n >= len(events) {
		return events
	}
	return events[len(events)-n:]
}

func matchesFilter(evt Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if evt.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.StageID != "" && evt.StageID != filter.StageID {
		return false
	}
	if filter.Since != nil && evt.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && evt.Timestamp.After(*filter.Until) {
		return false
	}
	return true
}

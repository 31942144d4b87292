// ABOUTME: RunStateStore interface for persisting run records, stage results, logs, events, and artifacts.
// ABOUTME: Also provides ULID-based run ID generation shared by every store implementation.
package pipeline

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunStateStore persists run state for observability and audit. The executor
// writes on every stage transition; log appends arrive concurrently from
// worker goroutines, so implementations must be safe for concurrent use.
type RunStateStore interface {
	CreateRun(rec *RunRecord) error
	UpdateRun(rec *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	ListRuns() ([]*RunRecord, error)

	SaveStageResult(runID string, res *StageResult) error

	// AppendLog appends one output line for a stage. Stream is "stdout" or "stderr".
	AppendLog(runID, stageID, stream, line string) error
	// TailLog returns the last n log lines for a stage, oldest first.
	// An empty stream matches both streams.
	TailLog(runID, stageID, stream string, n int) ([]string, error)

	AppendEvent(runID string, evt Event) error
	Events(runID string, filter EventFilter) ([]Event, error)

	SaveArtifact(runID string, art *Artifact) error
	Artifacts(runID string) ([]*Artifact, error)

	// Prune deletes runs whose start time is older than the given duration ago
	// and returns the number of runs removed.
	Prune(olderThan time.Duration) (int, error)

	Close() error
}

// NewRunID generates a new run ID as a lowercase ULID using crypto/rand
// entropy, sortable by creation time.
func NewRunID() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// nopStore is the store used when no persistence is configured.
type nopStore struct{}

func (nopStore) CreateRun(*RunRecord) error                            { return nil }
func (nopStore) UpdateRun(*RunRecord) error                            { return nil }
func (nopStore) GetRun(string) (*RunRecord, error)                     { return nil, nil }
func (nopStore) ListRuns() ([]*RunRecord, error)                       { return nil, nil }
func (nopStore) SaveStageResult(string, *StageResult) error            { return nil }
func (nopStore) AppendLog(string, string, string, string) error        { return nil }
func (nopStore) TailLog(string, string, string, int) ([]string, error) { return nil, nil }
func (nopStore) AppendEvent(string, Event) error                       { return nil }
func (nopStore) Events(string, EventFilter) ([]Event, error)           { return nil, nil }
func (nopStore) SaveArtifact(string, *Artifact) error                  { return nil }
func (nopStore) Artifacts(string) ([]*Artifact, error)                 { return nil, nil }
func (nopStore) Prune(time.Duration) (int, error)                      { return 0, nil }
func (nopStore) Close() error                                          { return nil }

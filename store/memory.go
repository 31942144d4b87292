// ABOUTME: In-memory RunStateStore for tests and ephemeral runs where persistence is not wanted.
// ABOUTME: Deep-copies records on write and read so stored state never aliases the executor's live record.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389-research/conveyor/pipeline"
)

type logLine struct {
	stream string
	line   string
}

// MemoryStore is a mutex-protected in-memory run state store.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]*pipeline.RunRecord
	logs      map[string][]logLine // key: runID + "\x00" + stageID
	events    map[string][]pipeline.Event
	artifacts map[string][]*pipeline.Artifact
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*pipeline.RunRecord),
		logs:      make(map[string][]logLine),
		events:    make(map[string][]pipeline.Event),
		artifacts: make(map[string][]*pipeline.Artifact),
	}
}

// CreateRun stores a copy of the record.
func (m *MemoryStore) CreateRun(rec *pipeline.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.ID]; exists {
		return fmt.Errorf("run %s already exists", rec.ID)
	}
	m.runs[rec.ID] = copyRun(rec)
	return nil
}

// UpdateRun replaces the stored record with a copy of the given one.
func (m *MemoryStore) UpdateRun(rec *pipeline.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.ID]; !exists {
		return fmt.Errorf("run %s not found", rec.ID)
	}
	m.runs[rec.ID] = copyRun(rec)
	return nil
}

// GetRun returns a copy of the stored record.
func (m *MemoryStore) GetRun(id string) (*pipeline.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return copyRun(rec), nil
}

// ListRuns returns copies of all runs, newest first.
func (m *MemoryStore) ListRuns() ([]*pipeline.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]*pipeline.RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		recs = append(recs, copyRun(rec))
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
	return recs, nil
}

// SaveStageResult stores a copy of one stage's result.
func (m *MemoryStore) SaveStageResult(runID string, res *pipeline.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	cp := *res
	rec.Stages[res.StageID] = &cp
	return nil
}

// AppendLog appends one output line for a stage.
func (m *MemoryStore) AppendLog(runID, stageID, stream, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runID + "\x00" + stageID
	m.logs[key] = append(m.logs[key], logLine{stream: stream, line: line})
	return nil
}

// TailLog returns the last n log lines for a stage, oldest first.
func (m *MemoryStore) TailLog(runID, stageID, stream string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	var lines []string
	for _, l := range m.logs[runID+"\x00"+stageID] {
		if stream != "" && l.stream != stream {
			continue
		}
		lines = append(lines, l.line)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// AppendEvent appends one lifecycle event.
func (m *MemoryStore) AppendEvent(runID string, evt pipeline.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[runID] = append(m.events[runID], evt)
	return nil
}

// Events returns the run's events, filtered, in append order.
func (m *MemoryStore) Events(runID string, filter pipeline.EventFilter) ([]pipeline.Event, error) {
	m.mu.Lock()
	events := make([]pipeline.Event, len(m.events[runID]))
	copy(events, m.events[runID])
	m.mu.Unlock()
	return pipeline.FilterEvents(events, filter), nil
}

// SaveArtifact records one collected artifact.
func (m *MemoryStore) SaveArtifact(runID string, art *pipeline.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *art
	m.artifacts[runID] = append(m.artifacts[runID], &cp)
	return nil
}

// Artifacts returns copies of the run's collected artifacts.
func (m *MemoryStore) Artifacts(runID string) ([]*pipeline.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	arts := make([]*pipeline.Artifact, 0, len(m.artifacts[runID]))
	for _, art := range m.artifacts[runID] {
		cp := *art
		arts = append(arts, &cp)
	}
	return arts, nil
}

// Prune removes runs started before the cutoff and returns how many were removed.
func (m *MemoryStore) Prune(olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for id, rec := range m.runs {
		if !rec.StartedAt.Before(cutoff) {
			continue
		}
		delete(m.runs, id)
		delete(m.events, id)
		delete(m.artifacts, id)
		for key := range m.logs {
			if len(key) > len(id) && key[:len(id)] == id && key[len(id)] == '\x00' {
				delete(m.logs, key)
			}
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func copyRun(rec *pipeline.RunRecord) *pipeline.RunRecord {
	cp := *rec
	cp.StageOrder = append([]string(nil), rec.StageOrder...)
	cp.Stages = make(map[string]*pipeline.StageResult, len(rec.Stages))
	for id, res := range rec.Stages {
		r := *res
		cp.Stages[id] = &r
	}
	return &cp
}

// ABOUTME: RunDirectory manages the per-run directory layout: stage logs, env files, and collected artifacts.
// ABOUTME: Stage IDs are path-like; they are sanitized into single filesystem path segments.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RunDirectory is the on-disk layout for a single pipeline run:
//
//	<base>/<runID>/stages/<stage>/stdout.log
//	<base>/<runID>/stages/<stage>/stderr.log
//	<base>/<runID>/stages/<stage>/env
//	<base>/<runID>/artifacts/<stage>/...
type RunDirectory struct {
	BaseDir string
	RunID   string
}

// NewRunDirectory creates the run directory structure at baseDir/runID.
func NewRunDirectory(baseDir, runID string) (*RunDirectory, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir must not be empty")
	}
	if runID == "" {
		return nil, fmt.Errorf("runID must not be empty")
	}

	rd := &RunDirectory{
		BaseDir: filepath.Join(baseDir, runID),
		RunID:   runID,
	}
	for _, sub := range []string{"stages", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(rd.BaseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating run directory structure: %w", err)
		}
	}
	return rd, nil
}

// StageDir returns the directory holding a stage's logs and env file.
func (rd *RunDirectory) StageDir(stageID string) string {
	return filepath.Join(rd.BaseDir, "stages", sanitizeStageID(stageID))
}

// EnsureStageDir creates the directory for a stage if it doesn't exist.
func (rd *RunDirectory) EnsureStageDir(stageID string) error {
	if stageID == "" {
		return fmt.Errorf("stageID must not be empty")
	}
	return os.MkdirAll(rd.StageDir(stageID), 0o755)
}

// StdoutPath returns the stdout log path for a stage.
func (rd *RunDirectory) StdoutPath(stageID string) string {
	return filepath.Join(rd.StageDir(stageID), "stdout.log")
}

// StderrPath returns the stderr log path for a stage.
func (rd *RunDirectory) StderrPath(stageID string) string {
	return filepath.Join(rd.StageDir(stageID), "stderr.log")
}

// EnvFilePath returns the path stages write published KEY=VALUE pairs to.
func (rd *RunDirectory) EnvFilePath(stageID string) string {
	return filepath.Join(rd.StageDir(stageID), "env")
}

// ArtifactDir returns the directory collected artifacts for a stage land in.
func (rd *RunDirectory) ArtifactDir(stageID string) string {
	return filepath.Join(rd.BaseDir, "artifacts", sanitizeStageID(stageID))
}

// Remove deletes the whole run directory. Used by workspace cleanup hooks.
func (rd *RunDirectory) Remove() error {
	return os.RemoveAll(rd.BaseDir)
}

// sanitizeStageID flattens a path-like stage ID into a single safe path
// segment so IDs like "security/bandit" cannot traverse directories.
func sanitizeStageID(id string) string {
	r := strings.NewReplacer("/", "__", "\\", "__", "..", "_", string(os.PathSeparator), "__")
	return r.Replace(id)
}

// ABOUTME: Artifact collection: harvests declared stage outputs (reports, coverage) into the run directory.
// ABOUTME: Collection happens on every terminal non-Skipped stage so failed test reports stay available for diagnosis.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Artifact records one collected stage output.
type Artifact struct {
	ID          string       `json:"id"`
	StageID     string       `json:"stage_id"`
	Kind        ArtifactKind `json:"kind"`
	// SourcePath is where the stage produced the file, relative to its workdir.
	SourcePath string `json:"source_path"`
	// StoredPath is the collected copy inside the run directory.
	StoredPath  string    `json:"stored_path"`
	SizeBytes   int64     `json:"size_bytes"`
	CollectedAt time.Time `json:"collected_at"`
}

// Collector copies declared stage outputs into the run directory and
// produces Artifact records for the state store.
type Collector struct {
	rundir    *RunDirectory
	workspace string
}

// NewCollector creates a Collector harvesting from the given workspace into
// the run directory.
func NewCollector(rundir *RunDirectory, workspace string) *Collector {
	return &Collector{rundir: rundir, workspace: workspace}
}

// Collect gathers every artifact the stage declares. Glob patterns that match
// nothing are not an error: a stage that died before producing its report
// simply yields fewer artifacts.
func (c *Collector) Collect(stage *StageNode) ([]*Artifact, error) {
	if len(stage.Artifacts) == 0 {
		return nil, nil
	}

	base := c.workspace
	if stage.Workdir != "" {
		base = filepath.Join(base, stage.Workdir)
	}

	var collected []*Artifact
	for _, spec := range stage.Artifacts {
		matches, err := filepath.Glob(filepath.Join(base, spec.Path))
		if err != nil {
			return collected, fmt.Errorf("artifact pattern %q for stage %q: %w", spec.Path, stage.ID, err)
		}
		for _, match := range matches {
			art, err := c.collectFile(stage, spec, base, match)
			if err != nil {
				return collected, err
			}
			if art != nil {
				collected = append(collected, art)
			}
		}
	}
	return collected, nil
}

func (c *Collector) collectFile(stage *StageNode, spec ArtifactSpec, base, match string) (*Artifact, error) {
	info, err := os.Stat(match)
	if err != nil || info.IsDir() {
		return nil, nil
	}

	rel, err := filepath.Rel(base, match)
	if err != nil {
		rel = filepath.Base(match)
	}

	destDir := c.rundir.ArtifactDir(stage.ID)
	dest := filepath.Join(destDir, filepath.Base(match))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir for stage %q: %w", stage.ID, err)
	}
	if err := copyFile(match, dest); err != nil {
		return nil, fmt.Errorf("collecting artifact %q for stage %q: %w", match, stage.ID, err)
	}

	return &Artifact{
		ID:          uuid.NewString(),
		StageID:     stage.ID,
		Kind:        spec.Kind,
		SourcePath:  rel,
		StoredPath:  dest,
		SizeBytes:   info.Size(),
		CollectedAt: time.Now().UTC(),
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

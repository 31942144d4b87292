// ABOUTME: YAML parsing for pipeline definitions with strict field checking.
// ABOUTME: Produces the raw definition consumed by the builder; syntax errors surface as ParseError.
package pipeline

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// rawPipeline mirrors the YAML document shape before validation.
type rawPipeline struct {
	Name        string               `yaml:"name"`
	Environment map[string]string    `yaml:"environment"`
	Templates   map[string]*rawStage `yaml:"templates"`
	Stages      []*rawStage          `yaml:"stages"`
	Post        rawPost              `yaml:"post"`
}

// rawStage mirrors one stage entry. Exactly one of run/steps/parallel/stages/use
// must be set; the builder enforces this.
type rawStage struct {
	Name            string            `yaml:"name"`
	Run             string            `yaml:"run"`
	Steps           []string          `yaml:"steps"`
	Parallel        []*rawStage       `yaml:"parallel"`
	Stages          []*rawStage       `yaml:"stages"`
	Use             string            `yaml:"use"`
	When            *rawCondition     `yaml:"when"`
	Env             map[string]string `yaml:"env"`
	Workdir         string            `yaml:"workdir"`
	Timeout         string            `yaml:"timeout"`
	ContinueOnError bool              `yaml:"continue_on_error"`
	Artifacts       []rawArtifact     `yaml:"artifacts"`
}

// rawCondition mirrors a when block. Exactly one field may be set.
type rawCondition struct {
	Branch string           `yaml:"branch"`
	Env    *rawEnvCondition `yaml:"env"`
	All    []*rawCondition  `yaml:"all"`
	Any    []*rawCondition  `yaml:"any"`
	Not    *rawCondition    `yaml:"not"`
}

type rawEnvCondition struct {
	Key    string `yaml:"key"`
	Equals string `yaml:"equals"`
}

type rawArtifact struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

type rawPost struct {
	Always  []*rawStage `yaml:"always"`
	Success []*rawStage `yaml:"success"`
	Failure []*rawStage `yaml:"failure"`
}

// decodeDefinition unmarshals YAML with strict field checking so unknown keys
// (misspelled condition kinds included) fail at parse time rather than
// defaulting silently at evaluation time.
func decodeDefinition(data []byte) (*rawPipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw rawPipeline
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Msg: "empty pipeline definition"}
		}
		return nil, &ParseError{Msg: "invalid YAML", Err: err}
	}
	return &raw, nil
}

// Parse parses and validates a pipeline definition from YAML source.
func Parse(data []byte) (*PipelineDefinition, error) {
	raw, err := decodeDefinition(data)
	if err != nil {
		return nil, err
	}
	return build(raw)
}

// Load reads and parses a pipeline definition file.
func Load(path string) (*PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Msg: "reading pipeline file", Err: err}
	}
	return Parse(data)
}

// ABOUTME: Typed errors for the build-time taxonomy: ParseError, ConfigError, CycleError.
// ABOUTME: All three surface before any stage is dispatched; a run never starts on a bad graph.
package pipeline

import (
	"fmt"
	"strings"
)

// ParseError reports malformed pipeline source (YAML syntax, wrong shapes).
type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("parse error: %s", e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConfigError reports a structurally valid but semantically invalid stage:
// duplicate names, conflicting children/steps, unknown condition keys.
type ConfigError struct {
	Stage string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("config error: %s", e.Msg)
	}
	return fmt.Sprintf("config error: stage %q: %s", e.Stage, e.Msg)
}

// CycleError reports a cyclic template reference discovered during expansion.
type CycleError struct {
	// Chain is the template reference path that closed the cycle.
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in template references: %s", strings.Join(e.Chain, " -> "))
}

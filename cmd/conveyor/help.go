// ABOUTME: Help display for the conveyor CLI with grouped flags and examples.
// ABOUTME: Provides printHelp for usage output shared by -help and the bare invocation.
package main

import (
	"fmt"
	"io"
)

// printHelp writes a formatted help message to w, including usage patterns,
// grouped flags, and examples.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "conveyor %s - stage-tree pipeline runner\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  conveyor -branch <branch> <pipeline.yaml>   Run a pipeline")
	fmt.Fprintln(w, "  conveyor -validate <pipeline.yaml>          Validate without executing")
	fmt.Fprintln(w, "  conveyor -server [-addr 127.0.0.1:8712]     Start HTTP API server")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Run Flags:")
	fmt.Fprintln(w, "  -branch <name>        Branch the run is evaluated against (required)")
	fmt.Fprintln(w, "  -commit <sha>         Commit under test")
	fmt.Fprintln(w, "  -env KEY=VALUE        Extra run environment (repeatable)")
	fmt.Fprintln(w, "  -workspace <dir>      Working directory stages run in (default: current directory)")
	fmt.Fprintln(w, "  -max-workers <n>      Bound concurrently running stages (default: unbounded)")
	fmt.Fprintln(w, "  -data-dir <dir>       Persistent state directory (default: $XDG_DATA_HOME/conveyor)")
	fmt.Fprintln(w, "  -verbose              Print every engine event")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Server Flags:")
	fmt.Fprintln(w, "  -server               Start HTTP server mode")
	fmt.Fprintln(w, "  -addr <addr>          Listen address (default: 127.0.0.1:8712)")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -validate             Validate pipeline without executing")
	fmt.Fprintln(w, "  -prune <days>         Delete runs older than <days> and exit")
	fmt.Fprintln(w, "  -version              Print version and exit")
	fmt.Fprintln(w, "  -help                 Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  conveyor -branch main ci.yaml")
	fmt.Fprintln(w, "  conveyor -branch feature/login -env DEPLOY_TARGET=staging ci.yaml")
	fmt.Fprintln(w, "  conveyor -validate ci.yaml")
	fmt.Fprintln(w, "  conveyor -server -addr 0.0.0.0:8712")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Docs: https://github.com/2389-research/conveyor")
}

// ABOUTME: CLI entrypoint for the conveyor pipeline runner with run, validate, server, and prune modes.
// ABOUTME: Wires together the executor, SQLite run state store, Slack notifications, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/2389-research/conveyor/pipeline"
	"github.com/2389-research/conveyor/server"
	"github.com/2389-research/conveyor/store"
)

var version = "dev"

// envFlags collects repeatable -env KEY=VALUE flags.
type envFlags []string

func (e *envFlags) String() string { return strings.Join(*e, ",") }

func (e *envFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	*e = append(*e, v)
	return nil
}

// config holds all CLI configuration parsed from flags and positional arguments.
type config struct {
	serverMode   bool
	addr         string
	validateOnly bool
	branch       string
	commit       string
	env          envFlags
	workspace    string
	dataDir      string
	maxWorkers   int
	pruneDays    int
	verbose      bool
	showVersion  bool
	pipelineFile string
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("conveyor %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("conveyor", flag.ContinueOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start HTTP server mode")
	fs.StringVar(&cfg.addr, "addr", "", "Server listen address (default: 127.0.0.1:8712)")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate pipeline without executing")
	fs.StringVar(&cfg.branch, "branch", "", "Branch the run is evaluated against")
	fs.StringVar(&cfg.commit, "commit", "", "Commit under test")
	fs.Var(&cfg.env, "env", "Extra run environment as KEY=VALUE (repeatable)")
	fs.StringVar(&cfg.workspace, "workspace", "", "Working directory stages run in (default: current directory)")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory for persistent state (default: $XDG_DATA_HOME/conveyor)")
	fs.IntVar(&cfg.maxWorkers, "max-workers", 0, "Bound concurrently running stages (default: unbounded)")
	fs.IntVar(&cfg.pruneDays, "prune", 0, "Delete runs older than this many days and exit")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Print every engine event")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if fs.NArg() > 0 {
		cfg.pipelineFile = fs.Arg(0)
	}

	return cfg
}

// run dispatches to the appropriate mode based on the config.
// Returns an exit code: 0 for success, 1 for failure.
func run(cfg config) int {
	if cfg.serverMode {
		return runServer(cfg)
	}

	if cfg.pruneDays > 0 {
		return runPrune(cfg)
	}

	if cfg.pipelineFile == "" {
		printHelp(os.Stderr, version)
		return 0
	}

	if cfg.validateOnly {
		return validatePipeline(cfg)
	}

	if cfg.branch == "" {
		fmt.Fprintln(os.Stderr, "error: -branch is required to run a pipeline")
		return 2
	}

	return runPipeline(cfg)
}

// validatePipeline parses the definition and reports its shape without
// executing anything.
func validatePipeline(cfg config) int {
	def, err := pipeline.Load(cfg.pipelineFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Printf("%s: pipeline %q is valid\n", cfg.pipelineFile, def.Name)
	for _, n := range def.Leaves() {
		fmt.Printf("  %s\n", n.ID)
	}
	return 0
}

// runPipeline executes a pipeline definition and prints a colored summary.
func runPipeline(cfg config) int {
	def, err := pipeline.Load(cfg.pipelineFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	envMap := make(map[string]string, len(cfg.env))
	for _, pair := range cfg.env {
		key, value, _ := strings.Cut(pair, "=")
		envMap[key] = value
	}
	rc := pipeline.NewRunContext(cfg.branch, cfg.commit, envMap)

	dataDir, err := resolveDataDir(cfg.dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not resolve data dir: %v\n", err)
	}

	var runStore pipeline.RunStateStore
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not create data dir: %v\n", err)
		} else if st, err := store.OpenSqlite(filepath.Join(dataDir, "conveyor.db")); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open run state store: %v\n", err)
		} else {
			runStore = st
			defer func() { _ = st.Close() }()
		}
	}

	execCfg := pipeline.ExecutorConfig{
		Runner:     pipeline.NewLocalRunner(),
		Store:      runStore,
		MaxWorkers: cfg.maxWorkers,
		Workspace:  cfg.workspace,
		RunsDir:    filepath.Join(dataDir, "runs"),
		RunID:      pipeline.NewRunID(),
		Notifier:   buildNotifier(),
	}
	if cfg.verbose {
		execCfg.EventHandler = verboseEventHandler
	}

	// Set up context with signal handling for graceful cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, aborting run...")
		cancel()
	}()

	rec, err := pipeline.NewExecutor(execCfg).Execute(ctx, def, rc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	printSummary(os.Stdout, rec)

	if rec.Status == pipeline.RunSucceeded {
		return 0
	}
	return 1
}

// runPrune deletes runs older than the retention window and exits.
func runPrune(cfg config) int {
	dataDir, err := resolveDataDir(cfg.dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	st, err := store.OpenSqlite(filepath.Join(dataDir, "conveyor.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	removed, err := st.Prune(time.Duration(cfg.pruneDays) * 24 * time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Printf("pruned %d run(s) older than %d day(s)\n", removed, cfg.pruneDays)
	return 0
}

// runServer starts the HTTP API server. Flags override the corresponding
// environment-based settings.
func runServer(cfg config) int {
	srvCfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if cfg.addr != "" {
		srvCfg.Addr = cfg.addr
	}
	if cfg.dataDir != "" {
		srvCfg.DataDir = cfg.dataDir
	}
	if cfg.workspace != "" {
		srvCfg.Workspace = cfg.workspace
	}
	if cfg.maxWorkers > 0 {
		srvCfg.MaxWorkers = cfg.maxWorkers
	}

	if err := os.MkdirAll(srvCfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create data dir: %v\n", err)
		return 1
	}
	st, err := store.OpenSqlite(filepath.Join(srvCfg.DataDir, "conveyor.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open run state store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	if srvCfg.RetentionDays > 0 {
		removed, err := st.Prune(time.Duration(srvCfg.RetentionDays) * 24 * time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: prune on startup: %v\n", err)
		} else if removed > 0 {
			fmt.Fprintf(os.Stderr, "pruned %d run(s) past retention\n", removed)
		}
	}

	var notifier pipeline.Notifier
	if srvCfg.SlackToken != "" && srvCfg.SlackChannel != "" {
		n, err := pipeline.NewSlackNotifier(srvCfg.SlackToken, srvCfg.SlackChannel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: slack notifier disabled: %v\n", err)
		} else {
			notifier = n
		}
	}

	srv := server.NewServer(srvCfg, st, pipeline.NewLocalRunner(), notifier)

	fmt.Printf("conveyor %s listening on http://%s\n", version, srvCfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// buildNotifier wires Slack notifications for CLI runs when credentials are
// present in the environment.
func buildNotifier() pipeline.Notifier {
	token := os.Getenv("CONVEYOR_SLACK_TOKEN")
	channel := os.Getenv("CONVEYOR_SLACK_CHANNEL")
	if token == "" || channel == "" {
		return nil
	}
	n, err := pipeline.NewSlackNotifier(token, channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: slack notifier disabled: %v\n", err)
		return nil
	}
	return n
}

// verboseEventHandler prints every engine event to stderr.
func verboseEventHandler(evt pipeline.Event) {
	if evt.StageID != "" {
		fmt.Fprintf(os.Stderr, "%s %-18s %s\n", evt.Timestamp.Format("15:04:05"), evt.Type, evt.StageID)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", evt.Timestamp.Format("15:04:05"), evt.Type)
}

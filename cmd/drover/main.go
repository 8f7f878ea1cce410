package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/drover/internal/api"
	"github.com/mattjoyce/drover/internal/batch"
	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/dispatch"
	"github.com/mattjoyce/drover/internal/doctor"
	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/journal"
	"github.com/mattjoyce/drover/internal/lock"
	"github.com/mattjoyce/drover/internal/log"
	"github.com/mattjoyce/drover/internal/storage"
	"github.com/mattjoyce/drover/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runRun(args)
	case "ping":
		if hasHelpFlag(args) {
			printPingHelp()
			return 0
		}
		return runPing(args)
	case "config":
		return runConfigNoun(args)
	case "journal":
		return runJournalNoun(args)
	case "doctor": // alias for config check
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runJournalNoun(args []string) int {
	if len(args) < 1 {
		printJournalNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJournalNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printJournalInspectHelp()
			return 0
		}
		return runJournalInspect(actionArgs)
	case "prune":
		if hasHelpFlag(actionArgs) {
			printJournalPruneHelp()
			return 0
		}
		return runJournalPrune(actionArgs)
	case "help":
		printJournalNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal action: %s\n", action)
		return 1
	}
}

// --- ACTION IMPLEMENTATIONS ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	targetsCSV := fs.String("targets", "", "Comma-separated target names (default: all)")
	command := fs.String("command", "", "Command template (placeholders: ${target}, ${login})")
	script := fs.String("script", "", "Read the command template from a file")
	watchTUI := fs.Bool("watch", false, "Show the live watch TUI while the run executes")
	jsonOut := fs.Bool("json", false, "Emit one JSON object per result instead of text")
	noJournal := fs.Bool("no-journal", false, "Skip journalling this run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *command != "" && *script != "" {
		fmt.Fprintln(os.Stderr, "use only one of --command or --script")
		return 1
	}
	if *script != "" {
		data, err := os.ReadFile(*script)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read script: %v\n", err)
			return 1
		}
		*command = string(data)
	}
	if *watchTUI && *jsonOut {
		fmt.Fprintln(os.Stderr, "use only one of --watch or --json")
		return 1
	}

	opts := batch.RunOptions{
		Command: *command,
		Targets: splitCSV(*targetsCSV),
	}
	return executeBatch(*configPath, opts, *watchTUI, *jsonOut, *noJournal)
}

func runPing(args []string) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	targetsCSV := fs.String("targets", "", "Comma-separated target names (default: all)")
	watchTUI := fs.Bool("watch", false, "Show the live watch TUI while the run executes")
	jsonOut := fs.Bool("json", false, "Emit one JSON object per result instead of text")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	opts := batch.RunOptions{
		Targets:        splitCSV(*targetsCSV),
		ClientOverride: "tnsping",
	}
	return executeBatch(*configPath, opts, *watchTUI, *jsonOut, true)
}

// executeBatch is the shared run path behind `run` and `ping`: lock, journal,
// events hub, optional API server and watch TUI around one batch execution.
func executeBatch(configPath string, opts batch.RunOptions, watchTUI, jsonOut, noJournal bool) int {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logFormat := cfg.Service.LogFormat
	if watchTUI {
		// The TUI owns the terminal; structured logs would tear it.
		logFormat = "json"
	}
	log.Setup(cfg.Service.LogLevel, logFormat)
	logger := log.WithComponent("main")
	logger.Info("drover starting", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var recorder batch.Recorder
	if !noJournal {
		pidLock, err := lock.AcquirePIDLock(journalLockPath(cfg))
		if err != nil {
			logger.Error("failed to acquire lock (another run may be active)", "error", err)
			return 1
		}
		defer pidLock.Release()

		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal database", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer db.Close()

		jrnl := journal.New(db)
		if err := jrnl.Prune(ctx, cfg.Journal.Retention); err != nil {
			logger.Warn("journal prune failed", "error", err)
		}
		recorder = jrnl
	}

	hub := events.NewHub(256)
	b := batch.New(cfg, recorder, hub)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	sink := textSink(os.Stdout)
	if jsonOut {
		sink = jsonSink(os.Stdout)
	}
	if watchTUI {
		sink = nil // the TUI renders results from the event stream
	}

	if watchTUI {
		return executeBatchWithTUI(ctx, cancel, b, hub, opts, logger)
	}

	summary, err := b.Run(ctx, opts, sink)
	if err != nil {
		logger.Error("run failed", "error", err)
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}
	printSummary(summary)
	if summary.Failed > 0 {
		return 1
	}
	return 0
}

func executeBatchWithTUI(ctx context.Context, cancel context.CancelFunc, b *batch.Batch, hub *events.Hub, opts batch.RunOptions, logger *slog.Logger) int {
	type runOutcome struct {
		summary *batch.Summary
		err     error
	}
	outcomeCh := make(chan runOutcome, 1)

	p := tea.NewProgram(watch.New(hub))

	go func() {
		summary, err := b.Run(ctx, opts, nil)
		outcomeCh <- runOutcome{summary, err}
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		cancel()
	}
	// Quitting the TUI mid-run cancels the run.
	cancel()

	outcome := <-outcomeCh
	if outcome.err != nil {
		logger.Error("run failed", "error", outcome.err)
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", outcome.err)
		return 1
	}
	printSummary(outcome.summary)
	if outcome.summary.Failed > 0 {
		return 1
	}
	return 0
}

func textSink(w *os.File) func(dispatch.JobResult) {
	return func(res dispatch.JobResult) {
		elapsed := res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond)
		switch {
		case res.Stalled:
			fmt.Fprintf(w, "STALL  %-20s attempt %d requeued after %s\n", res.Target, res.Attempt, elapsed)
		case res.Succeeded:
			fmt.Fprintf(w, "OK     %-20s attempt %d in %s\n", res.Target, res.Attempt, elapsed)
		default:
			fmt.Fprintf(w, "FAIL   %-20s attempt %d in %s\n", res.Target, res.Attempt, elapsed)
			if res.ErrorLine != "" {
				fmt.Fprintf(w, "       %s\n", res.ErrorLine)
			}
		}
	}
}

func jsonSink(w *os.File) func(dispatch.JobResult) {
	enc := json.NewEncoder(w)
	return func(res dispatch.JobResult) {
		_ = enc.Encode(res)
	}
}

func printSummary(s *batch.Summary) {
	fmt.Printf("\n%d targets: %d succeeded, %d failed, %d stalls", s.Targets, s.Succeeded, s.Failed, s.Stalls)
	if s.RunID != "" {
		fmt.Printf("  (run %s)", s.RunID)
	}
	fmt.Println()
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output validation result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

func runJournalInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: drover journal inspect <run-id> [--config PATH] [--json]")
		return 1
	}
	runID := fs.Arg(0)

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal database: %v\n", err)
		return 1
	}
	defer db.Close()

	jrnl := journal.New(db)
	var report string
	if *jsonOut {
		report, err = jrnl.BuildJSONReport(ctx, runID)
	} else {
		report, err = jrnl.BuildReport(ctx, runID)
	}
	if err != nil {
		if errors.Is(err, journal.ErrRunNotFound) {
			fmt.Fprintf(os.Stderr, "Run not found: %s\n", runID)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to build report: %v\n", err)
		}
		return 1
	}
	fmt.Print(report)
	return 0
}

func runJournalPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	retention := fs.Duration("retention", 0, "Override configured retention (e.g. 168h)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	keep := cfg.Journal.Retention
	if *retention > 0 {
		keep = *retention
	}
	if keep <= 0 {
		fmt.Fprintln(os.Stderr, "No retention configured; nothing to prune.")
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal database: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := journal.New(db).Prune(ctx, keep); err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		return 1
	}
	fmt.Printf("Pruned runs older than %s\n", keep)
	return 0
}

// --- HELPERS ---

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func journalLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Journal.Path), "drover.lock")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("drover %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		if len(resolvedCommit) > 12 {
			resolvedCommit = resolvedCommit[:12]
		}
		info.Commit = resolvedCommit
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, resolvedBuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- HELP TEXT ---

func printUsage() {
	fmt.Print(`drover - Bounded parallel dispatcher for database client operations

Usage:
  drover <command> [flags]

Run Commands:
  run        Execute a command across targets via their configured clients
  ping       Connectivity sweep of all targets via tnsping

Config Commands:
  config check   Validate configuration (clients, targets, timings)
  config show    Show full resolved configuration

Journal Commands:
  journal inspect <run-id>   Show the journalled report of a past run
  journal prune              Delete journalled runs past retention

General:
  version    Show version information
  help       Show this help message

Use 'drover <command> --help' for command-specific flags.
`)
}

func printRunHelp() {
	fmt.Println("Usage: drover run [--config PATH] [--targets a,b] (--command TEXT | --script FILE) [--watch | --json] [--no-journal]")
	fmt.Println()
	fmt.Println("Execute one command template across the selected targets, bounded by the")
	fmt.Println("configured parallelism. Units whose output stops changing for the stall")
	fmt.Println("timeout are terminated and requeued at the back of the queue.")
	fmt.Println()
	fmt.Println("Placeholders in the command template: ${target}, ${login}.")
	fmt.Println("Per-target command overrides in config take precedence over --command.")
}

func printPingHelp() {
	fmt.Println("Usage: drover ping [--config PATH] [--targets a,b] [--watch | --json]")
	fmt.Println("Run a connectivity check of every selected target through tnsping.")
	fmt.Println("Ping runs are not journalled.")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show")
}

func printJournalNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover journal <action> [flags]")
	fmt.Fprintln(w, "Actions: inspect, prune")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: drover config check [--config PATH] [--json]")
	fmt.Println("Validate configuration: dispatcher timings, targets, client binaries, journal.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printConfigShowHelp() {
	fmt.Println("Usage: drover config show [--config PATH] [--json]")
	fmt.Println("Show the full resolved configuration (defaults applied, env expanded).")
}

func printJournalInspectHelp() {
	fmt.Println("Usage: drover journal inspect <run-id> [--config PATH] [--json]")
	fmt.Println("Show the journalled per-target report of one past run.")
}

func printJournalPruneHelp() {
	fmt.Println("Usage: drover journal prune [--config PATH] [--retention DUR]")
	fmt.Println("Delete journalled runs older than the retention window.")
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pgops/cloudsql-migrate/internal/batch"
	"github.com/pgops/cloudsql-migrate/internal/config"
	"github.com/pgops/cloudsql-migrate/internal/conn"
	"github.com/pgops/cloudsql-migrate/internal/dbops"
	"github.com/pgops/cloudsql-migrate/internal/exitcodes"
	"github.com/pgops/cloudsql-migrate/internal/history"
	"github.com/pgops/cloudsql-migrate/internal/inventory"
	"github.com/pgops/cloudsql-migrate/internal/logging"
	"github.com/pgops/cloudsql-migrate/internal/mapping"
	"github.com/pgops/cloudsql-migrate/internal/notify"
	"github.com/pgops/cloudsql-migrate/internal/progress"
	"github.com/pgops/cloudsql-migrate/internal/tui"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "cloudsql-migrate",
		Usage:   "Cloud SQL PostgreSQL migration orchestration",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Explicit run ID (default: auto-generated UUID)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Logs move to stderr so the JSON result owns stdout
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return runInteractive(c)
			}
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Migrate one source instance to one target instance",
				Action: runSingle,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "databases",
						Usage: "Comma-separated database list (default: discover all user databases)",
					},
					&cli.BoolFlag{Name: "dry-run", Usage: "Validate and estimate without moving data"},
					&cli.BoolFlag{Name: "schema-only", Usage: "Migrate schema only"},
					&cli.BoolFlag{Name: "data-only", Usage: "Migrate data only"},
					&cli.BoolFlag{Name: "clean", Usage: "Drop existing objects on the target before restore"},
					&cli.IntFlag{Name: "jobs", Usage: "pg_restore parallel jobs"},
				},
			},
			{
				Name:   "batch",
				Usage:  "Execute a multi-instance migration from a mapping file",
				Action: runBatchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "mapping",
						Aliases:  []string{"m"},
						Required: true,
						Usage:    "Path to the mapping YAML file",
					},
					&cli.BoolFlag{Name: "dry-run", Usage: "Validate and estimate without moving data"},
				},
			},
			{
				Name:   "estimate",
				Usage:  "Print the duration estimate for a migration without running it",
				Action: showEstimate,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "databases",
						Usage: "Comma-separated database list (default: all user databases)",
					},
				},
			},
			{
				Name:   "databases",
				Usage:  "List user databases on the source (or target) instance",
				Action: listDatabases,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "target", Usage: "List the target instance instead"},
				},
			},
			{
				Name:   "instances",
				Usage:  "List Cloud SQL instances in the configured project",
				Action: listInstances,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "access-token",
						Usage:   "OAuth2 access token (default: application default credentials)",
						EnvVars: []string{"CLOUDSQL_MIGRATE_ACCESS_TOKEN"},
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the most recent batch run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output status as JSON"},
				},
			},
			{
				Name:   "history",
				Usage:  "List past batch runs, or view details of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Show details for a specific run ID"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of runs to list"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

// engine bundles the wired components behind every command.
type engine struct {
	cfg   *config.Config
	conns *conn.Manager
	ops   *dbops.Operations
	coord *batch.Coordinator
	store *history.Store
	slack *notify.Notifier
}

func newEngine(c *cli.Context) (*engine, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := ensurePassword(cfg); err != nil {
		return nil, err
	}

	conns := conn.NewManager(cfg)
	ops := dbops.New(cfg, conns)
	runner := batch.NewRunner(cfg, conns, ops)

	dataDir, err := config.DefaultDataDir()
	if err != nil {
		return nil, fmt.Errorf("preparing data directory: %w", err)
	}
	store, err := history.New(dataDir)
	if err != nil {
		return nil, err
	}

	return &engine{
		cfg:   cfg,
		conns: conns,
		ops:   ops,
		coord: batch.NewCoordinator(cfg, runner),
		store: store,
		slack: notify.New(&cfg.Slack),
	}, nil
}

func (e *engine) Close() {
	e.conns.CloseAll()
	e.store.Close()
}

// ensurePassword prompts for a credential when none is configured and stdin
// is a terminal. Headless runs must configure passwords up front.
func ensurePassword(cfg *config.Config) error {
	hasAny := cfg.Source.Password != "" || cfg.Target.Password != "" ||
		cfg.Credentials.SourcePassword != "" || cfg.Credentials.TargetPassword != "" ||
		cfg.Credentials.DefaultPassword != ""
	if hasAny {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil // let connection resolution produce the classified error
	}

	fmt.Fprint(os.Stderr, "Database password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	cfg.Credentials.DefaultPassword = strings.TrimSpace(string(raw))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Letting running units finish cancellation...")
		cancel()
	}()

	return ctx, cancel
}

func sourceDescriptor(cfg *config.Config) conn.Descriptor {
	return conn.Descriptor{
		Project:  cfg.Source.Project,
		Instance: cfg.Source.Instance,
		Database: cfg.Source.Database,
		Role:     conn.RoleSource,
		IP:       cfg.Source.IP,
		User:     cfg.Source.User,
		Password: cfg.Source.Password,
	}
}

func targetDescriptor(cfg *config.Config) conn.Descriptor {
	return conn.Descriptor{
		Project:  cfg.Target.Project,
		Instance: cfg.Target.Instance,
		Database: cfg.Target.Database,
		Role:     conn.RoleTarget,
		IP:       cfg.Target.IP,
		User:     cfg.Target.User,
		Password: cfg.Target.Password,
	}
}

func unitOptions(cfg *config.Config, c *cli.Context) mapping.UnitOptions {
	opts := mapping.UnitOptions{
		SchemaOnly:    cfg.Migration.SchemaOnly,
		DataOnly:      cfg.Migration.DataOnly,
		UseClean:      cfg.Migration.UseClean,
		RetryAttempts: cfg.Migration.RetryAttempts,
		Jobs:          cfg.Migration.Jobs,
	}
	if c.Bool("dry-run") {
		opts.DryRun = true
	}
	if c.Bool("schema-only") {
		opts.SchemaOnly = true
	}
	if c.Bool("data-only") {
		opts.DataOnly = true
	}
	if c.Bool("clean") {
		opts.UseClean = true
	}
	if c.IsSet("jobs") {
		opts.Jobs = c.Int("jobs")
	}
	return opts
}

func splitFlagList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func runSingle(c *cli.Context) error {
	eng, err := newEngine(c)
	if err != nil {
		return err
	}
	defer eng.Close()

	unit := mapping.Unit{
		Source:  sourceDescriptor(eng.cfg),
		Target:  targetDescriptor(eng.cfg),
		Options: unitOptions(eng.cfg, c),
	}
	for _, db := range splitFlagList(c.String("databases")) {
		unit.Databases = append(unit.Databases, mapping.DatabasePair{Source: db, Target: db})
	}

	return executeUnits(c, eng, string(mapping.StrategySimple), []mapping.Unit{unit})
}

func runBatchCommand(c *cli.Context) error {
	eng, err := newEngine(c)
	if err != nil {
		return err
	}
	defer eng.Close()

	req, err := loadMappingFile(c.String("mapping"), eng.cfg)
	if err != nil {
		return err
	}
	req.Options = unitOptions(eng.cfg, c)

	units, err := mapping.Resolve(req)
	if err != nil {
		return err
	}
	return executeUnits(c, eng, string(req.Strategy), units)
}

func runInteractive(c *cli.Context) error {
	answers, err := tui.Run()
	if err != nil {
		return err
	}
	if !answers.Confirmed {
		return nil
	}

	eng, err := newEngine(c)
	if err != nil {
		return err
	}
	defer eng.Close()

	src := sourceDescriptor(eng.cfg)
	tgt := targetDescriptor(eng.cfg)
	if answers.SourceInstance != "" {
		src.Project, src.Instance = splitInstanceRef(answers.SourceInstance, src.Project)
	}
	if answers.TargetInstance != "" {
		tgt.Project, tgt.Instance = splitInstanceRef(answers.TargetInstance, tgt.Project)
	}

	req := &mapping.Request{
		Strategy: answers.Strategy,
		Conflict: answers.Conflict,
		Sources: []mapping.Source{{
			Descriptor: src,
			Databases:  answers.Databases,
		}},
		Targets: []mapping.Target{{Descriptor: tgt}},
		Options: unitOptions(eng.cfg, c),
	}
	units, err := mapping.Resolve(req)
	if err != nil {
		return err
	}
	return executeUnits(c, eng, string(req.Strategy), units)
}

// splitInstanceRef parses "project:instance" or a bare instance name.
func splitInstanceRef(ref, defaultProject string) (project, instance string) {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return defaultProject, ref
}

// batchReport is the JSON result payload for run/batch.
type batchReport struct {
	RunID     string       `json:"run_id"`
	Status    string       `json:"status"`
	Strategy  string       `json:"strategy"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Elapsed   string       `json:"elapsed"`
	Units     []unitReport `json:"units"`
	Error     string       `json:"error,omitempty"`
}

type unitReport struct {
	Source        string `json:"source"`
	Target        string `json:"target"`
	Status        string `json:"status"`
	PhaseReached  string `json:"phase_reached"`
	BytesExported int64  `json:"bytes_exported"`
	BytesImported int64  `json:"bytes_imported"`
	Error         string `json:"error,omitempty"`
}

func executeUnits(c *cli.Context, eng *engine, strategy string, units []mapping.Unit) error {
	runID := c.String("run-id")
	if runID == "" {
		runID = uuid.New().String()
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	if err := eng.store.CreateRun(runID, strategy, eng.cfg.Sanitized()); err != nil {
		logging.Warn("Could not record run start: %v", err)
	}
	if err := eng.slack.BatchStarted(runID, strategy, len(units)); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}

	result := eng.coord.ExecuteUnits(ctx, units, progressCallback(c, len(units)))

	status := "completed"
	switch {
	case result.Failed > 0 && result.Succeeded > 0:
		status = "partial"
	case result.Failed > 0 || result.Skipped > 0:
		status = "failed"
	}

	for _, ur := range result.Units {
		pairs, _ := json.Marshal(ur.Unit.Databases)
		errMsg := ""
		if ur.Err != nil {
			errMsg = ur.Err.Error()
		}
		if err := eng.store.RecordUnit(runID, history.UnitRecord{
			SourceInstance: ur.Unit.Source.Instance,
			TargetInstance: ur.Unit.Target.Instance,
			Databases:      string(pairs),
			Status:         ur.Status,
			PhaseReached:   ur.PhaseReached,
			BytesExported:  ur.Metrics.BytesExported,
			BytesImported:  ur.Metrics.BytesImported,
			ErrorMessage:   errMsg,
		}); err != nil {
			logging.Warn("Could not record unit result: %v", err)
		}
	}
	if err := eng.store.CompleteRun(runID, status, result.Succeeded, result.Failed, result.Skipped); err != nil {
		logging.Warn("Could not record run completion: %v", err)
	}

	notifyResult(eng, runID, start, result)
	printSummary(runID, result)

	if c.Bool("output-json") || c.String("output-file") != "" {
		if err := writeReport(c, buildReport(runID, strategy, status, result)); err != nil {
			logging.Warn("Could not write JSON result: %v", err)
		}
	}

	switch {
	case ctx.Err() != nil:
		return exitcodes.NewExitError(fmt.Errorf("batch cancelled"), exitcodes.Cancelled)
	case result.PartialFailure():
		return exitcodes.NewExitError(fmt.Errorf("%d of %d units failed", result.Failed, len(units)), exitcodes.PartialFailure)
	case result.Failed > 0 || result.Skipped > 0:
		return firstUnitError(result)
	}
	return nil
}

func firstUnitError(result *batch.BatchResult) error {
	for _, ur := range result.Units {
		if ur.Err != nil {
			return ur.Err
		}
	}
	return fmt.Errorf("batch failed")
}

func notifyResult(eng *engine, runID string, start time.Time, result *batch.BatchResult) {
	var err error
	switch {
	case result.Failed == 0 && result.Skipped == 0:
		err = eng.slack.BatchCompleted(runID, start, result)
	case result.PartialFailure():
		err = eng.slack.BatchCompletedWithErrors(runID, start, result)
	default:
		err = eng.slack.BatchFailed(runID, firstUnitError(result), result.Elapsed)
	}
	if err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}

func progressCallback(c *cli.Context, total int) progress.Callback {
	if c.Bool("output-json") || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	// One tick per finished unit; the description tracks the active phase.
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("migrating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	var mu sync.Mutex
	return func(ev progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		bar.Describe(fmt.Sprintf("%s %s", ev.Unit, ev.Phase))
		if ev.Status == "done" || ev.Status == "dry-run complete" {
			bar.Add(1)
		}
	}
}

// mappingFile is the on-disk shape of a batch mapping.
type mappingFile struct {
	Strategy string `yaml:"strategy"`
	Conflict string `yaml:"conflict"`
	Sources  []struct {
		Project       string   `yaml:"project"`
		Instance      string   `yaml:"instance"`
		Databases     []string `yaml:"databases"`
		EngineVersion string   `yaml:"engine_version"`
	} `yaml:"sources"`
	Targets []struct {
		Project  string `yaml:"project"`
		Instance string `yaml:"instance"`
	} `yaml:"targets"`
	Rules map[string]string `yaml:"rules"`
}

func loadMappingFile(path string, cfg *config.Config) (*mapping.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	var mf mappingFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing mapping file %s: %w", path, err)
	}

	req := &mapping.Request{
		Strategy: mapping.Strategy(mf.Strategy),
		Conflict: mapping.ConflictPolicy(mf.Conflict),
		Rules:    mf.Rules,
	}
	if req.Strategy == "" {
		req.Strategy = mapping.StrategySimple
	}
	if req.Conflict == "" {
		req.Conflict = mapping.ConflictPolicy(cfg.Migration.ConflictResolution)
	}

	for _, s := range mf.Sources {
		project := s.Project
		if project == "" {
			project = cfg.Project
		}
		req.Sources = append(req.Sources, mapping.Source{
			Descriptor: conn.Descriptor{
				Project:  project,
				Instance: s.Instance,
				Role:     conn.RoleSource,
				User:     cfg.Source.User,
			},
			Databases:     s.Databases,
			EngineVersion: s.EngineVersion,
		})
	}
	for _, t := range mf.Targets {
		project := t.Project
		if project == "" {
			project = cfg.Project
		}
		req.Targets = append(req.Targets, mapping.Target{
			Descriptor: conn.Descriptor{
				Project:  project,
				Instance: t.Instance,
				Role:     conn.RoleTarget,
				User:     cfg.Target.User,
			},
		})
	}
	return req, nil
}

func printSummary(runID string, result *batch.BatchResult) {
	logging.Print("\nRun %s: %d succeeded, %d failed, %d skipped in %s\n",
		runID, result.Succeeded, result.Failed, result.Skipped, result.Elapsed.Round(time.Second))
	for _, ur := range result.Units {
		line := fmt.Sprintf("  %s -> %s: %s (phase: %s)",
			ur.Unit.Source.Instance, ur.Unit.Target.Instance, ur.Status, ur.PhaseReached)
		if ur.Err != nil {
			line += " - " + ur.Err.Error()
		}
		logging.Println(line)
	}
}

func buildReport(runID, strategy, status string, result *batch.BatchResult) *batchReport {
	report := &batchReport{
		RunID:     runID,
		Status:    status,
		Strategy:  strategy,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Skipped:   result.Skipped,
		Elapsed:   result.Elapsed.Round(time.Second).String(),
	}
	for _, ur := range result.Units {
		unit := unitReport{
			Source:        ur.Unit.Source.Instance,
			Target:        ur.Unit.Target.Instance,
			Status:        ur.Status,
			PhaseReached:  ur.PhaseReached,
			BytesExported: ur.Metrics.BytesExported,
			BytesImported: ur.Metrics.BytesImported,
		}
		if ur.Err != nil {
			unit.Error = ur.Err.Error()
		}
		report.Units = append(report.Units, unit)
	}
	return report
}

func writeReport(c *cli.Context, report *batchReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		fmt.Println(string(data))
	}
	if path := c.String("output-file"); path != "" {
		if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
			return err
		}
	}
	return nil
}

func showEstimate(c *cli.Context) error {
	eng, err := newEngine(c)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := signalContext()
	defer cancel()

	src := sourceDescriptor(eng.cfg)
	databases := splitFlagList(c.String("databases"))
	if len(databases) == 0 {
		databases, err = eng.conns.ListDatabases(ctx, src)
		if err != nil {
			return err
		}
	}

	opts := dbops.Options{
		SchemaOnly: eng.cfg.Migration.SchemaOnly,
		DataOnly:   eng.cfg.Migration.DataOnly,
		UseClean:   eng.cfg.Migration.UseClean,
	}
	est := eng.ops.GetMigrationEstimate(ctx, src, databases, opts)

	if est.Fallback {
		logging.Print("Estimate (fallback, %s): %s\n", est.Factor, est.Duration)
		return nil
	}
	logging.Print("Estimated duration: %s (%d databases, %.1f GiB)\n",
		est.Duration, len(databases), float64(est.TotalBytes)/(1<<30))
	for _, db := range databases {
		logging.Print("  %-30s %.1f MiB\n", db, float64(est.PerDatabase[db])/(1<<20))
	}
	return nil
}

func listDatabases(c *cli.Context) error {
	eng, err := newEngine(c)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := signalContext()
	defer cancel()

	d := sourceDescriptor(eng.cfg)
	if c.Bool("target") {
		d = targetDescriptor(eng.cfg)
	}
	names, err := eng.conns.ListDatabases(ctx, d)
	if err != nil {
		return err
	}
	for _, name := range names {
		logging.Println(name)
	}
	return nil
}

func listInstances(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Project == "" {
		return fmt.Errorf("missing required project in config")
	}

	ctx, cancel := signalContext()
	defer cancel()

	var opts []inventory.Option
	if token := c.String("access-token"); token != "" {
		opts = append(opts, inventory.WithTokenSource(
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	}
	client, err := inventory.NewClient(ctx, opts...)
	if err != nil {
		return err
	}
	instances, err := client.List(ctx, cfg.Project)
	if err != nil {
		return err
	}

	logging.Print("%-30s %-15s %-12s %-10s %s\n", "NAME", "VERSION", "REGION", "STATE", "IP")
	for _, inst := range instances {
		logging.Print("%-30s %-15s %-12s %-10s %s\n",
			inst.Name, inst.DatabaseVersion, inst.Region, inst.State, inst.PrimaryIP())
	}
	return nil
}

func showStatus(c *cli.Context) error {
	dataDir, err := config.DefaultDataDir()
	if err != nil {
		return err
	}
	store, err := history.New(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.LastRun()
	if err != nil {
		return err
	}

	if c.Bool("json") {
		if run == nil {
			fmt.Println(`{"status": "no_runs"}`)
			return nil
		}
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if run == nil {
		logging.Println("No recorded runs.")
		return nil
	}
	printRun(run)
	return nil
}

func showHistory(c *cli.Context) error {
	dataDir, err := config.DefaultDataDir()
	if err != nil {
		return err
	}
	store, err := history.New(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID := c.String("run"); runID != "" {
		run, units, err := store.GetRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", runID)
		}
		printRun(run)
		for _, u := range units {
			line := fmt.Sprintf("  %s -> %s: %s (phase: %s)", u.SourceInstance, u.TargetInstance, u.Status, u.PhaseReached)
			if u.ErrorMessage != "" {
				line += " - " + u.ErrorMessage
			}
			logging.Println(line)
		}
		return nil
	}

	runs, err := store.ListRuns(c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		logging.Println("No recorded runs.")
		return nil
	}
	logging.Print("%-38s %-20s %-12s %-10s %s\n", "RUN", "STARTED", "STRATEGY", "STATUS", "S/F/K")
	for _, r := range runs {
		logging.Print("%-38s %-20s %-12s %-10s %d/%d/%d\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Strategy, r.Status,
			r.Succeeded, r.Failed, r.Skipped)
	}
	return nil
}

func printRun(run *history.Run) {
	logging.Print("Run %s (%s)\n", run.ID, run.Strategy)
	logging.Print("  Started: %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		logging.Print("  Completed: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	logging.Print("  Status: %s (%d succeeded, %d failed, %d skipped)\n",
		run.Status, run.Succeeded, run.Failed, run.Skipped)
}

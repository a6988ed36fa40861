package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/squadron-ops/squadron/pkg/authority"
	"github.com/squadron-ops/squadron/pkg/bus"
	"github.com/squadron-ops/squadron/pkg/config"
	"github.com/squadron-ops/squadron/pkg/cop"
	"github.com/squadron-ops/squadron/pkg/orchestrator"
	"github.com/squadron-ops/squadron/pkg/reasoner"
	"github.com/squadron-ops/squadron/pkg/resilience"
	"github.com/squadron-ops/squadron/pkg/telemetry"
)

const version = "dev"

type globalFlags struct {
	ConfigPath string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(err)
	}

	switch args[0] {
	case "run":
		runRun(ctx, global, cfg, args[1:])
	case "cop":
		runCOP(ctx, global, cfg, args[1:])
	case "messages":
		runMessages(ctx, global, cfg, args[1:])
	case "audit":
		runAudit(ctx, global, cfg, args[1:])
	case "help":
		printUsage()
	case "version":
		fmt.Println(version)
	default:
		fatal(fmt.Errorf("unknown command %q", args[0]))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		ConfigPath: getenv("SQUADRON_CONFIG", ""),
		Timeout:    60 * time.Second,
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

// runRun wires the full squadron from config, seeds the picture,
// optionally injects a sensor report, and waits for quiescence (or a
// signal when running open-ended).
func runRun(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	seedPath := cmd.String("seed", "", "YAML seed file (default: built-in demo posture)")
	triggerPath := cmd.String("trigger", "", "JSON sensor report to inject after startup")
	await := cmd.Bool("await", true, "Exit once the system quiesces")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "squadron",
		Version:      version,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	metrics, err := telemetry.NewCoordinationMetrics()
	if err != nil {
		fatal(err)
	}

	guard := authority.NewGuard()
	store, err := openStore(cfg, guard)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	channel := bus.NewChannel(bus.Config{
		BufferSize: cfg.Bus.BufferSize,
		Policy:     bus.OverflowPolicy(cfg.Bus.Policy),
	}, logger, bus.WithRecorder(store))

	if cfg.Reasoner.Provider != "http" {
		fatal(fmt.Errorf("unsupported reasoner provider %q", cfg.Reasoner.Provider))
	}
	brain := reasoner.NewHTTPReasoner(reasoner.HTTPConfig{
		BaseURL: cfg.Reasoner.BaseURL,
		Model:   cfg.Reasoner.Model,
		Timeout: cfg.Reasoner.Timeout,
	}, reasoner.WithLogger(logger))

	orch, err := orchestrator.New(orchestrator.Config{
		GracePeriod:    cfg.Orchestrator.GracePeriod,
		GapThreshold:   cfg.Orchestrator.GapThreshold,
		Retry:          resilience.DefaultRetryConfig().WithMaxAttempts(cfg.Reasoner.MaxAttempts),
		ConsultTimeout: cfg.Reasoner.Timeout,
	}, store, channel, brain,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics))
	if err != nil {
		fatal(err)
	}

	seed := orchestrator.DefaultSeed()
	if *seedPath != "" {
		seed, err = orchestrator.LoadSeed(*seedPath)
		if err != nil {
			fatal(err)
		}
	}
	if err := orch.Seed(ctx, seed); err != nil {
		fatal(err)
	}
	if err := orch.Start(ctx); err != nil {
		fatal(err)
	}
	defer orch.Stop()

	if *triggerPath != "" {
		raw, err := os.ReadFile(*triggerPath)
		if err != nil {
			fatal(err)
		}
		if err := orch.InjectTrigger(ctx, raw); err != nil {
			fatal(err)
		}
	}

	if *await {
		waitCtx, cancel := context.WithTimeout(ctx, global.Timeout)
		defer cancel()
		if err := orch.AwaitQuiescence(waitCtx); err != nil {
			fatal(err)
		}
	} else {
		<-ctx.Done()
	}

	printRunSummary(ctx, global, orch)
}

func printRunSummary(ctx context.Context, global globalFlags, orch *orchestrator.Orchestrator) {
	plan, ok, err := orch.ActivePlan(ctx)
	if err != nil {
		fatal(err)
	}
	assets, err := orch.Assets(ctx)
	if err != nil {
		fatal(err)
	}

	if global.JSON {
		out := map[string]any{
			"assets": assets,
			"events": orch.Events(),
		}
		if ok {
			out["active_plan"] = plan
		}
		printJSON(out)
		return
	}

	if ok {
		fmt.Printf("active plan: %s (version %d, %d assignments)\n", plan.Name, plan.Version, len(plan.Assignments))
	} else {
		fmt.Println("no active plan")
	}
	writer := newTabWriter()
	writeRow(writer, "ASSET", "FUEL", "SENSOR", "CURRENT_TASK")
	for _, a := range assets {
		writeRow(writer, a.ID, fmt.Sprintf("%.1f%%", a.FuelPercent), a.SensorStatus, a.CurrentTask)
	}
	_ = writer.Flush()
}

// runCOP prints one table of the common operational picture.
func runCOP(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: squadron cop <assets|entities|plans|tasks>"))
	}
	store, err := openReadStore(cfg)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	snap, err := store.Snapshot(ctx)
	if err != nil {
		fatal(err)
	}

	switch args[0] {
	case "assets":
		if global.JSON {
			printJSON(snap.AssetList())
			return
		}
		writer := newTabWriter()
		writeRow(writer, "ID", "LAT", "LON", "FUEL", "SENSOR", "CURRENT_TASK")
		for _, a := range snap.AssetList() {
			writeRow(writer, a.ID,
				fmt.Sprintf("%.4f", a.Position.Lat),
				fmt.Sprintf("%.4f", a.Position.Lon),
				fmt.Sprintf("%.1f%%", a.FuelPercent),
				a.SensorStatus, a.CurrentTask)
		}
		_ = writer.Flush()
	case "entities":
		if global.JSON {
			printJSON(snap.EntityList())
			return
		}
		writer := newTabWriter()
		writeRow(writer, "ID", "TYPE", "AREA", "CONFIDENCE", "VERSION")
		for _, e := range snap.EntityList() {
			writeRow(writer, e.ID, e.Type, e.Area,
				fmt.Sprintf("%.2f", e.Confidence),
				fmt.Sprintf("%d", e.Version))
		}
		_ = writer.Flush()
	case "plans":
		if global.JSON {
			printJSON(snap.Plans)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "VERSION", "STATUS", "NAME", "ASSIGNMENTS")
		for _, p := range snap.Plans {
			writeRow(writer, fmt.Sprintf("%d", p.Version), string(p.Status), p.Name,
				fmt.Sprintf("%d", len(p.Assignments)))
		}
		_ = writer.Flush()
	case "tasks":
		if global.JSON {
			printJSON(snap.TaskList())
			return
		}
		writer := newTabWriter()
		writeRow(writer, "ID", "ASSET", "TYPE", "AREA", "STATUS")
		for _, t := range snap.TaskList() {
			writeRow(writer, t.ID, t.AssetID, t.Type, t.TargetArea, string(t.Status))
		}
		_ = writer.Flush()
	default:
		fatal(fmt.Errorf("unknown cop table %q", args[0]))
	}
}

func runMessages(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("messages", flag.ContinueOnError)
	topic := cmd.String("topic", "", "Filter by topic")
	limit := cmd.Int("limit", 50, "Maximum messages to print")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	store, err := openReadStore(cfg)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	records, err := store.MessageHistory(ctx, *topic, *limit)
	if err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(records)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "TIME", "TOPIC", "SENDER", "TARGETS")
	for _, rec := range records {
		writeRow(writer, rec.Timestamp.Format(time.RFC3339), rec.Topic, rec.Sender,
			strings.Join(rec.Targets, ","))
	}
	_ = writer.Flush()
}

func runAudit(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("audit", flag.ContinueOnError)
	since := cmd.Duration("since", 0, "Only entries newer than this age")
	deniedOnly := cmd.Bool("denied", false, "Only denied attempts")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	store, err := openReadStore(cfg)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	snap, err := store.Snapshot(ctx)
	if err != nil {
		fatal(err)
	}
	cutoff := time.Time{}
	if *since > 0 {
		cutoff = time.Now().Add(-*since)
	}

	entries := make([]cop.AuditEntry, 0, len(snap.Audit))
	for _, e := range snap.Audit {
		if *deniedOnly && e.Authorized {
			continue
		}
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		entries = append(entries, e)
	}
	if global.JSON {
		printJSON(entries)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "TIME", "ACTOR", "RESOURCE", "OP", "AUTHORIZED", "REASON")
	for _, e := range entries {
		writeRow(writer, e.Timestamp.Format(time.RFC3339), string(e.Actor),
			string(e.Resource), string(e.Operation),
			fmt.Sprintf("%t", e.Authorized), e.Reason)
	}
	_ = writer.Flush()
}

func openStore(cfg *config.Config, guard *authority.Guard) (cop.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return cop.NewMemoryStore(guard), nil
	case "sqlite":
		return cop.OpenSQLiteStore(cfg.Store.Path, guard)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openReadStore opens the durable picture for inspection commands. The
// memory backend has no state outside a running process, so only
// sqlite makes sense here.
func openReadStore(cfg *config.Config) (cop.Store, error) {
	if cfg.Store.Backend != "sqlite" {
		return nil, fmt.Errorf("inspection requires store.backend=sqlite (got %q)", cfg.Store.Backend)
	}
	return cop.OpenSQLiteStore(cfg.Store.Path, authority.NewGuard())
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func printUsage() {
	fmt.Print(`Squadron coordination core

Usage:
  squadron [global flags] <command> [args]

Global flags:
  --config <path>      Path to squadron.yaml
  --timeout <dur>      Run/await timeout (default 60s)
  --json               JSON output

Commands:
  run [--seed <path>] [--trigger <path>] [--await=false]
  cop <assets|entities|plans|tasks>
  messages [--topic <t>] [--limit N]
  audit [--since <dur>] [--denied]
  version
`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

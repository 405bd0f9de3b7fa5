// SPDX-License-Identifier: MIT

// Command namegnome is the in-process CLI over the scan/plan/apply
// pipeline. It shares the cache store with the daemon, so plans generated
// here can be applied over REST and vice versa.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/namegnome-serve/internal/apply"
	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/config"
	"github.com/ManuGH/namegnome-serve/internal/disambig"
	xglog "github.com/ManuGH/namegnome-serve/internal/log"
	"github.com/ManuGH/namegnome-serve/internal/plan"
	"github.com/ManuGH/namegnome-serve/internal/provider"
	"github.com/ManuGH/namegnome-serve/internal/scan"
	"github.com/ManuGH/namegnome-serve/internal/version"
)

// Exit codes of every subcommand.
const (
	exitOK          = 0
	exitValidation  = 2
	exitPartial     = 3
	exitLocked      = 4
	exitUnavailable = 5
)

const usage = `namegnome %s

Usage:
  namegnome scan     --root <path> --media-type {tv,movie,music} [--hash] [--json]
  namegnome plan     --root <path> --media-type {tv,movie,music} [--anthology]
                     [--provider <name> --ext-id <id>] [--json]
  namegnome apply    --plan <plan_id> [--mode {dry_run,transactional,continue_on_error}]
                     [--collision {skip,overwrite,backup}] [--json]
  namegnome rollback --token <rollback_token> [--json]
  namegnome cache    {stats,clear,cleanup}

Configuration comes from the environment (NAMEGNOME_*, provider API keys).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, version.Version)
		os.Exit(exitValidation)
	}

	xglog.Configure(xglog.Config{
		Level:   config.ParseString("NAMEGNOME_LOG_LEVEL", "warn"),
		Service: "namegnome",
		Version: version.Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	var code int
	switch os.Args[1] {
	case "scan":
		code = runScan(ctx, cfg, os.Args[2:])
	case "plan":
		code = runPlan(ctx, cfg, os.Args[2:])
	case "apply":
		code = runApply(ctx, cfg, os.Args[2:])
	case "rollback":
		code = runRollback(ctx, cfg, os.Args[2:])
	case "cache":
		code = runCache(ctx, cfg, os.Args[2:])
	case "version", "--version", "-version":
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
	case "help", "--help", "-h":
		fmt.Printf(usage, version.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprintf(os.Stderr, usage, version.Version)
		code = exitValidation
	}
	os.Exit(code)
}

func openStore(cfg config.AppConfig) (*cache.Store, error) {
	return cache.Open(cfg.CachePath)
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return exitCodeFor(err)
}

// exitCodeFor maps domain errors onto the CLI contract.
func exitCodeFor(err error) int {
	var re *disambig.RequiredError
	if errors.As(err, &re) {
		return exitValidation
	}
	var le *apply.LockedError
	if errors.As(err, &le) {
		return exitLocked
	}
	if _, ok := provider.IsUnavailable(err); ok {
		return exitUnavailable
	}
	if errors.Is(err, apply.ErrUnknownRollbackToken) {
		return exitValidation
	}
	return 1
}

func printJSON(v any) int {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail(err)
	}
	fmt.Println(string(blob))
	return exitOK
}

func runScan(ctx context.Context, cfg config.AppConfig, args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	root := fs.String("root", "", "library root to scan")
	mediaType := fs.String("media-type", "", "tv, movie or music")
	withHash := fs.Bool("hash", false, "compute SHA-256 content hashes")
	asJSON := fs.Bool("json", false, "print the full snapshot as JSON")
	_ = fs.Parse(args)

	mt := scan.MediaType(*mediaType)
	if *root == "" || !mt.Valid() {
		fmt.Fprintln(os.Stderr, "scan: --root and a valid --media-type are required")
		return exitValidation
	}

	store, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = store.Close() }()

	snap, err := scan.Run(ctx, *root, mt, scan.Options{WithHash: *withHash})
	if err != nil {
		return fail(err)
	}
	if err := putSnapshot(ctx, store, snap); err != nil {
		return fail(err)
	}

	if *asJSON {
		return printJSON(snap)
	}
	fmt.Printf("scan %s: %d files under %s (fingerprint %.12s)\n",
		snap.ScanID, snap.FileCount, snap.Root, snap.Fingerprint)
	return exitOK
}

func runPlan(ctx context.Context, cfg config.AppConfig, args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	root := fs.String("root", "", "library root to scan and plan")
	mediaType := fs.String("media-type", "", "tv, movie or music")
	anthology := fs.Bool("anthology", false, "enable anthology grouping")
	pinProvider := fs.String("provider", "", "pin a provider for entity resolution")
	pinExtID := fs.String("ext-id", "", "pin an external id (requires --provider)")
	offline := fs.Bool("offline", false, "serve from cache only, no provider calls")
	asJSON := fs.Bool("json", false, "print the full plan review as JSON")
	_ = fs.Parse(args)

	mt := scan.MediaType(*mediaType)
	if *root == "" || !mt.Valid() {
		fmt.Fprintln(os.Stderr, "plan: --root and a valid --media-type are required")
		return exitValidation
	}
	if (*pinProvider == "") != (*pinExtID == "") {
		fmt.Fprintln(os.Stderr, "plan: --provider and --ext-id must be set together")
		return exitValidation
	}
	if *offline {
		cfg.Offline = true
	}

	store, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = store.Close() }()

	snap, err := scan.Run(ctx, *root, mt, scan.Options{})
	if err != nil {
		return fail(err)
	}
	if err := putSnapshot(ctx, store, snap); err != nil {
		return fail(err)
	}

	planner := newPlanner(cfg, store)
	review, err := planner.Build(ctx, snap, plan.Options{
		Anthology:   *anthology,
		PinProvider: *pinProvider,
		PinExtID:    *pinExtID,
	})
	if err != nil {
		var re *disambig.RequiredError
		if errors.As(err, &re) {
			printDisambiguation(re)
			return exitValidation
		}
		return fail(err)
	}
	if err := putPlan(ctx, store, snap.Root, review); err != nil {
		return fail(err)
	}

	if *asJSON {
		return printJSON(review)
	}
	fmt.Printf("plan %s: %d items (high %d, medium %d, low %d)\n",
		review.PlanID, len(review.Items),
		review.Summary.ByConfidence["high"], review.Summary.ByConfidence["medium"], review.Summary.ByConfidence["low"])
	for _, item := range review.Items {
		marker := " "
		if len(item.Warnings) > 0 {
			marker = "!"
		}
		fmt.Printf("  %s %s  %.2f  %s -> %s\n", marker, item.ID, item.Confidence, item.Src.Path, item.Dst.Path)
	}
	for _, note := range review.Notes {
		fmt.Printf("  note: %s\n", note)
	}
	fmt.Printf("apply with: namegnome apply --plan %s\n", review.PlanID)
	return exitOK
}

func printDisambiguation(re *disambig.RequiredError) {
	fmt.Fprintf(os.Stderr, "ambiguous %s: choose a candidate and re-run with --provider/--ext-id\n", re.Field)
	for _, c := range re.Candidates {
		marker := " "
		if re.Suggested != "" && c.ExtID == re.Suggested {
			marker = "*"
		}
		fmt.Fprintf(os.Stderr, "  %s %s/%s  %s (%d)\n", marker, c.Provider, c.ExtID, c.Title, c.Year)
	}
}

func runApply(ctx context.Context, cfg config.AppConfig, args []string) int {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	planID := fs.String("plan", "", "plan id to apply")
	modeFlag := fs.String("mode", string(apply.ModeTransactional), "dry_run, transactional or continue_on_error")
	collision := fs.String("collision", "", "skip, overwrite or backup (default from config)")
	asJSON := fs.Bool("json", false, "print the full report as JSON")
	_ = fs.Parse(args)

	mode := apply.Mode(*modeFlag)
	if *planID == "" || !mode.Valid() {
		fmt.Fprintln(os.Stderr, "apply: --plan and a valid --mode are required")
		return exitValidation
	}
	strategy := apply.Strategy(*collision)
	if *collision != "" && !strategy.Valid() {
		fmt.Fprintf(os.Stderr, "apply: unknown collision strategy %q\n", *collision)
		return exitValidation
	}
	if *collision == "" {
		strategy = apply.Strategy(cfg.CollisionStrategy)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = store.Close() }()

	stored, ok, err := getPlan(ctx, store, *planID)
	if err != nil {
		return fail(err)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "apply: plan %s not found\n", *planID)
		return exitValidation
	}

	exec := &apply.Executor{
		Store:       store,
		Collision:   strategy,
		LockTimeout: cfg.LockTimeout,
		Progress: func(res apply.ItemResult) {
			if !*asJSON {
				fmt.Printf("  %-10s %s\n", res.Status, res.Src)
			}
		},
	}
	report, err := exec.Run(ctx, stored.Root, stored.Review, mode, "")
	if err != nil {
		var le *apply.LockedError
		if errors.As(err, &le) {
			fmt.Fprintf(os.Stderr, "apply: root locked by %s since %s\n", le.Owner, le.AcquiredAt)
			return exitLocked
		}
		return fail(err)
	}

	if *asJSON {
		code := exitOK
		if report.Partial() {
			code = exitPartial
		}
		_ = printJSON(report)
		return code
	}
	fmt.Printf("report %s: %d committed, %d skipped, %d stale, %d failed\n",
		report.ReportID, report.Summary.Committed, report.Summary.Skipped,
		report.Summary.Stale, report.Summary.Failed)
	if report.RollbackToken != "" {
		fmt.Printf("rollback with: namegnome rollback --token %s\n", report.RollbackToken)
	}
	if report.Partial() {
		return exitPartial
	}
	return exitOK
}

func runRollback(ctx context.Context, cfg config.AppConfig, args []string) int {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	token := fs.String("token", "", "rollback token from a previous apply")
	asJSON := fs.Bool("json", false, "print the full report as JSON")
	_ = fs.Parse(args)

	if *token == "" {
		fmt.Fprintln(os.Stderr, "rollback: --token is required")
		return exitValidation
	}

	store, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = store.Close() }()

	exec := &apply.Executor{Store: store, LockTimeout: cfg.LockTimeout}
	report, err := exec.Rollback(ctx, *token)
	if err != nil {
		return fail(err)
	}

	if *asJSON {
		return printJSON(report)
	}
	fmt.Printf("rolled back %d of %d operations\n", report.Summary.RolledBack, report.Summary.Total)
	return exitOK
}

func runCache(ctx context.Context, cfg config.AppConfig, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "cache: stats, clear or cleanup required")
		return exitValidation
	}

	store, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = store.Close() }()

	switch args[0] {
	case "stats":
		st, err := store.Stats(ctx)
		if err != nil {
			return fail(err)
		}
		return printJSON(st)
	case "clear":
		if err := store.ClearBlobs(ctx); err != nil {
			return fail(err)
		}
		fmt.Println("cache entries cleared")
		return exitOK
	case "cleanup":
		n, err := store.CleanupExpired(ctx)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("%d expired rows removed\n", n)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "cache: unknown subcommand %q\n", args[0])
		return exitValidation
	}
}

// newPlanner mirrors the daemon's wiring without the HTTP surface.
func newPlanner(cfg config.AppConfig, store *cache.Store) *plan.Planner {
	p := &plan.Planner{
		Gateway:  provider.New(store, cfg),
		Store:    store,
		Ledger:   disambig.NewLedger(store),
		Parallel: cfg.PlanParallelism,
	}
	if cfg.LLMBaseURL != "" {
		p.Assist = plan.NewAssistClient(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTimeout)
	}
	return p
}

// Artifact persistence shares the daemon's kv keys so CLI plans can be
// applied over REST and the other way round.

func putSnapshot(ctx context.Context, store *cache.Store, snap *scan.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return store.PutKV(ctx, "scan:"+snap.ScanID, string(blob))
}

type storedPlan struct {
	Root   string       `json:"root"`
	Review *plan.Review `json:"review"`
}

func putPlan(ctx context.Context, store *cache.Store, root string, review *plan.Review) error {
	canonical, err := plan.MarshalCanonical(review)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(struct {
		Root   string          `json:"root"`
		Review json.RawMessage `json:"review"`
	}{Root: root, Review: canonical})
	if err != nil {
		return err
	}
	return store.PutKV(ctx, "plan:"+review.PlanID, string(blob))
}

func getPlan(ctx context.Context, store *cache.Store, planID string) (*storedPlan, bool, error) {
	raw, ok, err := store.GetKV(ctx, "plan:"+planID)
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedPlan
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, false, err
	}
	return &stored, true, nil
}

// Loom CLI — reconstructs user sessions from LLM agent observability spans.
//
// Usage:
//
//	loom <command> [flags]
//
// Commands:
//
//	run       Fetch spans and reconstruct session documents
//	query     Query the local span cache
//	stats     Session analytics over the span cache
//	version   Print version information
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/agentlens/loom/internal/analysis"
	"github.com/agentlens/loom/internal/backend"
	"github.com/agentlens/loom/internal/cache"
	"github.com/agentlens/loom/internal/export"
	"github.com/agentlens/loom/internal/logger"
	"github.com/agentlens/loom/internal/pipeline"
	"github.com/agentlens/loom/pkg/timeutil"
)

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	homeDir, _ := os.UserHomeDir()
	defaultDB := filepath.Join(homeDir, ".loom", "loom.db")

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "query":
		cmdQuery(defaultDB)
	case "stats":
		cmdStats(defaultDB)
	case "version":
		fmt.Printf("loom v%s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Loom — session reconstruction for LLM agent spans

Usage:
  loom <command> [flags]

Commands:
  run        Fetch spans from a backend and write session documents
  query      Query the local span cache
  stats      Session analytics over the span cache
  version    Print version information

Run 'loom <command> --help' for details on each command.`)
}

// cmdRun executes one reconstruction: fetch, resolve, link, assemble,
// report, export, and the optional cache write.
func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	startStr := fs.String("start", "", "Range start, YYYY-MM-DD (UTC)")
	endStr := fs.String("end", "", "Range end, YYYY-MM-DD (UTC, default: now)")
	all := fs.Bool("all", false, "Fetch everything the backend holds")
	output := fs.String("output", "sessions", "Output base path for export files")
	formatStr := fs.String("format", "jsonl", "Export format: jsonl, csv, parquet")
	backendSel := fs.String("backend", "", "Backend: arize, phoenix (default: auto-detect)")
	patterns := fs.String("patterns", "", "YAML classification pattern file")
	cachePath := fs.String("cache", "", "SQLite cache path (empty disables caching)")
	minSpans := fs.Int("min-spans", 1, "Flag sessions with fewer spans than this")
	skipUnassigned := fs.Bool("skip-unassigned", false, "Do not write the orphan span file")
	workers := fs.Int("workers", 0, "Override fetch/link concurrency")
	fs.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var settings logger.Settings
	if err := envconfig.Process(ctx, &settings); err != nil {
		log.Fatalf("Failed to read logger settings: %v", err)
	}
	logger.Init(settings, os.Stderr)

	format, err := export.ParseFormat(*formatStr)
	if err != nil {
		log.Fatalf("Invalid format: %v", err)
	}

	tr := backend.TimeRange{All: *all}
	if !*all {
		if *startStr == "" {
			fmt.Fprintln(os.Stderr, "Error: --start is required unless --all is set")
			fs.Usage()
			os.Exit(1)
		}
		start, err := timeutil.ParseDate(*startStr)
		if err != nil {
			log.Fatalf("Invalid --start: %v", err)
		}
		end := time.Now().UTC()
		if *endStr != "" {
			if end, err = timeutil.ParseDate(*endStr); err != nil {
				log.Fatalf("Invalid --end: %v", err)
			}
		}
		if !end.After(start) {
			log.Fatalf("Range end %s is not after start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
		}
		tr.Start, tr.End = start, end
	}

	cfg, err := backend.LoadConfig(ctx)
	if err != nil {
		log.Fatalf("Failed to read backend config: %v", err)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	store, err := backend.Select(cfg, *backendSel)
	if err != nil {
		log.Fatalf("Failed to select backend: %v", err)
	}

	if *cachePath != "" {
		if err := os.MkdirAll(filepath.Dir(*cachePath), 0755); err != nil {
			log.Fatalf("Failed to create cache directory: %v", err)
		}
	}

	res, err := pipeline.Run(ctx, pipeline.Options{
		Store:          store,
		Config:         cfg,
		Range:          tr,
		Output:         *output,
		Format:         format,
		Patterns:       *patterns,
		MinSpans:       *minSpans,
		SkipUnassigned: *skipUnassigned,
		CachePath:      *cachePath,
	})
	if res != nil {
		res.Report.Render(os.Stdout)
	}
	if err != nil {
		if res == nil {
			log.Fatalf("Run failed: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Run finished with errors: %v\n", err)
		os.Exit(1)
	}
}

// cmdQuery serves the cache: session and trace timelines, full-text search,
// session listings, and recorded runs.
func cmdQuery(defaultDB string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	dbPath := fs.String("db", defaultDB, "Path to SQLite span cache")
	sessionKey := fs.String("session", "", "List spans for a session key")
	traceID := fs.String("trace", "", "List spans for a trace")
	search := fs.String("search", "", "Full-text search over names and payloads")
	runs := fs.Bool("runs", false, "List recorded runs")
	limit := fs.Int("limit", 20, "Maximum results")
	fs.Parse(os.Args[2:])

	st, err := cache.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open cache: %v", err)
	}
	defer st.Close()

	switch {
	case *runs:
		recs, err := st.Runs(*limit)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		printJSON(recs)
	case *search != "":
		rows, err := st.Search(*search, *limit)
		if err != nil {
			log.Fatalf("Search failed: %v", err)
		}
		printJSON(rows)
	case *traceID != "":
		rows, err := st.SpansByTrace(*traceID)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		printJSON(rows)
	case *sessionKey != "":
		rows, err := st.SpansBySession(*sessionKey)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		printJSON(rows)
	default:
		sums, err := st.Sessions(*limit)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		printJSON(sums)
	}
}

// cmdStats runs the session analytics over the cache and prints a table or
// JSON.
func cmdStats(defaultDB string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dbPath := fs.String("db", defaultDB, "Path to SQLite span cache")
	sessionKey := fs.String("session", "", "Stats for one session key only")
	gap := fs.Duration("gap", analysis.DefaultGapThreshold, "Idle gap that starts a new segment")
	containment := fs.Float64("containment", analysis.DefaultContainment, "Prefix containment ratio that flags duplicate prompts")
	jsonOut := fs.Bool("json", false, "Emit JSON instead of a table")
	fs.Parse(os.Args[2:])

	st, err := cache.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open cache: %v", err)
	}
	defer st.Close()

	analyzer := analysis.NewAnalyzer(st, analysis.Config{
		GapThreshold: *gap,
		Containment:  *containment,
	})

	if *sessionKey != "" {
		stats, err := analyzer.SessionStats(*sessionKey)
		if err != nil {
			log.Fatalf("Stats failed: %v", err)
		}
		printJSON(stats)
		return
	}

	sum, err := analyzer.AllStats()
	if err != nil {
		log.Fatalf("Stats failed: %v", err)
	}
	if *jsonOut {
		printJSON(sum)
		return
	}
	analysis.Render(os.Stdout, sum)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

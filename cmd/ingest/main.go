// Command ingest runs WebVTT podcast transcripts through the knowledge
// graph ingestion pipeline: parse, structure, regroup into meaningful
// units, extract entities/quotes/insights/relationships, and persist to
// a Neo4j-family graph database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/podcastkg/ingest-engine/internal/analyzer"
	"github.com/podcastkg/ingest-engine/internal/config"
	"github.com/podcastkg/ingest-engine/internal/driver"
	"github.com/podcastkg/ingest-engine/internal/embedding"
	"github.com/podcastkg/ingest-engine/internal/extract"
	"github.com/podcastkg/ingest-engine/internal/graphstore"
	"github.com/podcastkg/ingest-engine/internal/llm"
	"github.com/podcastkg/ingest-engine/internal/model"
	"github.com/podcastkg/ingest-engine/internal/promptcache"
	"github.com/podcastkg/ingest-engine/internal/quota"
	"github.com/podcastkg/ingest-engine/internal/regroup"
	"github.com/podcastkg/ingest-engine/internal/registry"
	"github.com/podcastkg/ingest-engine/internal/tracker"
)

const (
	exitSuccess        = 0
	exitUsageError     = 1
	exitPartialSuccess = 2
	exitUnrecoverable  = 3
)

var (
	flagPodcast     string
	flagInput       string
	flagDryRun      bool
	flagMaxEpisodes int
	flagForce       bool
	flagVerbose     bool
	flagConfigFile  string
)

var (
	metricEpisodesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "podcastkg_episodes_total", Help: "Episodes processed by final status.",
	}, []string{"status"})
	metricRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "podcastkg_run_duration_seconds", Help: "Wall-clock duration of one ingest invocation.",
	})
)

func init() {
	prometheus.MustRegister(metricEpisodesTotal, metricRunDuration)
}

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest podcast transcripts into a knowledge graph",
	RunE:  runIngest,
}

func init() {
	fs := rootCmd.Flags()
	fs.StringVar(&flagPodcast, "podcast", "", "podcast ID from the registry (required)")
	fs.StringVar(&flagInput, "input", "", "VTT file or directory of VTT files (required)")
	fs.BoolVar(&flagDryRun, "dry-run", false, "parse and structure without persisting or archiving")
	fs.IntVar(&flagMaxEpisodes, "max-episodes", 0, "stop after this many episodes (0 = unlimited)")
	fs.BoolVar(&flagForce, "force", false, "reprocess episodes already marked complete")
	fs.BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")
	fs.StringVar(&flagConfigFile, "config", "", "path to a config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if flagPodcast == "" || flagInput == "" {
		return fmt.Errorf("--podcast and --input are required")
	}

	runStart := time.Now()
	cfg, err := config.Load(flagConfigFile, cmd.Flags())
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(exitUnrecoverable)
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Error("registry load failed", "error", err)
		os.Exit(exitUnrecoverable)
	}
	podcast, ok := reg.Get(flagPodcast)
	if !ok {
		log.Error("unknown podcast", "podcast", flagPodcast)
		os.Exit(exitUnrecoverable)
	}

	keys := make([]quota.KeyConfig, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, quota.KeyConfig{
			Key: k,
			Budgets: map[string]quota.Budget{
				"claude-haiku-4-5":  {RequestsPerMinute: 50, RequestsPerDay: 5000, TokensPerMinute: 100000},
				"claude-sonnet-4-5": {RequestsPerMinute: 20, RequestsPerDay: 1000, TokensPerMinute: 80000},
				"claude-embed":      {RequestsPerMinute: 100, RequestsPerDay: 20000, TokensPerMinute: 200000},
			},
		})
	}
	if len(keys) == 0 {
		log.Error("no API keys configured")
		os.Exit(exitUnrecoverable)
	}
	quotaMgr := quota.New(keys, cfg.StatePath)
	cacheMgr := promptcache.New(cfg.CacheTTL(), cfg.PromptTemplateTTL(), cfg.MinCacheSizeTokens)
	llmClient := llm.New(quotaMgr, cacheMgr)
	embedClient := embedding.New(quotaMgr, embedding.Config{
		Model: "claude-embed", BatchSize: cfg.EmbeddingBatchSize,
		InterbatchDelay: time.Duration(cfg.EmbeddingInterbatchDelayMS) * time.Millisecond,
		Dimensions:      cfg.EmbeddingDimensions,
	})

	importantTypes := make(map[model.UnitType]bool, len(cfg.ImportantUnitTypes))
	for _, t := range cfg.ImportantUnitTypes {
		importantTypes[model.UnitType(t)] = true
	}

	analyzerComp := analyzer.New(llmClient, cacheMgr, analyzer.Config{
		Model: "claude-sonnet-4-5", Temperature: 0.2, MaxOutputTokens: 8192,
	})
	regroupComp := regroup.New(embedClient)
	extractComp := extract.New(llmClient, cacheMgr, extract.Config{
		StandardModel: "claude-haiku-4-5", ImportantModel: "claude-sonnet-4-5",
		ImportantUnitTypes: importantTypes, Temperature: 0.2, MaxOutputTokens: 4096,
		MinConfidence: cfg.SentimentMinConfidence,
	})

	trk, err := tracker.New(filepath.Join(cfg.DataRoot, ".tracker-state.json"), cfg.NATSUrl)
	if err != nil {
		log.Error("tracker init failed", "error", err)
		os.Exit(exitUnrecoverable)
	}
	defer trk.Close()
	log.Info("pipeline mode", "mode", trk.Mode())

	pool := graphstore.NewPool("neo4j", os.Getenv("PODCASTKG_NEO4J_PASSWORD"))
	defer pool.Close(context.Background())

	store, err := pool.Get(context.Background(), podcast)
	if err != nil {
		log.Error("database unreachable", "error", err)
		os.Exit(exitUnrecoverable)
	}
	if err := graphstore.Bootstrap(context.Background(), store.Driver(), graphstore.SchemaConfig{
		EmbeddingDimensions: cfg.EmbeddingDimensions,
	}, log); err != nil {
		log.Error("schema bootstrap failed", "error", err)
		os.Exit(exitUnrecoverable)
	}

	drv := &driver.Driver{
		Tracker: trk, Analyzer: analyzerComp, Regroup: regroupComp,
		Extract: extractComp, Pool: pool, Log: log, Now: time.Now,
	}

	files, err := resolveInputFiles(flagInput)
	if err != nil {
		log.Error("input resolution failed", "error", err)
		os.Exit(exitUnrecoverable)
	}
	if len(files) == 0 {
		return fmt.Errorf("no .vtt files found at %s", flagInput)
	}
	if flagMaxEpisodes > 0 && len(files) > flagMaxEpisodes {
		files = files[:flagMaxEpisodes]
	}

	archiveDir := filepath.Join(cfg.DataRoot, podcast.ID, "archive")
	failureLogDir := filepath.Join(cfg.LogsRoot, podcast.ID)

	jobs := make([]driver.Job, 0, len(files))
	for _, f := range files {
		jobs = append(jobs, driver.Job{
			Podcast: podcast, FilePath: f, ArchiveDir: archiveDir,
			FailureLogDir: failureLogDir, DryRun: flagDryRun, Force: flagForce,
		})
	}

	go serveMetrics(cfg.MetricsPort, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results := driver.RunAll(ctx, drv, jobs, 4)

	var failed, succeeded int
	for _, r := range results {
		ep, err := r.Unwrap()
		if err != nil {
			failed++
			metricEpisodesTotal.WithLabelValues("failed").Inc()
			continue
		}
		succeeded++
		metricEpisodesTotal.WithLabelValues(string(ep.ProcessingStatus)).Inc()
	}
	metricRunDuration.Observe(time.Since(runStart).Seconds())

	log.Info("run complete", "succeeded", succeeded, "failed", failed, "total", len(jobs))
	switch {
	case failed == 0:
		os.Exit(exitSuccess)
	case succeeded > 0:
		os.Exit(exitPartialSuccess)
	default:
		os.Exit(exitUnrecoverable)
	}
	return nil
}

func serveMetrics(port int, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", "error", err)
	}
}

// resolveInputFiles expands a file-or-directory input flag into a sorted
// list of .vtt file paths.
func resolveInputFiles(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", input, err)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", input, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".vtt") {
			continue
		}
		files = append(files, filepath.Join(input, e.Name()))
	}
	return files, nil
}

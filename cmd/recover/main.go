// Command recover re-embeds MeaningfulUnits whose embedding generation
// failed during ingest, using the failed_embeddings_*.json logs
// internal/regroup writes alongside each episode's processing. A log
// entry whose unit is no longer in the graph (the episode was
// reprocessed since) is skipped rather than treated as an error; a unit
// that is still present is re-embedded on every run, even if an earlier
// run already recovered it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"

	"github.com/podcastkg/ingest-engine/internal/config"
	"github.com/podcastkg/ingest-engine/internal/embedding"
	"github.com/podcastkg/ingest-engine/internal/graphstore"
	"github.com/podcastkg/ingest-engine/internal/quota"
	"github.com/podcastkg/ingest-engine/internal/regroup"
	"github.com/podcastkg/ingest-engine/internal/registry"
	"github.com/podcastkg/ingest-engine/pkg/repo"
)

var (
	flagPodcast    string
	flagLogsDir    string
	flagConfigFile string
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-embed meaningful units that failed embedding during ingest",
	RunE:  runRecover,
}

func init() {
	fs := rootCmd.Flags()
	fs.StringVar(&flagPodcast, "podcast", "", "podcast ID from the registry (required)")
	fs.StringVar(&flagLogsDir, "logs-dir", "", "directory of failed_embeddings_*.json logs (default: <logs_root>/<podcast>)")
	fs.StringVar(&flagConfigFile, "config", "", "path to a config file")
	fs.BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRecover(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flagPodcast == "" {
		return fmt.Errorf("--podcast is required")
	}

	cfg, err := config.Load(flagConfigFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	podcast, ok := reg.Get(flagPodcast)
	if !ok {
		return fmt.Errorf("unknown podcast %q", flagPodcast)
	}

	logsDir := flagLogsDir
	if logsDir == "" {
		logsDir = filepath.Join(cfg.LogsRoot, podcast.ID)
	}

	keys := make([]quota.KeyConfig, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, quota.KeyConfig{
			Key: k,
			Budgets: map[string]quota.Budget{
				"claude-embed": {RequestsPerMinute: 100, RequestsPerDay: 20000, TokensPerMinute: 200000},
			},
		})
	}
	if len(keys) == 0 {
		return fmt.Errorf("no API keys configured")
	}
	quotaMgr := quota.New(keys, cfg.StatePath)
	embedClient := embedding.New(quotaMgr, embedding.Config{
		Model: "claude-embed", BatchSize: cfg.EmbeddingBatchSize,
		InterbatchDelay: time.Duration(cfg.EmbeddingInterbatchDelayMS) * time.Millisecond,
		Dimensions:      cfg.EmbeddingDimensions,
	})

	pool := graphstore.NewPool("neo4j", os.Getenv("PODCASTKG_NEO4J_PASSWORD"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	defer pool.Close(ctx)

	store, err := pool.Get(ctx, podcast)
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	failures, err := loadFailureLogs(logsDir)
	if err != nil {
		return fmt.Errorf("load failure logs: %w", err)
	}
	if len(failures) == 0 {
		log.Info("nothing to recover", "logs_dir", logsDir)
		return nil
	}
	log.Info("recovering failed embeddings", "count", len(failures), "logs_dir", logsDir)

	units := repo.NewNeo4jRepo[unitRecord, string](store.Driver(), "MeaningfulUnit", unitToMap, unitFromRecord)
	recovered, stillFailing := recoverAll(ctx, units, embedClient, failures, log)
	log.Info("recovery complete", "recovered", recovered, "still_failing", stillFailing, "total", len(failures))
	if stillFailing > 0 {
		os.Exit(2)
	}
	return nil
}

// loadFailureLogs reads every failed_embeddings_*.json file in dir and
// flattens them into one slice, deduplicating by unit ID so a unit
// logged by more than one run is only retried once.
func loadFailureLogs(dir string) ([]regroup.FailedEmbedding, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []regroup.FailedEmbedding
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "failed_embeddings_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var batch []regroup.FailedEmbedding
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for _, f := range batch {
			if seen[f.UnitID] {
				continue
			}
			seen[f.UnitID] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// unitRecord is the minimal view of a MeaningfulUnit this command reads
// and writes, adapted to pkg/repo.Neo4jRepo's generic CRUD shape — a
// good fit here since recovery only ever touches one node by ID, unlike
// internal/graphstore's multi-label MERGE writes.
type unitRecord struct {
	ID        string
	Text      string
	Embedding []float64
}

func unitToMap(u unitRecord) map[string]any {
	m := map[string]any{"id": u.ID}
	if u.Embedding != nil {
		m["embedding"] = u.Embedding
	}
	return m
}

func unitFromRecord(rec *neo4j.Record) (unitRecord, error) {
	raw, ok := rec.Get("n")
	if !ok {
		return unitRecord{}, fmt.Errorf("record missing node")
	}
	node, ok := raw.(neo4j.Node)
	if !ok {
		return unitRecord{}, fmt.Errorf("unexpected record shape %T", raw)
	}
	u := unitRecord{}
	if id, ok := node.Props["id"].(string); ok {
		u.ID = id
	}
	if text, ok := node.Props["text"].(string); ok {
		u.Text = text
	}
	return u, nil
}

// recoverAll fetches each failed unit's text, re-embeds it, and writes
// the embedding back onto the MeaningfulUnit node. A unit no longer
// present in the graph is skipped and counted in neither total; one
// whose re-embed attempt fails again is counted as still failing rather
// than aborting the run.
func recoverAll(ctx context.Context, units *repo.Neo4jRepo[unitRecord, string], embed *embedding.Client, failures []regroup.FailedEmbedding, log *slog.Logger) (recovered, stillFailing int) {
	for _, f := range failures {
		u, err := units.Get(ctx, f.UnitID)
		if err != nil {
			log.Warn("unit no longer present, skipping", "unit_id", f.UnitID, "error", err)
			continue
		}

		vectors, err := embed.Embed(ctx, []string{u.Text})
		if err != nil || len(vectors) == 0 || vectors[0] == nil {
			log.Warn("re-embed failed", "unit_id", f.UnitID, "error", err)
			stillFailing++
			continue
		}

		vals := make([]float64, len(vectors[0]))
		for i, v := range vectors[0] {
			vals[i] = float64(v)
		}
		if _, err := units.Update(ctx, unitRecord{ID: f.UnitID, Embedding: vals}); err != nil {
			log.Warn("write embedding failed", "unit_id", f.UnitID, "error", err)
			stillFailing++
			continue
		}
		recovered++
	}
	return recovered, stillFailing
}

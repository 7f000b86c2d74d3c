// Package graphstore implements the Graph Storage Coordinator (C8): schema
// bootstrap, episode-graph persistence, and archive-move handling against
// Neo4j. Built directly on the neo4j-go-driver session/transaction
// pattern pkg/repo.Neo4jRepo uses, generalized from single-label CRUD to
// multi-label MERGE writes spanning an episode's whole unit graph.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// SchemaConfig controls the optional native vector index.
type SchemaConfig struct {
	EmbeddingDimensions int
	SimilarityFunction  string // default "cosine"
}

// Bootstrap creates uniqueness constraints, supporting indexes, and (if
// the server supports it) the meaningfulUnitEmbeddings native vector
// index. Every statement uses IF NOT EXISTS, so repeated bootstrap calls
// across process restarts are no-ops. A server too old for vector
// indexes (pre-5.11) logs a warning and continues rather than failing
// startup — the index is an optimization, not a correctness requirement.
func Bootstrap(ctx context.Context, driver neo4j.DriverWithContext, cfg SchemaConfig, log *slog.Logger) error {
	sess := driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	constraints := []string{
		"CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (e:Episode) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT unit_id IF NOT EXISTS FOR (u:MeaningfulUnit) REQUIRE u.id IS UNIQUE",
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT quote_id IF NOT EXISTS FOR (q:Quote) REQUIRE q.id IS UNIQUE",
		"CREATE CONSTRAINT insight_id IF NOT EXISTS FOR (i:Insight) REQUIRE i.id IS UNIQUE",
		"CREATE CONSTRAINT topic_id IF NOT EXISTS FOR (t:Topic) REQUIRE t.id IS UNIQUE",
	}
	indexes := []string{
		"CREATE INDEX episode_podcast IF NOT EXISTS FOR (e:Episode) ON (e.podcast_id)",
		"CREATE INDEX unit_episode IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.episode_id)",
		"CREATE INDEX entity_name IF NOT EXISTS FOR (e:Entity) ON (e.canonical_name)",
	}

	for _, stmt := range constraints {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graphstore: bootstrap constraint: %w", err)
		}
	}
	for _, stmt := range indexes {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graphstore: bootstrap index: %w", err)
		}
	}

	if err := bootstrapVectorIndex(ctx, sess, cfg, log); err != nil {
		return err
	}
	return nil
}

func bootstrapVectorIndex(ctx context.Context, sess neo4j.SessionWithContext, cfg SchemaConfig, log *slog.Logger) error {
	simFn := cfg.SimilarityFunction
	if simFn == "" {
		simFn = "cosine"
	}
	dims := cfg.EmbeddingDimensions
	if dims <= 0 {
		dims = 768
	}

	stmt := fmt.Sprintf(`CREATE VECTOR INDEX meaningfulUnitEmbeddings IF NOT EXISTS
FOR (u:MeaningfulUnit) ON (u.embedding)
OPTIONS {indexConfig: {
  `+"`vector.dimensions`"+`: %d,
  `+"`vector.similarity_function`"+`: '%s'
}}`, dims, simFn)

	_, err := sess.Run(ctx, stmt, nil)
	if err != nil {
		if isUnsupportedProcedure(err) {
			log.Warn("server does not support native vector indexes; skipping", "error", err)
			return nil
		}
		return fmt.Errorf("graphstore: bootstrap vector index: %w", err)
	}
	return nil
}

// isUnsupportedProcedure reports whether err indicates the connected
// Neo4j server predates vector index support (pre-5.11), as opposed to a
// genuine configuration or connectivity failure that should abort
// startup.
func isUnsupportedProcedure(err error) bool {
	var neo4jErr *neo4j.Neo4jError
	if errors.As(err, &neo4jErr) {
		return neo4jErr.Code == "Neo.ClientError.Statement.SyntaxError" ||
			neo4jErr.Code == "Neo.ClientError.Procedure.ProcedureNotFound"
	}
	return false
}

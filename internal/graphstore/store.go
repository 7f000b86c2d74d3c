package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/podcastkg/ingest-engine/internal/extract"
	"github.com/podcastkg/ingest-engine/internal/model"
	"github.com/podcastkg/ingest-engine/internal/perr"
)

// Store coordinates writes against one podcast's graph database.
type Store struct {
	driver neo4j.DriverWithContext
}

// New wraps an already-connected driver for one podcast's database.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// Driver exposes the underlying connection for schema bootstrap, which
// operates below the Store abstraction (session-per-statement rather
// than a single write transaction).
func (s *Store) Driver() neo4j.DriverWithContext {
	return s.driver
}

// Ping validates connectivity, returning perr.ErrDatabaseUnavailable on
// failure so callers can route to that failure mode uniformly.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", perr.ErrDatabaseUnavailable, err)
	}
	return nil
}

// EpisodeGraph bundles everything one episode contributes to the graph.
type EpisodeGraph struct {
	Episode       model.Episode
	Units         []model.MeaningfulUnit
	Entities      []model.Entity
	Mentions      []model.Mention
	Quotes        []model.Quote
	Insights      []model.Insight
	Relationships []model.Relationship
	Topics        []model.Topic
}

// Persist writes an episode's whole graph in Episode -> Units -> Entities
// -> Mentions -> Quotes -> Insights -> Topics -> edges order, using MERGE throughout
// so a retried persist after a partial prior failure is idempotent.
// Entities are upserted before any relationship referencing them, by ID
// rather than in-memory pointer, per the two-pass DAG persistence the
// spec requires.
func (s *Store) Persist(ctx context.Context, g EpisodeGraph) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := mergeEpisode(ctx, tx, g.Episode); err != nil {
			return nil, err
		}
		for _, u := range g.Units {
			if err := mergeUnit(ctx, tx, u); err != nil {
				return nil, err
			}
		}
		for _, e := range g.Entities {
			if err := mergeEntity(ctx, tx, e); err != nil {
				return nil, err
			}
		}
		for _, m := range g.Mentions {
			if err := mergeMention(ctx, tx, m); err != nil {
				return nil, err
			}
		}
		for _, q := range g.Quotes {
			if err := mergeQuote(ctx, tx, q); err != nil {
				return nil, err
			}
		}
		for _, i := range g.Insights {
			if err := mergeInsight(ctx, tx, i); err != nil {
				return nil, err
			}
		}
		for _, t := range g.Topics {
			if err := mergeTopic(ctx, tx, g.Episode.ID, t); err != nil {
				return nil, err
			}
		}
		for _, r := range g.Relationships {
			if err := mergeRelationship(ctx, tx, r); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graphstore: persist episode %s: %w", g.Episode.ID, err)
	}
	return nil
}

func mergeEpisode(ctx context.Context, tx neo4j.ManagedTransaction, e model.Episode) error {
	_, err := tx.Run(ctx, `
MERGE (ep:Episode {id: $id})
SET ep.podcast_id = $podcast_id,
    ep.title = $title,
    ep.publication_date = $publication_date,
    ep.source_file_hash = $source_file_hash,
    ep.processing_status = $processing_status,
    ep.segments_count = $segments_count,
    ep.units_count = $units_count,
    ep.entities_count = $entities_count`,
		map[string]any{
			"id": e.ID, "podcast_id": e.PodcastID, "title": e.Title,
			"publication_date": e.PublicationDate, "source_file_hash": e.SourceFileHash,
			"processing_status": string(e.ProcessingStatus),
			"segments_count":    e.Counts.Segments, "units_count": e.Counts.Units, "entities_count": e.Counts.Entities,
		})
	return err
}

func mergeUnit(ctx context.Context, tx neo4j.ManagedTransaction, u model.MeaningfulUnit) error {
	params := map[string]any{
		"id": u.ID, "episode_id": u.EpisodeID, "ordinal": u.Ordinal,
		"start_ms": u.StartMS, "end_ms": u.EndMS, "speakers": u.Speakers,
		"text": u.Text, "summary": u.Summary, "themes": u.Themes,
	}
	if u.Embedding != nil {
		params["embedding"] = toFloat64Slice(u.Embedding)
	}
	if u.Sentiment != nil {
		params["polarity"] = u.Sentiment.Polarity
		params["sentiment_score"] = u.Sentiment.Score
		params["energy_level"] = u.Sentiment.EnergyLevel
	}

	_, err := tx.Run(ctx, `
MATCH (ep:Episode {id: $episode_id})
MERGE (u:MeaningfulUnit {id: $id})
SET u.ordinal = $ordinal, u.start_ms = $start_ms, u.end_ms = $end_ms,
    u.speakers = $speakers, u.text = $text, u.summary = $summary, u.themes = $themes
FOREACH (ignore IN CASE WHEN $embedding IS NOT NULL THEN [1] ELSE [] END | SET u.embedding = $embedding)
FOREACH (ignore IN CASE WHEN $polarity IS NOT NULL THEN [1] ELSE [] END |
  SET u.polarity = $polarity, u.sentiment_score = $sentiment_score, u.energy_level = $energy_level)
MERGE (ep)-[:HAS_UNIT]->(u)`, withDefaults(params, "embedding", "polarity", "sentiment_score", "energy_level"))
	return err
}

func mergeEntity(ctx context.Context, tx neo4j.ManagedTransaction, e model.Entity) error {
	_, err := tx.Run(ctx, `
MERGE (e:Entity {id: $id})
SET e.canonical_name = $canonical_name, e.type = $type`,
		map[string]any{"id": e.ID, "canonical_name": e.CanonicalName, "type": e.Type})
	return err
}

// mergeMention writes the MeaningfulUnit -> Entity MENTIONS edge for
// every entity extracted from a unit, not just those named in a
// relationship, carrying the occurrence offset spec's data model
// assigns to this edge.
func mergeMention(ctx context.Context, tx neo4j.ManagedTransaction, m model.Mention) error {
	_, err := tx.Run(ctx, `
MATCH (u:MeaningfulUnit {id: $unit_id})
MATCH (e:Entity {id: $entity_id})
MERGE (u)-[r:MENTIONS]->(e)
SET r.offset = $offset`,
		map[string]any{"unit_id": m.UnitID, "entity_id": m.EntityID, "offset": m.Offset})
	return err
}

func mergeQuote(ctx context.Context, tx neo4j.ManagedTransaction, q model.Quote) error {
	_, err := tx.Run(ctx, `
MATCH (u:MeaningfulUnit {id: $unit_id})
MERGE (q:Quote {id: $id})
SET q.speaker = $speaker, q.verbatim_text = $verbatim_text
MERGE (u)-[:HAS_QUOTE]->(q)`,
		map[string]any{"id": q.ID, "speaker": q.Speaker, "verbatim_text": q.VerbatimText, "unit_id": q.UnitID})
	return err
}

func mergeInsight(ctx context.Context, tx neo4j.ManagedTransaction, i model.Insight) error {
	_, err := tx.Run(ctx, `
MATCH (u:MeaningfulUnit {id: $unit_id})
MERGE (i:Insight {id: $id})
SET i.statement = $statement, i.category = $category
MERGE (u)-[:HAS_INSIGHT]->(i)`,
		map[string]any{"id": i.ID, "statement": i.Statement, "category": i.Category, "unit_id": i.UnitID})
	return err
}

func mergeTopic(ctx context.Context, tx neo4j.ManagedTransaction, episodeID string, t model.Topic) error {
	_, err := tx.Run(ctx, `
MATCH (ep:Episode {id: $episode_id})
MERGE (t:Topic {id: $id})
SET t.name = $name
MERGE (ep)-[:HAS_TOPIC]->(t)`,
		map[string]any{"id": t.ID, "name": t.Name, "episode_id": episodeID})
	return err
}

// mergeRelationship writes a unit-scoped edge between two already-merged
// entities, referenced by ID — never by an in-memory pointer, since the
// entities may have been merged in an earlier batch or a prior attempt.
// The MENTIONS edges for both endpoints are written separately by
// mergeMention, since every extracted entity gets one, not just those
// named in a relationship.
func mergeRelationship(ctx context.Context, tx neo4j.ManagedTransaction, r model.Relationship) error {
	_, err := tx.Run(ctx, `
MATCH (s:Entity {id: $subject_id})
MATCH (o:Entity {id: $object_id})
MERGE (s)-[rel:RELATES_TO {predicate: $predicate, unit_id: $unit_id}]->(o)`,
		map[string]any{
			"subject_id": r.SubjectID, "object_id": r.ObjectID,
			"predicate": r.Predicate, "unit_id": r.UnitID,
		})
	return err
}

func toFloat64Slice(v model.Embedding) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// withDefaults ensures every optional key is present (as nil) in params
// so Cypher's FOREACH/CASE null-checks see an explicit null rather than
// a missing parameter, which the driver would otherwise reject.
func withDefaults(params map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			params[k] = nil
		}
	}
	return params
}

// MergeExtraction folds an extract.Result into the running EpisodeGraph
// accumulator, deduplicating entities already seen in a prior unit's
// result by ID.
func (g *EpisodeGraph) MergeExtraction(r extract.Result) {
	seen := make(map[string]bool, len(g.Entities))
	for _, e := range g.Entities {
		seen[e.ID] = true
	}
	for _, e := range r.Entities {
		if !seen[e.ID] {
			seen[e.ID] = true
			g.Entities = append(g.Entities, e)
		}
	}
	g.Mentions = append(g.Mentions, r.Mentions...)
	g.Quotes = append(g.Quotes, r.Quotes...)
	g.Insights = append(g.Insights, r.Insights...)
	g.Relationships = append(g.Relationships, r.Relationships...)
}

// Package regroup implements the Segment Regrouper (C6): it materializes
// each analyzer ConversationUnit into a persistable model.MeaningfulUnit
// (concatenated text, deduplicated speakers, derived timing), batches the
// unit texts to internal/embedding, and records any embeddings that
// failed to generate so the recovery job can retry them later.
package regroup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/podcastkg/ingest-engine/internal/embedding"
	"github.com/podcastkg/ingest-engine/internal/model"
)

// Regrouper turns a ConversationStructure plus its source segments into
// MeaningfulUnits with embeddings attached.
type Regrouper struct {
	embed *embedding.Client
	now   func() time.Time
}

// New builds a Regrouper using the shared embedding client.
func New(embed *embedding.Client) *Regrouper {
	return &Regrouper{embed: embed, now: time.Now}
}

// FailedEmbedding records one unit whose embedding generation failed, for
// the recovery job's failed_embeddings log.
type FailedEmbedding struct {
	EpisodeID string    `json:"episode_id"`
	UnitID    string    `json:"unit_id"`
	FailedAt  time.Time `json:"failed_at"`
}

// Result is the regrouper's output: materialized units plus a record of
// any embeddings that came back absent.
type Result struct {
	Units            []model.MeaningfulUnit
	FailedEmbeddings []FailedEmbedding
}

// Regroup materializes structure.Units into MeaningfulUnits and fetches
// their embeddings in one batch.
func (r *Regrouper) Regroup(ctx context.Context, episodeID string, segments []model.Segment, structure model.ConversationStructure) (Result, error) {
	units := make([]model.MeaningfulUnit, 0, len(structure.Units))
	texts := make([]string, 0, len(structure.Units))

	for i, u := range structure.Units {
		mu := materialize(episodeID, i, u, segments)
		units = append(units, mu)
		texts = append(texts, mu.Text)
	}

	vectors, err := r.embed.Embed(ctx, texts)
	if err != nil {
		return Result{}, fmt.Errorf("regroup: embed: %w", err)
	}

	var failed []FailedEmbedding
	now := r.now()
	for i := range units {
		units[i].Embedding = vectors[i]
		if vectors[i] == nil {
			failed = append(failed, FailedEmbedding{EpisodeID: episodeID, UnitID: units[i].ID, FailedAt: now})
		}
	}

	return Result{Units: units, FailedEmbeddings: failed}, nil
}

// materialize builds one MeaningfulUnit from a ConversationUnit's
// segment span: ID "{episode_id}_unit_{NNN}_{unit_type}", concatenated
// text in segment order, deduplicated speaker list in first-seen order,
// start/end taken from the span's first and last segment.
func materialize(episodeID string, ordinal int, u model.ConversationUnit, segments []model.Segment) model.MeaningfulUnit {
	start := clampIndex(u.StartIndex, len(segments))
	end := clampIndex(u.EndIndex, len(segments))

	var text string
	var startMS, endMS int64
	seen := make(map[string]bool)
	var speakers []string

	for i := start; i <= end && i < len(segments); i++ {
		seg := segments[i]
		if i == start {
			startMS = seg.StartMS
		}
		endMS = seg.EndMS
		if text != "" {
			text += " "
		}
		text += seg.Text
		if !seen[seg.SpeakerLabel] {
			seen[seg.SpeakerLabel] = true
			speakers = append(speakers, seg.SpeakerLabel)
		}
	}

	return model.MeaningfulUnit{
		ID:        fmt.Sprintf("%s_unit_%03d_%s", episodeID, ordinal, u.UnitType),
		EpisodeID: episodeID,
		Ordinal:   ordinal,
		StartMS:   startMS,
		EndMS:     endMS,
		Speakers:  speakers,
		Text:      text,
		Summary:   u.Summary,
		Themes:    u.Themes,
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if n > 0 && i > n-1 {
		return n - 1
	}
	return i
}

// WriteFailureLog writes a timestamped JSON log of failed embeddings
// under dir, returning its path. A no-op if failed is empty.
func WriteFailureLog(dir, episodeID string, failed []FailedEmbedding, now time.Time) (string, error) {
	if len(failed) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("regroup: mkdir failure log dir: %w", err)
	}
	name := fmt.Sprintf("failed_embeddings_%s_%s.json", episodeID, now.UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(failed, "", "  ")
	if err != nil {
		return "", fmt.Errorf("regroup: marshal failure log: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("regroup: write failure log: %w", err)
	}
	return path, nil
}

// Package analyzer implements the Conversation Analyzer (C5): it asks
// the model to segment an episode's transcript into ConversationUnits,
// then repairs the small amount of index drift LLM output reliably has
// (off-by-one boundaries, tiny overlaps) before handing a strictly
// ordered ConversationStructure to internal/regroup.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/podcastkg/ingest-engine/internal/llm"
	"github.com/podcastkg/ingest-engine/internal/model"
	"github.com/podcastkg/ingest-engine/internal/perr"
	"github.com/podcastkg/ingest-engine/internal/promptcache"
)

// Config controls model selection and sampling parameters for the
// structuring call.
type Config struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int64
}

// Analyzer turns an episode's segments into a ConversationStructure.
type Analyzer struct {
	llm   *llm.Client
	cache *promptcache.Manager
	cfg   Config
}

// New builds an Analyzer sharing the process-wide LLM client and cache manager.
func New(client *llm.Client, cache *promptcache.Manager, cfg Config) *Analyzer {
	return &Analyzer{llm: client, cache: cache, cfg: cfg}
}

// Analyze builds one structuring prompt from segments, calls the model
// in JSON mode, repairs boundary drift, and validates the strict
// ordering invariant. Returns perr.ErrStructureInvalid when repair
// cannot produce a valid structure.
func (a *Analyzer) Analyze(ctx context.Context, episodeID string, segments []model.Segment) (model.ConversationStructure, error) {
	prompt := buildPrompt(segments)

	var cacheHandle promptcache.Handle
	if a.cache != nil {
		if h, ok := a.cache.EpisodeHandle(episodeID, estimateTokens(prompt)); ok {
			cacheHandle = h
		}
	}

	resp, err := a.llm.Complete(ctx, llm.Request{
		Model:           a.cfg.Model,
		SystemPrompt:    systemPrompt,
		UserPrompt:      prompt,
		JSONMode:        true,
		CacheHandle:     cacheHandle,
		Temperature:     a.cfg.Temperature,
		MaxOutputTokens: a.cfg.MaxOutputTokens,
	})
	if err != nil {
		return model.ConversationStructure{}, fmt.Errorf("analyzer: structuring call: %w", err)
	}

	var parsed rawStructure
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return model.ConversationStructure{}, fmt.Errorf("%w: unparseable structure: %v", perr.ErrStructureInvalid, err)
	}

	structure := parsed.toModel()
	repaired, err := repair(structure, len(segments))
	if err != nil {
		return model.ConversationStructure{}, fmt.Errorf("%w: %v", perr.ErrStructureInvalid, err)
	}
	return repaired, nil
}

type rawUnit struct {
	StartIndex int      `json:"start_index"`
	EndIndex   int      `json:"end_index"`
	UnitType   string   `json:"unit_type"`
	Themes     []string `json:"themes"`
	Summary    string   `json:"summary"`
}

type rawStructure struct {
	Units   []rawUnit `json:"units"`
	Themes  []string  `json:"themes"`
	Summary string    `json:"summary"`
}

func (r rawStructure) toModel() model.ConversationStructure {
	units := make([]model.ConversationUnit, 0, len(r.Units))
	for _, u := range r.Units {
		units = append(units, model.ConversationUnit{
			StartIndex: u.StartIndex,
			EndIndex:   u.EndIndex,
			UnitType:   model.UnitType(u.UnitType),
			Themes:     u.Themes,
			Summary:    u.Summary,
		})
	}
	return model.ConversationStructure{Units: units, Themes: r.Themes, Summary: r.Summary}
}

const systemPrompt = `You segment podcast transcripts into conversation units. ` +
	`Respond with JSON only: {"units": [{"start_index": int, "end_index": int, ` +
	`"unit_type": "introduction|topic_discussion|transition|conclusion|key_moment|tangent", ` +
	`"themes": [string], "summary": string}], "themes": [string], "summary": string}. ` +
	`Indices refer to the numbered segments below. Units must cover the transcript ` +
	`in order without overlapping.`

func buildPrompt(segments []model.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "[%d] %s: %s\n", s.Index, s.SpeakerLabel, s.Text)
	}
	return b.String()
}

// estimateTokens is a rough chars/4 approximation, sufficient for the
// min_cache_size_tokens gate — exact accounting comes from the
// provider's own usage report on the response.
func estimateTokens(prompt string) int {
	return len(prompt) / 4
}

// repair clips, sorts, and adjusts unit boundaries so the final sequence
// satisfies the strict non-overlap invariant: end_index(u_i) <
// start_index(u_{i+1}). An overlap is resolved by pulling the earlier
// unit's end_index down to curr.start_index-1, never by pushing the
// later unit's start_index up, so each unit keeps the start boundary the
// analyzer assigned it. Units that become empty after clipping or
// adjustment are dropped. Returns an error if no valid structure can be
// produced.
func repair(s model.ConversationStructure, segmentCount int) (model.ConversationStructure, error) {
	units := make([]model.ConversationUnit, len(s.Units))
	copy(units, s.Units)

	for i := range units {
		if units[i].StartIndex < 0 {
			units[i].StartIndex = 0
		}
		if units[i].EndIndex > segmentCount-1 {
			units[i].EndIndex = segmentCount - 1
		}
	}

	sort.SliceStable(units, func(i, j int) bool {
		return units[i].StartIndex < units[j].StartIndex
	})

	var repaired []model.ConversationUnit
	for _, u := range units {
		if n := len(repaired); n > 0 && repaired[n-1].EndIndex >= u.StartIndex {
			repaired[n-1].EndIndex = u.StartIndex - 1
			if repaired[n-1].StartIndex > repaired[n-1].EndIndex {
				repaired = repaired[:n-1] // prev collapsed to empty; drop it
			}
		}
		if u.StartIndex > u.EndIndex {
			continue // empty to begin with; drop it
		}
		repaired = append(repaired, u)
	}

	if len(repaired) == 0 {
		return model.ConversationStructure{}, fmt.Errorf("no valid units survived repair")
	}

	for i := 1; i < len(repaired); i++ {
		if repaired[i-1].EndIndex >= repaired[i].StartIndex {
			return model.ConversationStructure{}, fmt.Errorf("overlap persists after repair at unit %d", i)
		}
	}

	s.Units = repaired
	return s, nil
}

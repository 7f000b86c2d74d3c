// Package extract implements the Combined Extraction Orchestrator (C7):
// one JSON-mode call per MeaningfulUnit that returns entities, quotes,
// insights, relationships, and sentiment together, followed by the
// validation and normalization passes spec §4.7 requires before any of
// it is handed to internal/graphstore.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/podcastkg/ingest-engine/internal/llm"
	"github.com/podcastkg/ingest-engine/internal/model"
	"github.com/podcastkg/ingest-engine/internal/promptcache"
)

// Config controls model-tier routing and acceptance thresholds.
type Config struct {
	StandardModel      string
	ImportantModel      string
	ImportantUnitTypes map[model.UnitType]bool
	Temperature        float64
	MaxOutputTokens    int64
	MinConfidence      float64
}

// Extractor performs per-unit combined extraction.
type Extractor struct {
	llm   *llm.Client
	cache *promptcache.Manager
	cfg   Config
}

// New builds an Extractor sharing the process-wide LLM client.
func New(client *llm.Client, cache *promptcache.Manager, cfg Config) *Extractor {
	return &Extractor{llm: client, cache: cache, cfg: cfg}
}

// Result is everything extracted from one unit, already validated.
type Result struct {
	Entities      []model.Entity
	Mentions      []model.Mention
	Quotes        []model.Quote
	Insights      []model.Insight
	Relationships []model.Relationship
	Sentiment     *model.Sentiment
}

// Extract runs one combined extraction call for a unit. A failure here
// isolates to the unit: the caller is expected to log and continue, not
// abort the episode (spec §4.7's per-unit failure isolation).
func (e *Extractor) Extract(ctx context.Context, episodeID string, unit model.MeaningfulUnit) (Result, error) {
	model_ := e.modelFor(unit.Summary, unit)

	var cacheHandle promptcache.Handle
	if e.cache != nil {
		if h, ok := e.cache.EpisodeHandle(episodeID, len(unit.Text)/4); ok {
			cacheHandle = h
		}
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:           model_,
		SystemPrompt:    systemPrompt,
		UserPrompt:      buildPrompt(unit),
		JSONMode:        true,
		CacheHandle:     cacheHandle,
		Temperature:     e.cfg.Temperature,
		MaxOutputTokens: e.cfg.MaxOutputTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("extract: unit %s: %w", unit.ID, err)
	}

	var raw rawExtraction
	if err := json.Unmarshal([]byte(resp.Text), &raw); err != nil {
		return Result{}, fmt.Errorf("extract: unit %s: unparseable response: %w", unit.ID, err)
	}

	return e.validate(unit, raw), nil
}

func (e *Extractor) modelFor(_ string, unit model.MeaningfulUnit) string {
	if e.cfg.ImportantUnitTypes != nil && e.cfg.ImportantUnitTypes[unitType(unit)] {
		return e.cfg.ImportantModel
	}
	return e.cfg.StandardModel
}

// unitType recovers the analyzer's unit type from the ID suffix, since
// MeaningfulUnit doesn't carry it directly after materialization. IDs
// look like "{episode_id}_unit_{NNN}_{unit_type}", and unit_type itself
// may contain underscores (e.g. "key_moment"), so we locate the "_unit_"
// marker and the 3-digit ordinal that follows it rather than splitting
// on the last underscore.
func unitType(u model.MeaningfulUnit) model.UnitType {
	marker := "_unit_"
	idx := strings.Index(u.ID, marker)
	if idx < 0 {
		return ""
	}
	rest := u.ID[idx+len(marker):]
	sep := strings.Index(rest, "_")
	if sep < 0 {
		return ""
	}
	return model.UnitType(rest[sep+1:])
}

type rawExtraction struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
	Quotes []struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
	} `json:"quotes"`
	Insights []struct {
		Statement string `json:"statement"`
		Category  string `json:"category"`
	} `json:"insights"`
	Relationships []struct {
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Object    string `json:"object"`
	} `json:"relationships"`
	Sentiment *struct {
		Polarity    float64 `json:"polarity"`
		Confidence  float64 `json:"confidence"`
		EnergyLevel float64 `json:"energy_level"`
	} `json:"sentiment"`
}

const systemPrompt = `Extract structured knowledge from one podcast conversation unit. ` +
	`Respond with JSON only: {"entities": [{"name","type"}], ` +
	`"quotes": [{"speaker","text"}], "insights": [{"statement","category"}], ` +
	`"relationships": [{"subject","predicate","object"}], ` +
	`"sentiment": {"polarity","confidence","energy_level"}}. ` +
	`Quotes must be verbatim substrings of the unit text.`

func buildPrompt(unit model.MeaningfulUnit) string {
	return fmt.Sprintf("Speakers: %s\n\n%s", strings.Join(unit.Speakers, ", "), unit.Text)
}

// validate applies quote-substring checking, entity-resolution
// canonicalization, and sentiment confidence filtering to a raw
// extraction, discarding anything that fails — never the whole unit.
func (e *Extractor) validate(unit model.MeaningfulUnit, raw rawExtraction) Result {
	normalizedUnitText := normalizeForMatch(unit.Text)

	entityIDs := make(map[string]string) // canonical key -> Entity.ID
	var entities []model.Entity
	mentioned := make(map[string]bool)
	var mentions []model.Mention
	for _, re := range raw.Entities {
		name := strings.TrimSpace(re.Name)
		if name == "" {
			continue
		}
		key := canonicalize(name)
		id, found := entityIDs[key]
		if !found {
			id = fmt.Sprintf("entity_%s", key)
			entityIDs[key] = id
			entities = append(entities, model.Entity{ID: id, CanonicalName: name, Type: re.Type})
		} else {
			for i := range entities {
				if entities[i].ID == id {
					entities[i].Type = re.Type
				}
			}
		}
		if !mentioned[id] {
			mentioned[id] = true
			mentions = append(mentions, model.Mention{EntityID: id, UnitID: unit.ID, Offset: findOffset(unit.Text, name)})
		}
	}
	// lookup resolves a relationship subject/object against this unit's
	// already-extracted entity list only — it never creates an entity, so
	// a relationship naming something outside that list is rejected below.
	lookup := func(name string) (id string, ok bool) {
		name = strings.TrimSpace(name)
		if name == "" {
			return "", false
		}
		id, ok = entityIDs[canonicalize(name)]
		return id, ok
	}

	var quotes []model.Quote
	for i, rq := range raw.Quotes {
		norm_ := normalizeForMatch(rq.Text)
		if norm_ == "" || !strings.Contains(normalizedUnitText, norm_) {
			continue // not a verbatim substring after normalization: discard
		}
		quotes = append(quotes, model.Quote{
			ID:           fmt.Sprintf("%s_quote_%03d", unit.ID, i),
			Speaker:      rq.Speaker,
			VerbatimText: rq.Text,
			UnitID:       unit.ID,
		})
	}

	var insights []model.Insight
	for i, ri := range raw.Insights {
		if strings.TrimSpace(ri.Statement) == "" {
			continue
		}
		insights = append(insights, model.Insight{
			ID:        fmt.Sprintf("%s_insight_%03d", unit.ID, i),
			Statement: ri.Statement,
			Category:  ri.Category,
			UnitID:    unit.ID,
		})
	}

	var relationships []model.Relationship
	for _, rr := range raw.Relationships {
		subjID, ok1 := lookup(rr.Subject)
		objID, ok2 := lookup(rr.Object)
		if !ok1 || !ok2 || strings.TrimSpace(rr.Predicate) == "" {
			// Subject or object isn't in this unit's entity list: reject
			// the relationship rather than fabricate an entity for it.
			continue
		}
		relationships = append(relationships, model.Relationship{
			SubjectID: subjID, Predicate: rr.Predicate, ObjectID: objID, UnitID: unit.ID,
		})
	}

	var sentiment *model.Sentiment
	if raw.Sentiment != nil && raw.Sentiment.Confidence >= e.cfg.MinConfidence {
		sentiment = &model.Sentiment{
			Polarity:    clamp(raw.Sentiment.Polarity, -1, 1),
			Score:       clamp(raw.Sentiment.Confidence, 0, 1),
			EnergyLevel: clamp(raw.Sentiment.EnergyLevel, 0, 1),
		}
	}

	return Result{
		Entities:      entities,
		Mentions:      mentions,
		Quotes:        quotes,
		Insights:      insights,
		Relationships: relationships,
		Sentiment:     sentiment,
	}
}

// findOffset locates name's first case-insensitive occurrence in text,
// falling back to 0 when the model's extracted name doesn't appear in
// the text at all (for example, a paraphrase of the source wording).
func findOffset(text, name string) int {
	if idx := strings.Index(strings.ToLower(text), strings.ToLower(name)); idx >= 0 {
		return idx
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeForMatch applies NFC normalization and whitespace collapse so
// a quote substring check isn't defeated by combining-character or
// run-of-spaces differences between model output and source text.
func normalizeForMatch(s string) string {
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return s
}

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// canonicalize folds a name to a diacritic-stripped, lowercased key so
// "José" and "jose" resolve to the same Entity across mentions.
func canonicalize(name string) string {
	stripped, _, err := transform.String(diacriticStripper, name)
	if err != nil {
		stripped = name
	}
	stripped = strings.ToLower(strings.Join(strings.Fields(stripped), "_"))
	return stripped
}

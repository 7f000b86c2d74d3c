package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/podcastkg/ingest-engine/internal/model"
)

func TestCanonicalizeFoldsDiacriticsAndCase(t *testing.T) {
	require.Equal(t, canonicalize("José"), canonicalize("jose"))
	require.Equal(t, canonicalize("San Francisco"), canonicalize("san_francisco"))
}

func TestNormalizeForMatchCollapsesWhitespace(t *testing.T) {
	require.Equal(t, "hello world", normalizeForMatch("hello   world\n"))
}

func TestValidateDiscardsNonSubstringQuote(t *testing.T) {
	e := &Extractor{cfg: Config{MinConfidence: 0.5}}
	unit := model.MeaningfulUnit{ID: "ep1_unit_000_introduction", Text: "We talked about cats and dogs."}

	raw := rawExtraction{
		Quotes: []struct {
			Speaker string `json:"speaker"`
			Text    string `json:"text"`
		}{
			{Speaker: "Alice", Text: "cats and dogs"},
			{Speaker: "Bob", Text: "this text is not present"},
		},
	}

	result := e.validate(unit, raw)
	require.Len(t, result.Quotes, 1)
	require.Equal(t, "cats and dogs", result.Quotes[0].VerbatimText)
}

func TestValidateResolvesDuplicateEntities(t *testing.T) {
	e := &Extractor{cfg: Config{MinConfidence: 0.5}}
	unit := model.MeaningfulUnit{ID: "ep1_unit_000_introduction", Text: "José and jose talked."}

	raw := rawExtraction{
		Entities: []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		}{
			{Name: "José", Type: "PERSON"},
			{Name: "jose", Type: "PERSON"},
		},
	}
	result := e.validate(unit, raw)
	require.Len(t, result.Entities, 1)
}

func TestValidateFiltersLowConfidenceSentiment(t *testing.T) {
	e := &Extractor{cfg: Config{MinConfidence: 0.5}}
	unit := model.MeaningfulUnit{ID: "ep1_unit_000_introduction", Text: "whatever"}

	raw := rawExtraction{
		Sentiment: &struct {
			Polarity    float64 `json:"polarity"`
			Confidence  float64 `json:"confidence"`
			EnergyLevel float64 `json:"energy_level"`
		}{Polarity: 0.8, Confidence: 0.2, EnergyLevel: 0.5},
	}
	result := e.validate(unit, raw)
	require.Nil(t, result.Sentiment)
}

func TestValidateMentionsEveryEntityNotJustRelationshipParticipants(t *testing.T) {
	e := &Extractor{cfg: Config{MinConfidence: 0.5}}
	unit := model.MeaningfulUnit{ID: "ep1_unit_000_introduction", Text: "Alice mentioned Bob and Carol."}

	raw := rawExtraction{
		Entities: []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		}{
			{Name: "Alice", Type: "PERSON"},
			{Name: "Bob", Type: "PERSON"},
			{Name: "Carol", Type: "PERSON"},
		},
		Relationships: []struct {
			Subject   string `json:"subject"`
			Predicate string `json:"predicate"`
			Object    string `json:"object"`
		}{
			{Subject: "Alice", Predicate: "mentions", Object: "Bob"},
		},
	}
	result := e.validate(unit, raw)
	require.Len(t, result.Entities, 3)
	require.Len(t, result.Mentions, 3, "Carol has no relationship but was still extracted as an entity")
	require.Len(t, result.Relationships, 1)
}

func TestValidateRejectsRelationshipWithUnresolvedEndpoint(t *testing.T) {
	e := &Extractor{cfg: Config{MinConfidence: 0.5}}
	unit := model.MeaningfulUnit{ID: "ep1_unit_000_introduction", Text: "Alice talked about cats."}

	raw := rawExtraction{
		Entities: []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		}{
			{Name: "Alice", Type: "PERSON"},
		},
		Relationships: []struct {
			Subject   string `json:"subject"`
			Predicate string `json:"predicate"`
			Object    string `json:"object"`
		}{
			{Subject: "Alice", Predicate: "likes", Object: "cats"}, // "cats" was never extracted as an entity
		},
	}
	result := e.validate(unit, raw)
	require.Empty(t, result.Relationships)
}

func TestModelForRoutesImportantUnitTypes(t *testing.T) {
	e := &Extractor{cfg: Config{
		StandardModel:      "claude-haiku",
		ImportantModel:     "claude-sonnet",
		ImportantUnitTypes: map[model.UnitType]bool{model.UnitKeyMoment: true},
	}}
	important := model.MeaningfulUnit{ID: "ep1_unit_000_key_moment"}
	standard := model.MeaningfulUnit{ID: "ep1_unit_001_tangent"}

	require.Equal(t, "claude-sonnet", e.modelFor("", important))
	require.Equal(t, "claude-haiku", e.modelFor("", standard))
}

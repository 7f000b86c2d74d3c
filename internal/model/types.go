// Package model defines the core data types of the knowledge graph: the
// entities persisted by internal/graphstore and the in-memory artifacts
// that flow between internal/analyzer, internal/regroup, and
// internal/extract on the way there.
package model

import "time"

// ProcessingStatus is the lifecycle state of an Episode.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusInProgress ProcessingStatus = "in_progress"
	StatusComplete   ProcessingStatus = "complete"
	StatusFailed     ProcessingStatus = "failed"
)

// DatabaseTarget is the connection/routing information for a podcast's
// logically separate graph database.
type DatabaseTarget struct {
	URI      string `yaml:"uri" json:"uri"`
	Database string `yaml:"database_name" json:"database_name"`
	Port     int    `yaml:"port" json:"port"`
}

// Podcast is created once per registration; immutable thereafter.
type Podcast struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	RSSURL   string          `json:"rss_url"`
	Database DatabaseTarget  `json:"database_target"`
}

// EpisodeCounts are the cached, derivable-but-stored summary counters the
// Driver writes at commit time.
type EpisodeCounts struct {
	Segments int `json:"segments"`
	Units    int `json:"units"`
	Entities int `json:"entities"`
}

// Episode is created on first ingest attempt and mutated only by the Driver.
type Episode struct {
	ID               string           `json:"id"`
	PodcastID        string           `json:"podcast_id"`
	Title            string           `json:"title"`
	PublicationDate  time.Time        `json:"publication_date"`
	SourceFileHash   string           `json:"source_file_hash"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	ArchivePath      string           `json:"archive_path,omitempty"`
	ArchivedAt       *time.Time       `json:"archived_at,omitempty"`
	Counts           EpisodeCounts    `json:"counts"`
}

// Segment is a single speaker-timed cue parsed from the VTT source. It is
// input-only: held in memory during processing, never persisted.
type Segment struct {
	Index       int    `json:"index"`
	StartMS     int64  `json:"start_ms"`
	EndMS       int64  `json:"end_ms"`
	SpeakerLabel string `json:"speaker_label"`
	Text        string `json:"text"`
}

// UnitType labels a ConversationUnit and drives C7's model-tier routing.
type UnitType string

const (
	UnitIntroduction    UnitType = "introduction"
	UnitTopicDiscussion UnitType = "topic_discussion"
	UnitTransition      UnitType = "transition"
	UnitConclusion      UnitType = "conclusion"
	UnitKeyMoment       UnitType = "key_moment"
	UnitTangent         UnitType = "tangent"
)

// ConversationUnit is the analysis artifact produced by C5, before C6
// materializes it into a MeaningfulUnit. Invariant: across an ordered
// slice of units, end_index(u_i) < start_index(u_{i+1}) — a strictly
// ordered, non-overlapping cover of a contiguous sub-range of segments.
type ConversationUnit struct {
	StartIndex int      `json:"start_index"`
	EndIndex   int      `json:"end_index"`
	UnitType   UnitType `json:"unit_type"`
	Themes     []string `json:"themes"`
	Summary    string   `json:"summary"`
}

// ConversationStructure is C5's output.
type ConversationStructure struct {
	Units   []ConversationUnit `json:"units"`
	Themes  []string           `json:"themes"`
	Summary string             `json:"summary"`
}

// Sentiment is attached to a MeaningfulUnit once C7's filtering accepts it.
type Sentiment struct {
	Polarity    float64 `json:"polarity"`     // [-1, 1]
	Score       float64 `json:"score"`        // [0, 1]
	EnergyLevel float64 `json:"energy_level"` // [0, 1]
}

// Embedding is a fixed-dimension vector, or absent (nil) when generation
// failed for that unit. The zero value is indistinguishable from "not yet
// attempted"; callers track attempted-vs-absent separately.
type Embedding []float32

// MeaningfulUnit is the durable conversational unit persisted to the graph.
// ID format: "{episode_id}_unit_{NNN}_{unit_type}", globally unique forever.
type MeaningfulUnit struct {
	ID        string    `json:"id"`
	EpisodeID string    `json:"episode_id"`
	Ordinal   int       `json:"ordinal"`
	StartMS   int64     `json:"start_ms"`
	EndMS     int64     `json:"end_ms"`
	Speakers  []string  `json:"speakers"`
	Text      string    `json:"text"`
	Summary   string    `json:"summary"`
	Themes    []string  `json:"themes"`
	Embedding Embedding `json:"embedding,omitempty"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
}

// Entity has no embedding (deliberate cost choice, see spec §4.3/§4.7).
type Entity struct {
	ID            string `json:"id"`
	CanonicalName string `json:"canonical_name"`
	Type          string `json:"type"` // PERSON/ORG/CONCEPT/...
}

// Quote's VerbatimText must occur as a substring of its unit's text.
type Quote struct {
	ID           string `json:"id"`
	Speaker      string `json:"speaker"`
	VerbatimText string `json:"verbatim_text"`
	UnitID       string `json:"unit_id"`
}

// Insight is a statement extracted from a unit.
type Insight struct {
	ID        string `json:"id"`
	Statement string `json:"statement"`
	Category  string `json:"category"`
	UnitID    string `json:"unit_id"`
}

// Relationship is an entity<->entity edge with unit-level provenance.
type Relationship struct {
	SubjectID string `json:"subject_id"`
	Predicate string `json:"predicate"`
	ObjectID  string `json:"object_id"`
	UnitID    string `json:"unit_id"`
}

// Mention is a MeaningfulUnit -> Entity MENTIONS edge, carrying the
// character offset of the entity's first occurrence in the unit's text.
type Mention struct {
	EntityID string `json:"entity_id"`
	UnitID   string `json:"unit_id"`
	Offset   int    `json:"offset"`
}

// Topic is many-to-many with Episode via HAS_TOPIC.
type Topic struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Cluster is produced by an external job but is queryable from the core.
type Cluster struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Centroid Embedding `json:"centroid"`
}

// Package tracker implements the Episode Tracker (C9): deterministic
// episode identity, ingest eligibility, and status transitions, bridging
// to the rest of a combined deployment over NATS when one is present
// (spec §7), or persisting status locally when the engine runs standalone.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/podcastkg/ingest-engine/internal/model"
	"github.com/podcastkg/ingest-engine/pkg/natsutil"
)

// EpisodeCompleteEvent is published to knowledge.episode.complete in
// combined mode, so a sibling service can react to newly ingested episodes.
type EpisodeCompleteEvent struct {
	EpisodeID string    `json:"episode_id"`
	PodcastID string    `json:"podcast_id"`
	Title     string    `json:"title"`
	UnitCount int       `json:"unit_count"`
	At        time.Time `json:"at"`
}

const completeSubject = "knowledge.episode.complete"

// Tracker records episode lifecycle state and optionally broadcasts
// completion events over NATS.
type Tracker struct {
	mu    sync.Mutex
	path  string
	state map[string]model.Episode

	nc      *nats.Conn // nil => independent mode
	now     func() time.Time
}

// New creates a Tracker persisting state at path. If natsURL is
// non-empty and a connection succeeds, the Tracker operates in combined
// mode and publishes completion events; otherwise it falls back to
// independent mode transparently.
func New(path, natsURL string) (*Tracker, error) {
	t := &Tracker{path: path, state: make(map[string]model.Episode), now: time.Now}
	if err := t.load(); err != nil {
		return nil, err
	}
	if natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err == nil {
			t.nc = nc
		}
	}
	return t, nil
}

// Mode reports which pipeline mode the tracker ended up in.
func (t *Tracker) Mode() string {
	if t.nc != nil {
		return "combined"
	}
	return "independent"
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// EpisodeID derives a stable, globally unique episode identifier from a
// podcast, title, and publication date, so the same source file always
// maps to the same ID across reruns regardless of ingestion order.
func EpisodeID(podcastID, title string, date time.Time) string {
	slug := nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	slug = strings.Trim(slug, "-")
	sum := sha256.Sum256([]byte(podcastID + "|" + slug + "|" + date.UTC().Format("2006-01-02")))
	return fmt.Sprintf("%s_%s_%s", podcastID, date.UTC().Format("20060102"), hex.EncodeToString(sum[:4]))
}

// ShouldIngest reports whether episodeID has not already reached a
// terminal (complete) status.
func (t *Tracker) ShouldIngest(episodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, ok := t.state[episodeID]
	if !ok {
		return true
	}
	return ep.ProcessingStatus != model.StatusComplete
}

// MarkInProgress records an episode as started.
func (t *Tracker) MarkInProgress(episodeID, podcastID, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep := t.state[episodeID]
	ep.ID = episodeID
	ep.PodcastID = podcastID
	ep.Title = title
	ep.ProcessingStatus = model.StatusInProgress
	ep.FailureReason = ""
	t.state[episodeID] = ep
	t.persist()
}

// MarkComplete records an episode as finished and, in combined mode,
// publishes an EpisodeCompleteEvent.
func (t *Tracker) MarkComplete(ctx context.Context, ep model.Episode) error {
	t.mu.Lock()
	ep.ProcessingStatus = model.StatusComplete
	t.state[ep.ID] = ep
	t.persist()
	nc := t.nc
	t.mu.Unlock()

	if nc == nil {
		return nil
	}
	return natsutil.Publish(ctx, nc, completeSubject, EpisodeCompleteEvent{
		EpisodeID: ep.ID, PodcastID: ep.PodcastID, Title: ep.Title,
		UnitCount: ep.Counts.Units, At: t.now(),
	})
}

// MarkFailed records an episode as failed with reason, so a later run
// can decide whether to retry it.
func (t *Tracker) MarkFailed(episodeID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep := t.state[episodeID]
	ep.ID = episodeID
	ep.ProcessingStatus = model.StatusFailed
	ep.FailureReason = reason
	t.state[episodeID] = ep
	t.persist()
}

// Close releases the NATS connection, if any.
func (t *Tracker) Close() {
	if t.nc != nil {
		t.nc.Close()
	}
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("tracker: load: %w", err)
	}
	return json.Unmarshal(data, &t.state)
}

// persist writes state to disk via temp-file + rename. Must be called
// with mu held.
func (t *Tracker) persist() {
	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(t.path)
	os.MkdirAll(dir, 0o755)
	tmp, err := os.CreateTemp(dir, ".tracker-*.tmp")
	if err != nil {
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err == nil {
		tmp.Sync()
	}
	tmp.Close()
	os.Rename(tmp.Name(), t.path)
}

// Package driver implements the Pipeline Driver (C10): the per-episode
// state machine that sequences every other component from raw VTT file
// to archived, persisted episode, plus the bounded worker pool that runs
// many episodes concurrently. Grounded on the teacher's ingest-loop
// shape, generalized from a single linear pass into an explicit state
// machine with per-transition structured logging.
package driver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/podcastkg/ingest-engine/internal/analyzer"
	"github.com/podcastkg/ingest-engine/internal/extract"
	"github.com/podcastkg/ingest-engine/internal/graphstore"
	"github.com/podcastkg/ingest-engine/internal/model"
	"github.com/podcastkg/ingest-engine/internal/perr"
	"github.com/podcastkg/ingest-engine/internal/regroup"
	"github.com/podcastkg/ingest-engine/internal/tracker"
	"github.com/podcastkg/ingest-engine/internal/vtt"
	"github.com/podcastkg/ingest-engine/pkg/fn"
)

// State is one node of the per-episode lifecycle state machine.
type State string

const (
	StateDiscovered State = "discovered"
	StateTracked    State = "tracked_in_progress"
	StateParsed     State = "parsed"
	StateStructured State = "structured"
	StateUnitized   State = "unitized"
	StateExtracted  State = "extracted"
	StatePersisted  State = "persisted"
	StateArchived   State = "archived"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Job is one episode's inputs to the driver.
type Job struct {
	Podcast       model.Podcast
	FilePath      string
	ArchiveDir    string
	FailureLogDir string
	DryRun        bool
	Force         bool
}

// Driver sequences one episode through every processing stage.
type Driver struct {
	Tracker  *tracker.Tracker
	Analyzer *analyzer.Analyzer
	Regroup  *regroup.Regrouper
	Extract  *extract.Extractor
	Pool     *graphstore.Pool
	Log      *slog.Logger
	Now      func() time.Time
}

// transition logs one state change with elapsed time since the episode
// started, matching the teacher's structured per-step logging style.
func (d *Driver) transition(log *slog.Logger, started time.Time, from, to State) {
	log.Info("episode transition",
		"from", from, "to", to, "elapsed_ms", d.Now().Sub(started).Milliseconds())
}

// Run drives one episode through the full state machine. ctx
// cancellation is checked between every state so a shutdown request
// stops work at a clean boundary rather than mid-stage.
func (d *Driver) Run(ctx context.Context, job Job) (model.Episode, error) {
	started := d.Now()
	log := d.Log.With("podcast_id", job.Podcast.ID, "file", job.FilePath)
	state := StateDiscovered

	fail := func(reason string, err error) (model.Episode, error) {
		log.Error("episode failed", "state", state, "reason", reason, "error", err)
		return model.Episode{}, fmt.Errorf("%s: %w", reason, err)
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		return fail("open_source", err)
	}
	defer f.Close()

	segments, meta, err := vtt.Parse(bufio.NewReader(f))
	if err != nil {
		return fail("parse_source", err)
	}

	title := meta.EpisodeTitle
	if title == "" {
		title = job.FilePath
	}
	episodeID := tracker.EpisodeID(job.Podcast.ID, title, episodeDate(meta, job.FilePath))
	log = log.With("episode_id", episodeID)
	d.transition(log, started, state, StateParsed)
	state = StateParsed

	if d.Tracker != nil {
		if !job.Force && !d.Tracker.ShouldIngest(episodeID) {
			log.Info("episode already complete, skipping", "episode_id", episodeID)
			return model.Episode{ID: episodeID, ProcessingStatus: model.StatusComplete}, nil
		}
		d.Tracker.MarkInProgress(episodeID, job.Podcast.ID, title)
	}
	d.transition(log, started, state, StateTracked)
	state = StateTracked

	if ctx.Err() != nil {
		d.markFailed(episodeID, "cancelled")
		return fail("cancelled", ctx.Err())
	}

	structure, err := d.Analyzer.Analyze(ctx, episodeID, segments)
	if err != nil {
		d.markFailed(episodeID, "structure_invalid")
		return fail("structure_invalid", err)
	}
	d.transition(log, started, state, StateStructured)
	state = StateStructured

	if ctx.Err() != nil {
		d.markFailed(episodeID, "cancelled")
		return fail("cancelled", ctx.Err())
	}

	regrouped, err := d.Regroup.Regroup(ctx, episodeID, segments, structure)
	if err != nil {
		d.markFailed(episodeID, "embedding_missing")
		return fail("embedding_missing", err)
	}
	if len(regrouped.FailedEmbeddings) > 0 {
		if path, werr := regroup.WriteFailureLog(job.FailureLogDir, episodeID, regrouped.FailedEmbeddings, d.Now()); werr == nil && path != "" {
			log.Warn("some embeddings failed", "count", len(regrouped.FailedEmbeddings), "log", path)
		}
	}
	d.transition(log, started, state, StateUnitized)
	state = StateUnitized

	graph := graphstore.EpisodeGraph{Units: regrouped.Units}
	for i, u := range regrouped.Units {
		if ctx.Err() != nil {
			d.markFailed(episodeID, "cancelled")
			return fail("cancelled", ctx.Err())
		}
		result, err := d.Extract.Extract(ctx, episodeID, u)
		if err != nil {
			// Per-unit failure isolation: log and continue, episode
			// still commits with whatever other units produced.
			log.Warn("unit extraction failed", "unit_id", u.ID, "error", err)
			continue
		}
		if result.Sentiment != nil {
			graph.Units[i].Sentiment = result.Sentiment
		}
		graph.MergeExtraction(result)
	}
	d.transition(log, started, state, StateExtracted)
	state = StateExtracted

	episode := model.Episode{
		ID: episodeID, PodcastID: job.Podcast.ID, Title: title,
		SourceFileHash: "", ProcessingStatus: model.StatusInProgress,
		Counts: model.EpisodeCounts{
			Segments: len(segments), Units: len(regrouped.Units), Entities: len(graph.Entities),
		},
	}
	graph.Episode = episode

	if job.DryRun {
		log.Info("dry run: skipping persist and archive", "episode_id", episodeID)
		episode.ProcessingStatus = model.StatusComplete
		return episode, nil
	}

	if ctx.Err() != nil {
		d.markFailed(episodeID, "cancelled")
		return fail("cancelled", ctx.Err())
	}

	store, err := d.Pool.Get(ctx, job.Podcast)
	if err != nil {
		d.markFailed(episodeID, "database_unavailable")
		return fail("database_unavailable", err)
	}
	if err := store.Persist(ctx, graph); err != nil {
		d.markFailed(episodeID, "database_unavailable")
		return fail("database_unavailable", err)
	}
	d.transition(log, started, state, StatePersisted)
	state = StatePersisted

	if ctx.Err() != nil {
		d.markFailed(episodeID, "cancelled")
		return fail("cancelled", ctx.Err())
	}

	archivePath, archErr := graphstore.Archive(job.FilePath, job.ArchiveDir)
	if archErr != nil {
		// Non-fatal: the episode is already durably persisted.
		log.Warn("archive failed", "error", archErr)
	} else {
		episode.ArchivePath = archivePath
		now := d.Now()
		episode.ArchivedAt = &now
	}
	d.transition(log, started, state, StateArchived)
	state = StateArchived

	episode.ProcessingStatus = model.StatusComplete
	if d.Tracker != nil {
		if err := d.Tracker.MarkComplete(ctx, episode); err != nil {
			log.Warn("failed to publish completion event", "error", err)
		}
	}
	d.transition(log, started, state, StateComplete)
	return episode, nil
}

var filenameDateRe = regexp.MustCompile(`(\d{4})[-_]?(\d{2})[-_]?(\d{2})`)

// epoch is the deterministic fallback date used when neither the source
// file's NOTE metadata nor its filename carries a recognizable date, so
// episodeID stays a pure function of its inputs instead of drifting with
// wall-clock time across re-ingestion runs.
var epoch = time.Unix(0, 0).UTC()

// episodeDate picks the date episodeID hashes against: the VTT NOTE
// block's published date first, then a YYYYMMDD-shaped date embedded in
// the source filename, then a fixed epoch. Never wall-clock time — doing
// so would change a re-ingested episode's ID on every run.
func episodeDate(meta vtt.Metadata, filePath string) time.Time {
	if !meta.PublishedDate.IsZero() {
		return meta.PublishedDate
	}
	if m := filenameDateRe.FindStringSubmatch(filepath.Base(filePath)); m != nil {
		if t, err := time.Parse("2006-01-02", fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])); err == nil {
			return t.UTC()
		}
	}
	return epoch
}

func (d *Driver) markFailed(episodeID, reason string) {
	if d.Tracker != nil {
		d.Tracker.MarkFailed(episodeID, reason)
	}
}

// RunAll drives every job with bounded concurrency, collecting results
// in input order. A single job's failure never stops or taints the
// others — each episode owns its own Result, unlike fn.BatchStage's
// Collect-based all-or-nothing aggregation, which would be the wrong
// fit here.
func RunAll(ctx context.Context, d *Driver, jobs []Job, workers int) []fn.Result[model.Episode] {
	return fn.ParMapResult(jobs, workers, func(j Job) fn.Result[model.Episode] {
		ep, err := d.Run(ctx, j)
		if err != nil {
			return fn.Err[model.Episode](err)
		}
		return fn.Ok(ep)
	})
}

var _ = perr.ErrCancelled // referenced by callers translating ctx.Err()

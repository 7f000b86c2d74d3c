package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/podcastkg/ingest-engine/internal/model"
)

func TestEpisodeIDDeterministic(t *testing.T) {
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	id1 := EpisodeID("pod1", "Episode One: A Story", date)
	id2 := EpisodeID("pod1", "Episode One: A Story", date)
	require.Equal(t, id1, id2)

	id3 := EpisodeID("pod1", "A Different Episode", date)
	require.NotEqual(t, id1, id3)
}

func TestModeIndependentWithoutNATS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	tr, err := New(path, "")
	require.NoError(t, err)
	require.Equal(t, "independent", tr.Mode())
}

func TestShouldIngestNewEpisode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	tr, err := New(path, "")
	require.NoError(t, err)
	require.True(t, tr.ShouldIngest("ep1"))
}

func TestMarkCompletePreventsReingest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	tr, err := New(path, "")
	require.NoError(t, err)

	tr.MarkInProgress("ep1", "pod1", "Episode One")
	require.NoError(t, tr.MarkComplete(context.Background(), model.Episode{ID: "ep1", PodcastID: "pod1"}))
	require.False(t, tr.ShouldIngest("ep1"))
}

func TestMarkFailedAllowsReingest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	tr, err := New(path, "")
	require.NoError(t, err)

	tr.MarkInProgress("ep1", "pod1", "Episode One")
	tr.MarkFailed("ep1", "structure_invalid")
	require.True(t, tr.ShouldIngest("ep1"))
}

func TestStatePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	tr1, err := New(path, "")
	require.NoError(t, err)
	require.NoError(t, tr1.MarkComplete(context.Background(), model.Episode{ID: "ep1", PodcastID: "pod1"}))

	tr2, err := New(path, "")
	require.NoError(t, err)
	require.False(t, tr2.ShouldIngest("ep1"))
}

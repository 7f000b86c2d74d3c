package vtt

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleVTT = `WEBVTT

NOTE
podcast: Tech Talk
title: Episode One

1
00:00:00.000 --> 00:00:05.000
<v Alice>Welcome to the show.</v>

2
00:00:05.000 --> 00:00:12.500
<v Bob>Thanks for having me, Alice.</v>

3
00:00:12.500 --> 00:00:20.000
Speaking generically without a voice tag.
`

func TestParseHappyPath(t *testing.T) {
	segments, meta, err := Parse(bufio.NewReader(strings.NewReader(sampleVTT)))
	require.NoError(t, err)
	require.Equal(t, "Tech Talk", meta.PodcastName)
	require.Equal(t, "Episode One", meta.EpisodeTitle)

	require.Len(t, segments, 3)
	require.Equal(t, 0, segments[0].Index)
	require.Equal(t, int64(0), segments[0].StartMS)
	require.Equal(t, int64(5000), segments[0].EndMS)
	require.Equal(t, "Alice", segments[0].SpeakerLabel)
	require.Equal(t, "Welcome to the show.", segments[0].Text)

	require.Equal(t, "Bob", segments[1].SpeakerLabel)
	require.Equal(t, int64(5000), segments[1].StartMS)

	require.Equal(t, "Speaker 0", segments[2].SpeakerLabel)
	require.Equal(t, "Speaking generically without a voice tag.", segments[2].Text)
}

func TestParseOneSegment(t *testing.T) {
	doc := "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nHello.\n"
	segments, _, err := Parse(bufio.NewReader(strings.NewReader(doc)))
	require.NoError(t, err)
	require.Len(t, segments, 1)
}

func TestParseZeroSegments(t *testing.T) {
	doc := "WEBVTT\n\nNOTE\npodcast: Empty Show\n"
	segments, meta, err := Parse(bufio.NewReader(strings.NewReader(doc)))
	require.NoError(t, err)
	require.Empty(t, segments)
	require.Equal(t, "Empty Show", meta.PodcastName)
}

func TestParseNotePublishedDate(t *testing.T) {
	doc := "WEBVTT\n\nNOTE\npodcast: Tech Talk\ndate: 2024-03-15\n"
	_, meta, err := Parse(bufio.NewReader(strings.NewReader(doc)))
	require.NoError(t, err)
	require.True(t, meta.PublishedDate.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)))
}

func TestParseNoteWithoutDateLeavesPublishedDateZero(t *testing.T) {
	_, meta, err := Parse(bufio.NewReader(strings.NewReader(sampleVTT)))
	require.NoError(t, err)
	require.True(t, meta.PublishedDate.IsZero())
}

func TestParseMissingHeader(t *testing.T) {
	doc := "00:00:00.000 --> 00:00:01.000\nHello.\n"
	_, _, err := Parse(bufio.NewReader(strings.NewReader(doc)))
	require.Error(t, err)
}

func TestParseMalformedCue(t *testing.T) {
	doc := "WEBVTT\n\nnot-a-timestamp\nHello.\n"
	_, _, err := Parse(bufio.NewReader(strings.NewReader(doc)))
	require.Error(t, err)
}

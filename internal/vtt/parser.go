// Package vtt parses WebVTT podcast transcripts into ordered Segments.
// No third-party WebVTT parser appears anywhere in the example pack, so
// this is implemented directly against the standard library; see
// DESIGN.md for the stdlib justification.
package vtt

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/podcastkg/ingest-engine/internal/model"
)

// Metadata carries podcast/episode information found in NOTE blocks.
type Metadata struct {
	PodcastName   string
	EpisodeTitle  string
	PublishedDate time.Time // zero if no recognized date key was present
	Extra         map[string]string
}

// dateLayouts are tried in order against a NOTE block's date/published/
// air_date/recorded_date/pubdate key, covering the formats seen across
// podcast feed exports.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

func parseDate(val string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, val); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var (
	cueTimeRe = regexp.MustCompile(`^(\d{2}:)?(\d{2}):(\d{2})\.(\d{3})\s*-->\s*(\d{2}:)?(\d{2}):(\d{2})\.(\d{3})`)
	voiceTagRe = regexp.MustCompile(`<v\s+([^>]+)>`)
	noteKVRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_ ]*):\s*(.*)$`)
)

// Parse reads a WebVTT document and returns its cues as ordered Segments
// plus any NOTE-block metadata. Segment.Index is assigned 0-based and
// contiguous in file order.
func Parse(r *bufio.Reader) ([]model.Segment, Metadata, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	meta := Metadata{Extra: make(map[string]string)}

	if !scanner.Scan() {
		return nil, meta, fmt.Errorf("vtt: empty file")
	}
	header := strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "﻿")
	if !strings.HasPrefix(header, "WEBVTT") {
		return nil, meta, fmt.Errorf("vtt: missing WEBVTT header")
	}

	var segments []model.Segment
	var block []string
	inNote := false

	flushBlock := func() error {
		if len(block) == 0 {
			return nil
		}
		defer func() { block = nil }()

		if inNote {
			parseNote(block, &meta)
			inNote = false
			return nil
		}

		idx := 0
		// Optional cue identifier line precedes the timestamp line.
		if idx < len(block) && !cueTimeRe.MatchString(block[idx]) {
			idx++
		}
		if idx >= len(block) {
			return nil
		}
		m := cueTimeRe.FindStringSubmatch(block[idx])
		if m == nil {
			return fmt.Errorf("vtt: malformed cue timing %q", block[idx])
		}
		startMS := timestampMS(m[1], m[2], m[3], m[4])
		endMS := timestampMS(m[5], m[6], m[7], m[8])
		idx++

		text := strings.Join(block[idx:], " ")
		speaker, cleaned := extractSpeaker(text)

		segments = append(segments, model.Segment{
			Index:        len(segments),
			StartMS:      startMS,
			EndMS:        endMS,
			SpeakerLabel: speaker,
			Text:         strings.TrimSpace(cleaned),
		})
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			if err := flushBlock(); err != nil {
				return nil, meta, err
			}
			continue
		}
		if strings.HasPrefix(trimmed, "NOTE") {
			if err := flushBlock(); err != nil {
				return nil, meta, err
			}
			inNote = true
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "NOTE"))
			if rest != "" {
				block = append(block, rest)
			}
			continue
		}
		if trimmed == "STYLE" || trimmed == "REGION" {
			// Skip to next blank line; these blocks carry no segment data.
			for scanner.Scan() && strings.TrimSpace(scanner.Text()) != "" {
			}
			continue
		}
		block = append(block, line)
	}
	if err := flushBlock(); err != nil {
		return nil, meta, err
	}
	if err := scanner.Err(); err != nil {
		return nil, meta, fmt.Errorf("vtt: scan: %w", err)
	}

	return segments, meta, nil
}

func parseNote(lines []string, meta *Metadata) {
	for _, l := range lines {
		m := noteKVRe.FindStringSubmatch(strings.TrimSpace(l))
		if m == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(m[1]))
		val := strings.TrimSpace(m[2])
		switch key {
		case "podcast", "podcast_name":
			meta.PodcastName = val
		case "title", "episode_title":
			meta.EpisodeTitle = val
		case "date", "published", "published_date", "air_date", "recorded_date", "pubdate":
			if t, ok := parseDate(val); ok {
				meta.PublishedDate = t
			} else {
				meta.Extra[key] = val
			}
		default:
			meta.Extra[key] = val
		}
	}
}

// extractSpeaker pulls a <v Speaker Name> voice tag out of cue text, if
// present, falling back to a generic label ("Speaker 0") when absent.
func extractSpeaker(text string) (speaker, cleaned string) {
	if m := voiceTagRe.FindStringSubmatch(text); m != nil {
		speaker = strings.TrimSpace(m[1])
		cleaned = voiceTagRe.ReplaceAllString(text, "")
		cleaned = strings.ReplaceAll(cleaned, "</v>", "")
		return speaker, cleaned
	}
	return "Speaker 0", stripTags(text)
}

var tagRe = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

func stripTags(s string) string {
	return tagRe.ReplaceAllString(s, "")
}

func timestampMS(hh, mm, ss, ms string) int64 {
	h := int64(0)
	if hh != "" {
		h, _ = strconv.ParseInt(strings.TrimSuffix(hh, ":"), 10, 64)
	}
	m, _ := strconv.ParseInt(mm, 10, 64)
	s, _ := strconv.ParseInt(ss, 10, 64)
	msec, _ := strconv.ParseInt(ms, 10, 64)
	return h*3600_000 + m*60_000 + s*1_000 + msec
}

package player

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TrackNone deselects subtitles entirely; it is also the default.
const TrackNone = -1

// ErrTrackOutOfRange is returned for a selection outside the loaded set.
var ErrTrackOutOfRange = errors.New("subtitle track index out of range")

// Track is a fetched, normalized subtitle track. Body is always WebVTT
// regardless of the upstream format.
type Track struct {
	Label    string `json:"label"`
	Language string `json:"language"`
	Body     string `json:"-"`
	Failed   bool   `json:"failed"`
}

// TrackSet holds the session's normalized tracks. Read-only after loading.
type TrackSet struct {
	mu     sync.RWMutex
	tracks []Track
}

func (ts *TrackSet) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.tracks)
}

func (ts *TrackSet) Get(idx int) (Track, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if idx < 0 || idx >= len(ts.tracks) {
		return Track{}, false
	}
	return ts.tracks[idx], true
}

func (ts *TrackSet) All() []Track {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]Track(nil), ts.tracks...)
}

// LoadTracks fetches every referenced track concurrently and normalizes each
// to WebVTT. A failed track keeps its slot (so indices stay stable) but is
// marked failed and never selectable content.
func LoadTracks(ctx context.Context, fetch Fetcher, refs []SubtitleTrack) (*TrackSet, error) {
	ts := &TrackSet{tracks: make([]Track, len(refs))}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, ref := range refs {
		i, ref := i, ref
		ts.tracks[i] = Track{Label: ref.Label, Language: ref.Language}
		g.Go(func() error {
			body, err := fetch.Fetch(ctx, ref.URI)
			if err != nil {
				ts.mu.Lock()
				ts.tracks[i].Failed = true
				ts.mu.Unlock()
				return fmt.Errorf("track %q: %w", ref.Label, err)
			}
			vtt := NormalizeToVTT(string(body))
			ts.mu.Lock()
			ts.tracks[i].Body = vtt
			ts.mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return ts, err
}

// NormalizeToVTT converts a subtitle document to WebVTT. SRT input gets its
// numeric cue counters dropped and comma timestamps rewritten; WebVTT input
// passes through unchanged.
func NormalizeToVTT(body string) string {
	trimmed := strings.TrimLeft(body, "\ufeff \t\r\n")
	if strings.HasPrefix(trimmed, "WEBVTT") {
		return trimmed
	}

	var out strings.Builder
	out.WriteString("WEBVTT\n\n")

	lines := strings.Split(strings.ReplaceAll(trimmed, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		stripped := strings.TrimSpace(line)

		// SRT cue counter: a bare integer directly before a timing line.
		if isCueCounter(stripped) && i+1 < len(lines) && strings.Contains(lines[i+1], "-->") {
			continue
		}

		if strings.Contains(stripped, "-->") {
			out.WriteString(convertTimingLine(stripped))
		} else {
			out.WriteString(line)
		}
		out.WriteString("\n")
	}

	return out.String()
}

func isCueCounter(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// convertTimingLine rewrites SRT "00:00:01,000 --> 00:00:02,500" timestamps
// to the WebVTT dot form.
func convertTimingLine(line string) string {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return line
	}
	start := convertTimestamp(strings.TrimSpace(parts[0]))
	rest := strings.TrimSpace(parts[1])

	// Trailing cue settings after the end timestamp are preserved.
	end := rest
	var settings string
	if idx := strings.IndexAny(rest, " \t"); idx != -1 {
		end = rest[:idx]
		settings = rest[idx:]
	}
	return start + " --> " + convertTimestamp(end) + settings
}

func convertTimestamp(ts string) string {
	ts = strings.Replace(ts, ",", ".", 1)
	// SRT permits MM:SS,mmm; WebVTT wants at least MM:SS.mmm, which that
	// already satisfies. HH:MM:SS.mmm passes through.
	return ts
}

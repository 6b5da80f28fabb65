// Package hls parses M3U8 master and media playlists. It covers exactly the
// subset the playback engine and the rewriting proxy need: variant
// enumeration, segment timelines, and nested URI classification.
package hls

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Variant is one selectable quality rendition from a master playlist.
type Variant struct {
	Index     int
	URI       string
	Bandwidth int64
	Width     int
	Height    int
	Codecs    string
}

// Rendition is an alternate media entry (EXT-X-MEDIA), typically subtitles
// or audio.
type Rendition struct {
	Type     string // SUBTITLES, AUDIO, ...
	URI      string
	GroupID  string
	Name     string
	Language string
	Default  bool
}

// MasterPlaylist lists variants ordered as they appear in the manifest.
type MasterPlaylist struct {
	Variants   []Variant
	Renditions []Rendition
}

// Segment is one media segment with its EXTINF duration.
type Segment struct {
	URI      string
	Duration time.Duration
}

// MediaPlaylist is a single-variant segment timeline.
type MediaPlaylist struct {
	Segments       []Segment
	KeyURIs        []string
	TargetDuration time.Duration
	TotalDuration  time.Duration
	EndList        bool
}

// IsMaster reports whether the playlist body declares variant streams.
func IsMaster(body string) bool {
	return strings.Contains(body, "#EXT-X-STREAM-INF")
}

// ParseMaster extracts the variant set and alternate renditions.
func ParseMaster(body string) (*MasterPlaylist, error) {
	if !strings.HasPrefix(strings.TrimSpace(body), "#EXTM3U") {
		return nil, fmt.Errorf("not an M3U8 playlist")
	}

	pl := &MasterPlaylist{}
	scanner := bufio.NewScanner(strings.NewReader(body))

	var pending *Variant
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			v := Variant{Index: len(pl.Variants)}
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			if bw, err := strconv.ParseInt(attrs["BANDWIDTH"], 10, 64); err == nil {
				v.Bandwidth = bw
			}
			if res, ok := attrs["RESOLUTION"]; ok {
				if w, h, err := parseResolution(res); err == nil {
					v.Width, v.Height = w, h
				}
			}
			v.Codecs = attrs["CODECS"]
			pending = &v
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-MEDIA:") {
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			pl.Renditions = append(pl.Renditions, Rendition{
				Type:     attrs["TYPE"],
				URI:      attrs["URI"],
				GroupID:  attrs["GROUP-ID"],
				Name:     attrs["NAME"],
				Language: attrs["LANGUAGE"],
				Default:  attrs["DEFAULT"] == "YES",
			})
			continue
		}

		if !strings.HasPrefix(line, "#") && pending != nil {
			pending.URI = line
			pl.Variants = append(pl.Variants, *pending)
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(pl.Variants) == 0 {
		return nil, fmt.Errorf("master playlist has no variants")
	}
	return pl, nil
}

// ParseMedia extracts the segment timeline of a media playlist.
func ParseMedia(body string) (*MediaPlaylist, error) {
	if !strings.HasPrefix(strings.TrimSpace(body), "#EXTM3U") {
		return nil, fmt.Errorf("not an M3U8 playlist")
	}

	pl := &MediaPlaylist{}
	scanner := bufio.NewScanner(strings.NewReader(body))

	var nextDuration time.Duration
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			secs, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid target duration: %s", line)
			}
			pl.TargetDuration = time.Duration(secs * float64(time.Second))

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			if uri := attrs["URI"]; uri != "" {
				pl.KeyURIs = append(pl.KeyURIs, uri)
			}

		case line == "#EXT-X-ENDLIST":
			pl.EndList = true

		case strings.HasPrefix(line, "#EXTINF:"):
			durPart := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.Index(durPart, ","); idx != -1 {
				durPart = durPart[:idx]
			}
			secs, err := strconv.ParseFloat(durPart, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid EXTINF duration: %s", durPart)
			}
			nextDuration = time.Duration(secs * float64(time.Second))

		case !strings.HasPrefix(line, "#"):
			pl.Segments = append(pl.Segments, Segment{URI: line, Duration: nextDuration})
			pl.TotalDuration += nextDuration
			nextDuration = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return pl, nil
}

// SegmentIndexAt returns the index of the segment covering the given offset
// from the start of the timeline, clamped to the last segment.
func (pl *MediaPlaylist) SegmentIndexAt(offset time.Duration) int {
	if len(pl.Segments) == 0 {
		return 0
	}
	var acc time.Duration
	for i, seg := range pl.Segments {
		acc += seg.Duration
		if offset < acc {
			return i
		}
	}
	return len(pl.Segments) - 1
}

func parseResolution(s string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution: %s", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

// parseAttributes splits an attribute list like KEY=VALUE,KEY="quoted,value"
// respecting quoted commas.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	var key, val strings.Builder
	inKey, inQuote := true, false

	flush := func() {
		if key.Len() > 0 {
			attrs[key.String()] = val.String()
		}
		key.Reset()
		val.Reset()
		inKey = true
	}

	for _, r := range s {
		switch {
		case inKey && r == '=':
			inKey = false
		case !inKey && r == '"':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			flush()
		case inKey:
			key.WriteRune(r)
		default:
			val.WriteRune(r)
		}
	}
	flush()

	return attrs
}

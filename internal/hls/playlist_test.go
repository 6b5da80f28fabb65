package hls

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterBody = `#EXTM3U
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English",LANGUAGE="en",DEFAULT=YES,URI="subs/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
360p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
720p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
1080p/index.m3u8
`

const mediaBody = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example/k1",IV=0x1234
#EXTINF:6.006,
seg0.ts
#EXTINF:6.006,
seg1.ts
#EXTINF:3.2,
seg2.ts
#EXT-X-ENDLIST
`

func TestIsMaster(t *testing.T) {
	assert.True(t, IsMaster(masterBody))
	assert.False(t, IsMaster(mediaBody))
}

func TestParseMaster(t *testing.T) {
	pl, err := ParseMaster(masterBody)
	require.NoError(t, err)

	want := []Variant{
		{Index: 0, URI: "360p/index.m3u8", Bandwidth: 800000, Width: 640, Height: 360, Codecs: "avc1.4d401e,mp4a.40.2"},
		{Index: 1, URI: "720p/index.m3u8", Bandwidth: 2500000, Width: 1280, Height: 720},
		{Index: 2, URI: "1080p/index.m3u8", Bandwidth: 5000000, Width: 1920, Height: 1080},
	}
	if diff := cmp.Diff(want, pl.Variants); diff != "" {
		t.Errorf("variants mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, pl.Renditions, 1)
	assert.Equal(t, "SUBTITLES", pl.Renditions[0].Type)
	assert.Equal(t, "subs/en.m3u8", pl.Renditions[0].URI)
	assert.Equal(t, "en", pl.Renditions[0].Language)
	assert.True(t, pl.Renditions[0].Default)
}

func TestParseMasterRejectsGarbage(t *testing.T) {
	_, err := ParseMaster("not a playlist")
	assert.Error(t, err)

	_, err = ParseMaster("#EXTM3U\n")
	assert.Error(t, err)
}

func TestParseMedia(t *testing.T) {
	pl, err := ParseMedia(mediaBody)
	require.NoError(t, err)

	require.Len(t, pl.Segments, 3)
	assert.Equal(t, "seg0.ts", pl.Segments[0].URI)
	assert.Equal(t, 6006*time.Millisecond, pl.Segments[0].Duration)
	assert.Equal(t, 3200*time.Millisecond, pl.Segments[2].Duration)
	assert.Equal(t, 6*time.Second, pl.TargetDuration)
	assert.True(t, pl.EndList)
	assert.Equal(t, []string{"https://keys.example/k1"}, pl.KeyURIs)

	wantTotal := 6006*time.Millisecond + 6006*time.Millisecond + 3200*time.Millisecond
	assert.Equal(t, wantTotal, pl.TotalDuration)
}

func TestSegmentIndexAt(t *testing.T) {
	pl, err := ParseMedia(mediaBody)
	require.NoError(t, err)

	assert.Equal(t, 0, pl.SegmentIndexAt(0))
	assert.Equal(t, 0, pl.SegmentIndexAt(5*time.Second))
	assert.Equal(t, 1, pl.SegmentIndexAt(7*time.Second))
	assert.Equal(t, 2, pl.SegmentIndexAt(13*time.Second))
	// Beyond the timeline clamps to the last segment.
	assert.Equal(t, 2, pl.SegmentIndexAt(time.Hour))
}

func TestParseAttributesQuotedCommas(t *testing.T) {
	attrs := parseAttributes(`BANDWIDTH=800000,CODECS="avc1.4d401e,mp4a.40.2",RESOLUTION=640x360`)
	assert.Equal(t, "800000", attrs["BANDWIDTH"])
	assert.Equal(t, "avc1.4d401e,mp4a.40.2", attrs["CODECS"])
	assert.Equal(t, "640x360", attrs["RESOLUTION"])
}

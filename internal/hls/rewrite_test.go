package hls

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagFn(abs string, kind ResourceKind) string {
	switch kind {
	case KindManifest:
		return "M|" + abs
	case KindKey:
		return "K|" + abs
	default:
		return "S|" + abs
	}
}

func TestRewriteMasterClassifiesManifests(t *testing.T) {
	base, err := url.Parse("https://cdn.example/v/master.m3u8")
	require.NoError(t, err)

	out := Rewrite(masterBody, base, tagFn)

	assert.Contains(t, out, "M|https://cdn.example/v/360p/index.m3u8")
	assert.Contains(t, out, "M|https://cdn.example/v/720p/index.m3u8")
	assert.Contains(t, out, `URI="M|https://cdn.example/v/subs/en.m3u8"`)
	// Tag lines other than URI carriers are untouched.
	assert.Contains(t, out, "#EXT-X-STREAM-INF:BANDWIDTH=800000")
}

func TestRewriteMediaClassifiesSegmentsAndKeys(t *testing.T) {
	base, err := url.Parse("https://cdn.example/v/360p/index.m3u8")
	require.NoError(t, err)

	out := Rewrite(mediaBody, base, tagFn)

	assert.Contains(t, out, "S|https://cdn.example/v/360p/seg0.ts")
	assert.Contains(t, out, "S|https://cdn.example/v/360p/seg2.ts")
	assert.Contains(t, out, `URI="K|https://keys.example/k1"`)
	assert.Contains(t, out, "#EXT-X-ENDLIST")
	// The IV attribute after the key URI survives.
	assert.Contains(t, out, "IV=0x1234")
}

func TestRewriteNestedManifestReferenceInMediaPlaylist(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:4,\nnested/child.m3u8\n#EXTINF:4,\nseg.ts\n"
	base, _ := url.Parse("https://cdn.example/v/index.m3u8")

	out := Rewrite(body, base, tagFn)

	assert.Contains(t, out, "M|https://cdn.example/v/nested/child.m3u8")
	assert.Contains(t, out, "S|https://cdn.example/v/seg.ts")
}

func TestRewriteMapLine(t *testing.T) {
	body := "#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:4,\nseg.m4s\n"
	base, _ := url.Parse("https://cdn.example/v/index.m3u8")

	out := Rewrite(body, base, tagFn)

	assert.Contains(t, out, `URI="S|https://cdn.example/v/init.mp4"`)
	assert.Contains(t, out, "S|https://cdn.example/v/seg.m4s")
}

func TestRewriteAbsoluteURIsNotRebased(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:4,\nhttps://other.example/seg.ts\n"
	base, _ := url.Parse("https://cdn.example/v/index.m3u8")

	out := Rewrite(body, base, tagFn)
	assert.Contains(t, out, "S|https://other.example/seg.ts")
	assert.False(t, strings.Contains(out, "cdn.example/v/https"))
}

package hls

import (
	"bufio"
	"net/url"
	"strings"
)

// ResourceKind classifies a nested playlist reference so the proxy can route
// it through the right sub-endpoint.
type ResourceKind int

const (
	KindManifest ResourceKind = iota
	KindSegment
	KindKey
)

// RewriteFunc maps an absolute upstream URI to its proxied replacement.
type RewriteFunc func(absURI string, kind ResourceKind) string

// Rewrite walks a playlist body and replaces every nested URI reference
// (variant playlists, EXT-X-MEDIA renditions, encryption keys, segments)
// with the value produced by fn. Relative references are resolved against
// base first, so the output only ever contains proxied absolute URIs.
func Rewrite(body string, base *url.URL, fn RewriteFunc) string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(body))

	master := IsMaster(body)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "#EXT-X-KEY:"):
			out.WriteString(rewriteAttrURI(trimmed, base, KindKey, fn))

		case strings.HasPrefix(trimmed, "#EXT-X-MEDIA:"):
			// Alternate renditions point at media playlists.
			out.WriteString(rewriteAttrURI(trimmed, base, KindManifest, fn))

		case strings.HasPrefix(trimmed, "#EXT-X-MAP:"):
			out.WriteString(rewriteAttrURI(trimmed, base, KindSegment, fn))

		case trimmed != "" && !strings.HasPrefix(trimmed, "#"):
			kind := KindSegment
			if master || looksLikeManifest(trimmed) {
				kind = KindManifest
			}
			out.WriteString(fn(resolve(base, trimmed), kind))

		default:
			out.WriteString(line)
		}
		out.WriteString("\n")
	}

	return out.String()
}

func looksLikeManifest(uri string) bool {
	base := uri
	if idx := strings.IndexAny(base, "?#"); idx != -1 {
		base = base[:idx]
	}
	return strings.HasSuffix(strings.ToLower(base), ".m3u8")
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// rewriteAttrURI replaces the URI="..." attribute inside a tag line.
func rewriteAttrURI(line string, base *url.URL, kind ResourceKind, fn RewriteFunc) string {
	const marker = `URI="`
	start := strings.Index(line, marker)
	if start == -1 {
		return line
	}
	start += len(marker)
	end := strings.Index(line[start:], `"`)
	if end == -1 {
		return line
	}
	orig := line[start : start+end]
	return line[:start] + fn(resolve(base, orig), kind) + line[start+end:]
}

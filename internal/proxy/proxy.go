// Package proxy relays manifests, segments, keys, and subtitle bodies from
// third-party hosts that demand specific referer/origin headers. Manifest
// responses get every nested URI rewritten to route back through the proxy,
// keeping the manifest-vs-segment distinction so each lands on the right
// sub-endpoint. The playback engine never knows: it just fetches the URIs
// it is handed.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cinegate/internal/cache"
	"cinegate/internal/config"
	"cinegate/internal/hls"
	"cinegate/internal/metrics"
	"github.com/rs/zerolog"
)

// Proxy serves the /manifest and /segment endpoints and implements the
// engine-side Fetcher.
type Proxy struct {
	cfg        config.ProxyConfig
	client     *http.Client
	cache      *cache.LRUCache
	publicBase string
	logger     zerolog.Logger
}

func New(cfg config.ProxyConfig, publicBase string, logger zerolog.Logger) *Proxy {
	return &Proxy{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.FetchTimeout},
		cache:      cache.NewLRUCache(cfg.CacheCapacity, cfg.CacheMaxSize),
		publicBase: strings.TrimRight(publicBase, "/"),
		logger:     logger,
	}
}

// HandleManifest fetches a playlist, rewrites its nested URIs, and serves
// the result.
func (p *Proxy) HandleManifest(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	referer := r.URL.Query().Get("referer")
	if target == "" {
		http.Error(w, "url parameter required", http.StatusBadRequest)
		return
	}

	base, err := url.Parse(target)
	if err != nil || !base.IsAbs() {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}

	body, err := p.fetchText(r.Context(), target, referer)
	if err != nil {
		metrics.RecordProxyRequest("manifest", "error")
		p.logger.Warn().Err(err).Str("url", target).Msg("manifest fetch failed")
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}

	rewritten := hls.Rewrite(body, base, func(abs string, kind hls.ResourceKind) string {
		return p.RouteURL(abs, referer, kind)
	})

	metrics.RecordProxyRequest("manifest", "ok")
	metrics.RecordProxyBytes(int64(len(rewritten)))
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = io.WriteString(w, rewritten)
}

// HandleSegment streams a binary resource (segment, key, subtitle file)
// unmodified.
func (p *Proxy) HandleSegment(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	referer := r.URL.Query().Get("referer")
	if target == "" {
		http.Error(w, "url parameter required", http.StatusBadRequest)
		return
	}

	req, err := p.buildRequest(r.Context(), target, referer)
	if err != nil {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.RecordProxyRequest("segment", "error")
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = contentTypeFor(target)
	}
	w.Header().Set("Content-Type", ct)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		w.Header().Set("Content-Range", cr)
	}
	w.WriteHeader(resp.StatusCode)

	n, _ := io.Copy(w, resp.Body)
	metrics.RecordProxyRequest("segment", "ok")
	metrics.RecordProxyBytes(n)
}

// RouteURL maps an absolute upstream URI to its proxied form.
func (p *Proxy) RouteURL(abs, referer string, kind hls.ResourceKind) string {
	endpoint := "/segment"
	if kind == hls.KindManifest {
		endpoint = "/manifest"
	}
	q := url.Values{}
	q.Set("url", abs)
	if referer != "" {
		q.Set("referer", referer)
	}
	return p.publicBase + endpoint + "?" + q.Encode()
}

// Fetch implements the engine-side fetcher: text/binary bodies with the
// proxy's header injection and a bounded in-process cache for manifests and
// subtitle files.
func (p *Proxy) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	// Proxied URLs loop straight back to us; unwrap them instead.
	target, referer := p.unwrap(rawURL)

	if cacheable(target) {
		if data, ok := p.cache.Get(target); ok {
			return data, nil
		}
	}

	req, err := p.buildRequest(ctx, target, referer)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream status %d for %s", resp.StatusCode, target)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if cacheable(target) {
		p.cache.Set(target, data)
	}
	return data, nil
}

func (p *Proxy) fetchText(ctx context.Context, target, referer string) (string, error) {
	req, err := p.buildRequest(ctx, target, referer)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *Proxy) buildRequest(ctx context.Context, target, referer string) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("invalid upstream url %q", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", p.cfg.UserAgent)
	if referer != "" {
		req.Header.Set("Referer", referer)
		if ru, err := url.Parse(referer); err == nil && ru.Host != "" {
			req.Header.Set("Origin", ru.Scheme+"://"+ru.Host)
		}
	} else {
		// Default to the target's own origin, which most hosts accept.
		req.Header.Set("Referer", u.Scheme+"://"+u.Host+"/")
		req.Header.Set("Origin", u.Scheme+"://"+u.Host)
	}
	return req, nil
}

// unwrap recognizes our own proxied URLs and extracts the upstream target
// so the engine can share one fetch path for both forms.
func (p *Proxy) unwrap(rawURL string) (target, referer string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, ""
	}
	if strings.HasPrefix(u.Path, p.publicBase+"/") || strings.HasPrefix(rawURL, p.publicBase+"/") {
		q := u.Query()
		if t := q.Get("url"); t != "" {
			return t, q.Get("referer")
		}
	}
	return rawURL, ""
}

func cacheable(target string) bool {
	path := strings.ToLower(target)
	if idx := strings.IndexAny(path, "?#"); idx != -1 {
		path = path[:idx]
	}
	switch {
	case strings.HasSuffix(path, ".m3u8"),
		strings.HasSuffix(path, ".vtt"),
		strings.HasSuffix(path, ".srt"):
		return true
	}
	return false
}

// contentTypeFor maps resource extensions to media types when the upstream
// does not say.
func contentTypeFor(target string) string {
	path := strings.ToLower(target)
	if idx := strings.IndexAny(path, "?#"); idx != -1 {
		path = path[:idx]
	}
	switch {
	case strings.HasSuffix(path, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(path, ".ts"):
		return "video/MP2T"
	case strings.HasSuffix(path, ".mp4"), strings.HasSuffix(path, ".m4s"):
		return "video/mp4"
	case strings.HasSuffix(path, ".vtt"):
		return "text/vtt"
	case strings.HasSuffix(path, ".srt"):
		return "application/x-subrip"
	case strings.HasSuffix(path, ".key"):
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

// Package resolve is the manifest client: it asks the upstream
// stream-resolution service for a playable manifest URL for a content
// identifier. Resolution is slow (a server-side browser drives it), so the
// timeout is generous and there is no internal retry: a non-success result
// is a fatal input for the playback engine.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"cinegate/internal/config"
	"cinegate/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// MediaKind distinguishes movie and series requests.
type MediaKind string

const (
	KindMovie  MediaKind = "movie"
	KindSeries MediaKind = "series"
)

// PlaybackRequest identifies the desired content. Immutable; consumed once.
type PlaybackRequest struct {
	ContentID string    `json:"content_id"`
	MediaKind MediaKind `json:"media_kind"`
	Season    int       `json:"season,omitempty"`
	Episode   int       `json:"episode,omitempty"`
}

func (r PlaybackRequest) Validate() error {
	if r.ContentID == "" {
		return fmt.Errorf("content_id is required")
	}
	switch r.MediaKind {
	case KindMovie:
	case KindSeries:
		if r.Season <= 0 || r.Episode <= 0 {
			return fmt.Errorf("series requests need season and episode")
		}
	default:
		return fmt.Errorf("unknown media kind %q", r.MediaKind)
	}
	return nil
}

// Key collapses identical concurrent resolutions into one upstream call.
func (r PlaybackRequest) Key() string {
	return string(r.MediaKind) + ":" + r.ContentID + ":" + strconv.Itoa(r.Season) + ":" + strconv.Itoa(r.Episode)
}

// SubtitleRef is one out-of-band subtitle track from the resolver.
type SubtitleRef struct {
	Label    string `json:"label"`
	Language string `json:"language"`
	URI      string `json:"uri"`
}

// Resolution is the outcome of one resolution attempt. Immutable; a retry
// produces a fresh one that supersedes it.
type Resolution struct {
	Success     bool          `json:"success"`
	ManifestURL string        `json:"manifest_url,omitempty"`
	Referer     string        `json:"referer,omitempty"`
	Subtitles   []SubtitleRef `json:"subtitles,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
}

// Client talks to the resolver service.
type Client struct {
	cfg    config.ResolverConfig
	http   *http.Client
	group  singleflight.Group
	logger zerolog.Logger
}

func NewClient(cfg config.ResolverConfig, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Resolve performs (or joins) the upstream resolution for a request. A
// transport failure or malformed response comes back as a non-success
// Resolution, never as a retryable error: the caller decides whether to
// re-run the whole sequence.
func (c *Client) Resolve(ctx context.Context, req PlaybackRequest) Resolution {
	if err := req.Validate(); err != nil {
		return Resolution{Success: false, ErrorDetail: err.Error()}
	}
	if c.cfg.BaseURL == "" {
		return Resolution{Success: false, ErrorDetail: "no resolver configured"}
	}

	v, err, shared := c.group.Do(req.Key(), func() (interface{}, error) {
		return c.resolveOnce(ctx, req), nil
	})
	if err != nil {
		return Resolution{Success: false, ErrorDetail: err.Error()}
	}
	res := v.(Resolution)
	if shared {
		c.logger.Debug().Str("key", req.Key()).Msg("joined in-flight resolution")
	}
	return res
}

func (c *Client) resolveOnce(ctx context.Context, req PlaybackRequest) Resolution {
	endpoint, err := c.buildURL(req)
	if err != nil {
		return Resolution{Success: false, ErrorDetail: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Resolution{Success: false, ErrorDetail: err.Error()}
	}

	c.logger.Info().
		Str("content_id", req.ContentID).
		Str("kind", string(req.MediaKind)).
		Msg("resolving manifest")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordResolve("transport_error")
		return Resolution{Success: false, ErrorDetail: "resolver unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordResolve("upstream_error")
		return Resolution{Success: false, ErrorDetail: fmt.Sprintf("resolver returned %d", resp.StatusCode)}
	}

	var res Resolution
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		metrics.RecordResolve("bad_response")
		return Resolution{Success: false, ErrorDetail: "malformed resolver response: " + err.Error()}
	}

	if res.Success && res.ManifestURL == "" {
		metrics.RecordResolve("bad_response")
		return Resolution{Success: false, ErrorDetail: "resolver reported success without a manifest url"}
	}
	if !res.Success && res.ErrorDetail == "" {
		res.ErrorDetail = "stream resolution failed"
	}

	if res.Success {
		metrics.RecordResolve("success")
	} else {
		metrics.RecordResolve("failure")
	}
	return res
}

func (c *Client) buildURL(req PlaybackRequest) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid resolver base url: %w", err)
	}

	q := url.Values{}
	q.Set("id", req.ContentID)
	q.Set("kind", string(req.MediaKind))
	if req.MediaKind == KindSeries {
		q.Set("season", strconv.Itoa(req.Season))
		q.Set("episode", strconv.Itoa(req.Episode))
	}

	base.Path = joinPath(base.Path, "/resolve")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func joinPath(a, b string) string {
	for len(a) > 0 && a[len(a)-1] == '/' {
		a = a[:len(a)-1]
	}
	return a + b
}

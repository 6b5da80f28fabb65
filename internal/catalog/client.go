// Package catalog looks up title metadata from a TMDB-compatible API.
// Responses are cached in-process; the catalog is presentation data, not
// playback-critical, so lookup failures degrade to empty metadata instead of
// failing the caller's flow.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"cinegate/internal/cache"
	"cinegate/internal/config"
	"github.com/rs/zerolog"
)

// Title is the metadata card for one movie or series.
type Title struct {
	ID        string `json:"id"`
	MediaKind string `json:"media_kind"`
	Name      string `json:"name"`
	Overview  string `json:"overview,omitempty"`
	PosterURL string `json:"poster_url,omitempty"`
	Backdrop  string `json:"backdrop_url,omitempty"`
	Year      string `json:"year,omitempty"`
	Rating    float64 `json:"rating,omitempty"`
	Seasons   int     `json:"seasons,omitempty"`
}

// Episode is one entry of a season listing.
type Episode struct {
	Season   int    `json:"season"`
	Episode  int    `json:"episode"`
	Name     string `json:"name"`
	Overview string `json:"overview,omitempty"`
	StillURL string `json:"still_url,omitempty"`
	AirDate  string `json:"air_date,omitempty"`
}

const imageBase = "https://image.tmdb.org/t/p/w500"

type Client struct {
	cfg    config.CatalogConfig
	http   *http.Client
	cache  *cache.LRUCache
	logger zerolog.Logger
}

func NewClient(cfg config.CatalogConfig, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache.NewLRUCache(256, 8*1024*1024),
		logger: logger,
	}
}

// GetTitle fetches the metadata card for a movie or series.
func (c *Client) GetTitle(ctx context.Context, kind, id string) (*Title, error) {
	var path string
	switch kind {
	case "movie":
		path = "/movie/" + url.PathEscape(id)
	case "series":
		path = "/tv/" + url.PathEscape(id)
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}

	data, err := c.fetch(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		ID           int     `json:"id"`
		Title        string  `json:"title"`
		Name         string  `json:"name"`
		Overview     string  `json:"overview"`
		PosterPath   string  `json:"poster_path"`
		BackdropPath string  `json:"backdrop_path"`
		ReleaseDate  string  `json:"release_date"`
		FirstAirDate string  `json:"first_air_date"`
		VoteAverage  float64 `json:"vote_average"`
		SeasonCount  int     `json:"number_of_seasons"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed catalog response: %w", err)
	}

	t := &Title{
		ID:        id,
		MediaKind: kind,
		Name:      raw.Title,
		Overview:  raw.Overview,
		Rating:    raw.VoteAverage,
		Seasons:   raw.SeasonCount,
	}
	if t.Name == "" {
		t.Name = raw.Name
	}
	if raw.PosterPath != "" {
		t.PosterURL = imageBase + raw.PosterPath
	}
	if raw.BackdropPath != "" {
		t.Backdrop = imageBase + raw.BackdropPath
	}
	t.Year = yearOf(raw.ReleaseDate)
	if t.Year == "" {
		t.Year = yearOf(raw.FirstAirDate)
	}
	return t, nil
}

// GetSeason lists the episodes of one season of a series.
func (c *Client) GetSeason(ctx context.Context, id string, season int) ([]Episode, error) {
	path := "/tv/" + url.PathEscape(id) + "/season/" + strconv.Itoa(season)

	data, err := c.fetch(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Episodes []struct {
			EpisodeNumber int    `json:"episode_number"`
			SeasonNumber  int    `json:"season_number"`
			Name          string `json:"name"`
			Overview      string `json:"overview"`
			StillPath     string `json:"still_path"`
			AirDate       string `json:"air_date"`
		} `json:"episodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed catalog response: %w", err)
	}

	eps := make([]Episode, 0, len(raw.Episodes))
	for _, e := range raw.Episodes {
		ep := Episode{
			Season:   e.SeasonNumber,
			Episode:  e.EpisodeNumber,
			Name:     e.Name,
			Overview: e.Overview,
			AirDate:  e.AirDate,
		}
		if e.StillPath != "" {
			ep.StillURL = imageBase + e.StillPath
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Search queries both movies and series by name.
func (c *Client) Search(ctx context.Context, query string) ([]Title, error) {
	data, err := c.fetch(ctx, "/search/multi", url.Values{"query": []string{query}})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Results []struct {
			ID           int     `json:"id"`
			MediaType    string  `json:"media_type"`
			Title        string  `json:"title"`
			Name         string  `json:"name"`
			Overview     string  `json:"overview"`
			PosterPath   string  `json:"poster_path"`
			ReleaseDate  string  `json:"release_date"`
			FirstAirDate string  `json:"first_air_date"`
			VoteAverage  float64 `json:"vote_average"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed catalog response: %w", err)
	}

	var titles []Title
	for _, r := range raw.Results {
		var kind string
		switch r.MediaType {
		case "movie":
			kind = "movie"
		case "tv":
			kind = "series"
		default:
			continue
		}
		t := Title{
			ID:        strconv.Itoa(r.ID),
			MediaKind: kind,
			Name:      r.Title,
			Overview:  r.Overview,
			Rating:    r.VoteAverage,
		}
		if t.Name == "" {
			t.Name = r.Name
		}
		if r.PosterPath != "" {
			t.PosterURL = imageBase + r.PosterPath
		}
		t.Year = yearOf(r.ReleaseDate)
		if t.Year == "" {
			t.Year = yearOf(r.FirstAirDate)
		}
		titles = append(titles, t)
	}
	return titles, nil
}

func (c *Client) fetch(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("no catalog configured")
	}

	if query == nil {
		query = url.Values{}
	}
	endpoint := c.cfg.BaseURL + path + "?" + query.Encode()

	if data, ok := c.cache.Get(endpoint); ok {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	c.cache.Set(endpoint, data)
	return data, nil
}

func yearOf(date string) string {
	if len(date) >= 4 {
		return date[:4]
	}
	return ""
}

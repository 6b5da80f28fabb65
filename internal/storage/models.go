package storage

import "time"

type WatchlistItem struct {
	ContentID string    `json:"content_id"`
	MediaKind string    `json:"media_kind"`
	Title     string    `json:"title"`
	PosterURL string    `json:"poster_url,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}

type WatchedEpisode struct {
	ContentID string    `json:"content_id"`
	Season    int       `json:"season"`
	Episode   int       `json:"episode"`
	WatchedAt time.Time `json:"-"`
}

type Progress struct {
	ContentID string    `json:"content_id"`
	MediaKind string    `json:"media_kind"`
	Season    int       `json:"season"`
	Episode   int       `json:"episode"`
	Position  int64     `json:"position"` // Seconds
	Duration  int64     `json:"duration"` // Seconds
	Fraction  float64   `json:"fraction"` // 0.0 - 1.0
	UpdatedAt time.Time `json:"-"`
}

// ContinueWatchingItem combines a progress record with its watchlist title
// when one exists.
type ContinueWatchingItem struct {
	Progress Progress `json:"progress"`
	Title    string   `json:"title,omitempty"`
}

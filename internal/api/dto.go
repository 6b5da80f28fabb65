package api

import (
	"cinegate/internal/player"
	"cinegate/internal/resolve"
	"cinegate/internal/storage"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Playback DTOs

type StartPlaybackRequest struct {
	ContentID string `json:"content_id"`
	MediaKind string `json:"media_kind"`
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`
}

type StartPlaybackResponse struct {
	SessionID   string                `json:"session_id"`
	ManifestURL string                `json:"manifest_url"`
	Subtitles   []resolve.SubtitleRef `json:"subtitles,omitempty"`
}

type SeekRequest struct {
	Position float64 `json:"position"` // Seconds
}

type VariantRequest struct {
	Index int `json:"index"` // -1 re-enables adaptive selection
}

type SubtitleRequest struct {
	Index int `json:"index"` // -1 disables subtitles
}

type RateRequest struct {
	Rate float64 `json:"rate"`
}

type VolumeRequest struct {
	Volume *float64 `json:"volume,omitempty"`
	Muted  *bool    `json:"muted,omitempty"`
}

type PlayerStatusResponse struct {
	Player player.Snapshot `json:"player"`
}

// Trust DTOs

type SurfaceLoadedRequest struct {
	Mobile bool `json:"mobile"`
}

type InteractionResponse struct {
	Allowed    bool   `json:"allowed"`
	Rule       string `json:"rule"`
	TrustScore int    `json:"trust_score"`
}

type TrustStateResponse struct {
	TrustScore             int  `json:"trust_score"`
	TotalInteractions      int  `json:"total_interactions"`
	SuppressedInteractions int  `json:"suppressed_interactions"`
	ShieldEngaged          bool `json:"shield_engaged"`
}

// Defense DTOs

type OpenRequest struct {
	URL    string `json:"url"`
	Target string `json:"target,omitempty"`
}

type OpenResponse struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	Destination string `json:"destination,omitempty"`
}

type FocusRequest struct {
	Lost bool `json:"lost"`
}

type SanitizeResponse struct {
	HTML              string `json:"html"`
	Changed           bool   `json:"changed"`
	TargetsStripped   int    `json:"targets_stripped"`
	DownloadsStripped int    `json:"downloads_stripped"`
	HrefsStripped     int    `json:"hrefs_stripped"`
	ActionsStripped   int    `json:"actions_stripped"`
}

type DefenseStateResponse struct {
	Armed           bool  `json:"armed"`
	Detections      int64 `json:"detections"`
	BlockedOpens    int64 `json:"blocked_opens"`
	PatternsVersion int   `json:"patterns_version"`
}

// Library DTOs

type AddWatchlistRequest struct {
	ContentID string `json:"content_id"`
	MediaKind string `json:"media_kind"`
	Title     string `json:"title"`
	PosterURL string `json:"poster_url,omitempty"`
}

type WatchlistResponse struct {
	Items []storage.WatchlistItem `json:"items"`
}

type WatchedRequest struct {
	Season  int `json:"season"`
	Episode int `json:"episode"`
}

type WatchedResponse struct {
	Episodes []storage.WatchedEpisode `json:"episodes"`
}

type SaveProgressRequest struct {
	ContentID string `json:"content_id"`
	MediaKind string `json:"media_kind"`
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`
	Position  int64  `json:"position"` // Seconds
	Duration  int64  `json:"duration"` // Seconds
}

type ProgressResponse struct {
	ContentID string  `json:"content_id"`
	Season    int     `json:"season"`
	Episode   int     `json:"episode"`
	Position  int64   `json:"position"`
	Duration  int64   `json:"duration"`
	Fraction  float64 `json:"fraction"`
}

type ContinueWatchingResponse struct {
	Items []storage.ContinueWatchingItem `json:"items"`
}

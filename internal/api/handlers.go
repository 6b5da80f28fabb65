package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"cinegate/internal/catalog"
	"cinegate/internal/config"
	"cinegate/internal/defense"
	"cinegate/internal/hls"
	"cinegate/internal/metrics"
	"cinegate/internal/player"
	"cinegate/internal/proxy"
	"cinegate/internal/resolve"
	"cinegate/internal/scheduler"
	"cinegate/internal/storage"
	"cinegate/internal/trustgate"
)

const Version = "0.1.0"

type Handler struct {
	storage  *storage.SQLiteStorage
	engine   *player.Engine
	resolver *resolve.Client
	defense  *defense.Defense
	catalog  *catalog.Client
	proxy    *proxy.Proxy
	sched    *scheduler.Scheduler
	trustCfg config.TrustConfig
	logger   zerolog.Logger

	gate *trustgate.SwappableGate
}

func NewHandler(
	store *storage.SQLiteStorage,
	engine *player.Engine,
	resolver *resolve.Client,
	def *defense.Defense,
	cat *catalog.Client,
	px *proxy.Proxy,
	sched *scheduler.Scheduler,
	trustCfg config.TrustConfig,
	logger zerolog.Logger,
) *Handler {
	h := &Handler{
		storage:  store,
		engine:   engine,
		resolver: resolver,
		defense:  def,
		catalog:  cat,
		proxy:    px,
		sched:    sched,
		trustCfg: trustCfg,
		logger:   logger,
		gate:     trustgate.NewSwappable(toProfile(trustCfg.Desktop), trustgate.WithClock(sched)),
	}

	// Every popup detection, whatever layer caught it, hard-resets the
	// trust gate.
	def.OnPopup(func(source string) {
		h.gate.OnPopupDetected()
	})

	return h
}

// Gate exposes the trust gate for event wiring.
func (h *Handler) Gate() *trustgate.SwappableGate { return h.gate }

func toProfile(p config.TrustProfile) trustgate.Profile {
	return trustgate.Profile{
		LoadGracePeriod:  p.LoadGracePeriod,
		FirstNSuppressed: p.FirstNSuppressed,
		MinClickSpacing:  p.MinClickSpacing,
		ParanoiaWindow:   p.ParanoiaWindow,
		TrustFloor:       p.TrustFloor,
		TrustCeiling:     p.TrustCeiling,
		TrustIncrement:   p.TrustIncrement,
		InitialTrust:     p.InitialTrust,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
	})
}

// Playback handlers

func (h *Handler) StartPlayback(w http.ResponseWriter, r *http.Request) {
	var req StartPlaybackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	pr := resolve.PlaybackRequest{
		ContentID: req.ContentID,
		MediaKind: resolve.MediaKind(req.MediaKind),
		Season:    req.Season,
		Episode:   req.Episode,
	}
	if err := pr.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	res := h.resolver.Resolve(r.Context(), pr)
	if !res.Success {
		h.engine.FailStart(res.ErrorDetail)
		h.logger.Warn().
			Str("content_id", req.ContentID).
			Str("detail", res.ErrorDetail).
			Msg("resolution failed")
		writeError(w, http.StatusBadGateway, "RESOLVE_FAILED", res.ErrorDetail)
		return
	}

	manifest := h.proxy.RouteURL(res.ManifestURL, res.Referer, hls.KindManifest)

	var subs []player.SubtitleTrack
	for _, s := range res.Subtitles {
		subs = append(subs, player.SubtitleTrack{
			Label:    s.Label,
			Language: s.Language,
			URI:      h.proxy.RouteURL(s.URI, res.Referer, hls.KindSegment),
		})
	}

	if err := h.engine.Start(manifest, &player.Options{Subtitles: subs}); err != nil {
		h.logger.Error().Err(err).Msg("failed to start playback")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start playback")
		return
	}

	writeJSON(w, http.StatusOK, StartPlaybackResponse{
		SessionID:   h.engine.Snapshot().SessionID,
		ManifestURL: manifest,
		Subtitles:   res.Subtitles,
	})
}

func (h *Handler) StopPlayback(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	h.engine.Play()
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	target := time.Duration(req.Position * float64(time.Second))
	if err := h.engine.Seek(target); err != nil {
		writeError(w, http.StatusConflict, "SEEK_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

func (h *Handler) SetVariant(w http.ResponseWriter, r *http.Request) {
	var req VariantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	if err := h.engine.SetVariant(req.Index); err != nil {
		writeError(w, http.StatusConflict, "VARIANT_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

func (h *Handler) SetSubtitle(w http.ResponseWriter, r *http.Request) {
	var req SubtitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	if err := h.engine.SetSubtitleTrack(req.Index); err != nil {
		writeError(w, http.StatusConflict, "SUBTITLE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	var req RateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	h.engine.SetPlaybackRate(req.Rate)
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

func (h *Handler) SetVolume(w http.ResponseWriter, r *http.Request) {
	var req VolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	if req.Volume != nil {
		h.engine.SetVolume(*req.Volume)
	}
	if req.Muted != nil {
		h.engine.SetMuted(*req.Muted)
	}
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

func (h *Handler) PlayerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PlayerStatusResponse{Player: h.engine.Snapshot()})
}

// Trust handlers

func (h *Handler) SurfaceLoaded(w http.ResponseWriter, r *http.Request) {
	var req SurfaceLoadedRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	h.gate.Swap(toProfile(h.trustCfg.Profile(req.Mobile)))
	h.gate.OnSurfaceLoaded()

	h.logger.Info().Bool("mobile", req.Mobile).Msg("playback surface loaded")
	writeJSON(w, http.StatusOK, h.trustState())
}

// Interaction runs one click through the gate: it decides, records the
// outcome, and feeds the raw gesture to the hijack-defense timing
// heuristics.
func (h *Handler) Interaction(w http.ResponseWriter, r *http.Request) {
	h.defense.RecordGesture()

	d := h.gate.Decide()
	h.gate.RecordOutcome(d.Block)

	metrics.RecordTrustDecision(d.Block, d.Rule)

	snap := h.gate.Snapshot()
	h.logger.Debug().
		Bool("blocked", d.Block).
		Str("rule", d.Rule).
		Int("trust", snap.TrustScore).
		Msg("interaction gated")

	writeJSON(w, http.StatusOK, InteractionResponse{
		Allowed:    !d.Block,
		Rule:       d.Rule,
		TrustScore: snap.TrustScore,
	})
}

func (h *Handler) TrustState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.trustState())
}

func (h *Handler) trustState() TrustStateResponse {
	snap := h.gate.Snapshot()
	return TrustStateResponse{
		TrustScore:             snap.TrustScore,
		TotalInteractions:      snap.TotalInteractions,
		SuppressedInteractions: snap.SuppressedInteractions,
		ShieldEngaged:          snap.ShieldEngaged,
	}
}

// Defense handlers

func (h *Handler) OpenContext(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	win, verdict := h.defense.Guard().Open(req.URL, req.Target)
	writeJSON(w, http.StatusOK, OpenResponse{
		Allowed:     verdict.Allow,
		Reason:      verdict.Reason,
		Destination: win.Destination(),
	})
}

func (h *Handler) Gesture(w http.ResponseWriter, r *http.Request) {
	h.defense.RecordGesture()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) FocusChange(w http.ResponseWriter, r *http.Request) {
	var req FocusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	if req.Lost {
		h.defense.Focus().HandleFocusLost()
	} else {
		h.defense.Focus().HandleFocusRegained()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Sanitize(w http.ResponseWriter, r *http.Request) {
	html, report, err := h.defense.SanitizeHTML(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Unparsable document")
		return
	}

	writeJSON(w, http.StatusOK, SanitizeResponse{
		HTML:              html,
		Changed:           report.Changed(),
		TargetsStripped:   report.TargetsStripped,
		DownloadsStripped: report.DownloadsStripped,
		HrefsStripped:     report.HrefsStripped,
		ActionsStripped:   report.ActionsStripped,
	})
}

func (h *Handler) DefenseState(w http.ResponseWriter, r *http.Request) {
	snap := h.defense.Snapshot()
	writeJSON(w, http.StatusOK, DefenseStateResponse{
		Armed:           snap.Armed,
		Detections:      snap.Detections,
		BlockedOpens:    snap.BlockedOpens,
		PatternsVersion: snap.PatternsVersion,
	})
}

// Catalog handlers

func (h *Handler) GetTitle(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")

	title, err := h.catalog.GetTitle(r.Context(), kind, id)
	if err != nil {
		h.logger.Warn().Err(err).Str("id", id).Msg("catalog lookup failed")
		writeError(w, http.StatusBadGateway, "CATALOG_ERROR", "Failed to fetch title")
		return
	}
	writeJSON(w, http.StatusOK, title)
}

func (h *Handler) GetSeason(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	season, err := strconv.Atoi(chi.URLParam(r, "season"))
	if err != nil || season <= 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid season number")
		return
	}

	eps, err := h.catalog.GetSeason(r.Context(), id, season)
	if err != nil {
		h.logger.Warn().Err(err).Str("id", id).Msg("season lookup failed")
		writeError(w, http.StatusBadGateway, "CATALOG_ERROR", "Failed to fetch season")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"episodes": eps})
}

func (h *Handler) SearchCatalog(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "q parameter required")
		return
	}

	titles, err := h.catalog.Search(r.Context(), query)
	if err != nil {
		h.logger.Warn().Err(err).Str("query", query).Msg("search failed")
		writeError(w, http.StatusBadGateway, "CATALOG_ERROR", "Search failed")
		return
	}
	if titles == nil {
		titles = []catalog.Title{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": titles})
}

// Watchlist handlers

func (h *Handler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	items, err := h.storage.GetWatchlist()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to get watchlist")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get watchlist")
		return
	}
	if items == nil {
		items = []storage.WatchlistItem{}
	}
	writeJSON(w, http.StatusOK, WatchlistResponse{Items: items})
}

func (h *Handler) AddToWatchlist(w http.ResponseWriter, r *http.Request) {
	var req AddWatchlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}
	if req.ContentID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "content_id and title are required")
		return
	}

	item := &storage.WatchlistItem{
		ContentID: req.ContentID,
		MediaKind: req.MediaKind,
		Title:     req.Title,
		PosterURL: req.PosterURL,
	}
	if err := h.storage.AddToWatchlist(item); err != nil {
		h.logger.Error().Err(err).Str("id", req.ContentID).Msg("failed to add to watchlist")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to add to watchlist")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) RemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "id")

	if err := h.storage.RemoveFromWatchlist(contentID); err != nil {
		h.logger.Error().Err(err).Str("id", contentID).Msg("failed to remove from watchlist")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to remove from watchlist")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Watched-episode handlers

func (h *Handler) MarkWatched(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "id")

	var req WatchedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}
	if req.Season <= 0 || req.Episode <= 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "season and episode must be positive")
		return
	}

	if err := h.storage.MarkWatched(contentID, req.Season, req.Episode); err != nil {
		h.logger.Error().Err(err).Str("id", contentID).Msg("failed to mark watched")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to mark watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UnmarkWatched(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "id")

	var req WatchedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	if err := h.storage.UnmarkWatched(contentID, req.Season, req.Episode); err != nil {
		h.logger.Error().Err(err).Str("id", contentID).Msg("failed to unmark watched")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to unmark watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetWatched(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "id")

	eps, err := h.storage.GetWatchedEpisodes(contentID)
	if err != nil {
		h.logger.Error().Err(err).Str("id", contentID).Msg("failed to get watched episodes")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get watched episodes")
		return
	}
	if eps == nil {
		eps = []storage.WatchedEpisode{}
	}
	writeJSON(w, http.StatusOK, WatchedResponse{Episodes: eps})
}

// Progress handlers

func (h *Handler) SaveProgress(w http.ResponseWriter, r *http.Request) {
	var req SaveProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}
	if req.ContentID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "content_id is required")
		return
	}
	if req.Duration <= 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Duration must be positive")
		return
	}

	if req.Position < 0 {
		req.Position = 0
	}
	if req.Position > req.Duration {
		req.Position = req.Duration
	}

	p := &storage.Progress{
		ContentID: req.ContentID,
		MediaKind: req.MediaKind,
		Season:    req.Season,
		Episode:   req.Episode,
		Position:  req.Position,
		Duration:  req.Duration,
		Fraction:  float64(req.Position) / float64(req.Duration),
	}
	if err := h.storage.SaveProgress(p); err != nil {
		h.logger.Error().Err(err).Str("id", req.ContentID).Msg("failed to save progress")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save progress")
		return
	}

	writeJSON(w, http.StatusOK, ProgressResponse{
		ContentID: p.ContentID,
		Season:    p.Season,
		Episode:   p.Episode,
		Position:  p.Position,
		Duration:  p.Duration,
		Fraction:  p.Fraction,
	})
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "id")
	season, _ := strconv.Atoi(r.URL.Query().Get("season"))
	episode, _ := strconv.Atoi(r.URL.Query().Get("episode"))

	p, err := h.storage.GetProgress(contentID, season, episode)
	if err != nil {
		h.logger.Error().Err(err).Str("id", contentID).Msg("failed to get progress")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get progress")
		return
	}

	if p == nil {
		writeJSON(w, http.StatusOK, ProgressResponse{
			ContentID: contentID,
			Season:    season,
			Episode:   episode,
		})
		return
	}

	writeJSON(w, http.StatusOK, ProgressResponse{
		ContentID: p.ContentID,
		Season:    p.Season,
		Episode:   p.Episode,
		Position:  p.Position,
		Duration:  p.Duration,
		Fraction:  p.Fraction,
	})
}

func (h *Handler) GetContinueWatching(w http.ResponseWriter, r *http.Request) {
	items, err := h.storage.GetContinueWatching(20)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to get continue watching")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get continue watching")
		return
	}
	if items == nil {
		items = []storage.ContinueWatchingItem{}
	}
	writeJSON(w, http.StatusOK, ContinueWatchingResponse{Items: items})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

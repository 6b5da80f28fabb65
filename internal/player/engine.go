// Package player implements the adaptive playback engine: it turns a
// manifest URL into a buffered, quality-switching playback session over a
// single media surface, recovering from transient network and media faults
// without tearing the session down when avoidable.
package player

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"cinegate/internal/config"
	"cinegate/internal/hls"
	"cinegate/internal/metrics"
	"cinegate/internal/scheduler"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionState is the engine's lifecycle state.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateInitializing SessionState = "initializing"
	StateReady        SessionState = "ready"
	StatePlaying      SessionState = "playing"
	StatePaused       SessionState = "paused"
	StateBuffering    SessionState = "buffering"
	StateError        SessionState = "error"
)

// VariantAuto re-enables adaptive bitrate selection.
const VariantAuto = -1

// tickInterval paces the playback loop: playhead advance, buffer refill,
// eviction, and time updates.
const tickInterval = 500 * time.Millisecond

// resumeThreshold is the forward buffer needed to leave the buffering state.
const resumeThreshold = 2 * time.Second

// Events is the callback surface exposed to the host. Nil callbacks are
// skipped. Callbacks run outside engine locks.
type Events struct {
	OnReady          func(variants []hls.Variant)
	OnQualityChanged func(variantIndex int)
	OnBuffering      func(buffering bool)
	OnTimeUpdate     func(currentTime, bufferedEnd time.Duration)
	OnFatalError     func(class ErrorClass, reason string)
}

// SubtitleTrack is an out-of-band track reference from the manifest
// resolution.
type SubtitleTrack struct {
	Label    string
	Language string
	URI      string
}

// Options overrides per-start engine tunables. Zero values fall back to the
// engine configuration.
type Options struct {
	StartLowest       *bool
	NetworkRetryLimit *int
	ForwardBuffer     *time.Duration
	Subtitles         []SubtitleTrack
}

// Snapshot is a point-in-time copy of the session for the API layer.
type Snapshot struct {
	SessionID     string        `json:"session_id"`
	State         SessionState  `json:"state"`
	CurrentTime   time.Duration `json:"current_time"`
	BufferedEnd   time.Duration `json:"buffered_end"`
	Duration      time.Duration `json:"duration"`
	Variant       int           `json:"variant"`
	Auto          bool          `json:"auto"`
	Variants      []hls.Variant `json:"variants"`
	Rate          float64       `json:"rate"`
	Volume        float64       `json:"volume"`
	Muted         bool          `json:"muted"`
	Buffering     bool          `json:"buffering"`
	Seeking       bool          `json:"seeking"`
	SubtitleTrack int           `json:"subtitle_track"`
	ErrorClass    string        `json:"error_class,omitempty"`
	ErrorReason   string        `json:"error_reason,omitempty"`
}

// Engine drives at most one live session at a time. Starting a new session
// fully retires the previous one before any new network activity begins.
type Engine struct {
	cfg     config.PlayerConfig
	sched   *scheduler.Scheduler
	fetch   Fetcher
	surface Surface
	events  Events
	logger  zerolog.Logger

	mu sync.Mutex
	s  *session
}

type session struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	manifestURL string
	baseURL     *url.URL

	state    SessionState
	variants []hls.Variant
	media    *hls.MediaPlaylist

	playhead      time.Duration
	bufferedStart time.Duration
	bufferedEnd   time.Duration
	nextSegment   int
	loadGen       int

	playing   bool
	buffering bool
	seeking   bool
	loading   bool
	rate      float64
	volume    float64
	muted     bool

	variant int
	auto    bool

	netRetries      int
	mediaRecoveries int
	recoveryPending bool

	estimator *bandwidthEstimator
	startedAt time.Time

	tracks      *TrackSet
	activeTrack int

	tick *scheduler.Handle

	errClass  ErrorClass
	errReason string

	opts resolvedOptions
}

type resolvedOptions struct {
	startLowest   bool
	networkLimit  int
	forwardBuffer time.Duration
}

func NewEngine(cfg config.PlayerConfig, sched *scheduler.Scheduler, fetch Fetcher, surface Surface, events Events, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		sched:   sched,
		fetch:   fetch,
		surface: surface,
		events:  events,
		logger:  logger,
	}
}

// Start tears down any active session, attaches the surface, and begins
// manifest loading. The manifest URL must be non-empty.
func (e *Engine) Start(manifestURL string, opts *Options) error {
	if manifestURL == "" {
		return ErrNoManifestURL
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.teardownLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          uuid.NewString(),
		ctx:         ctx,
		cancel:      cancel,
		manifestURL: manifestURL,
		baseURL:     base,
		state:       StateInitializing,
		rate:        1.0,
		volume:      1.0,
		auto:        true,
		activeTrack: TrackNone,
		estimator:   newBandwidthEstimator(),
		startedAt:   e.sched.Now(),
		opts:        e.resolveOptions(opts),
	}
	e.s = s
	e.mu.Unlock()

	if err := e.surface.Attach(s.id); err != nil {
		e.failSession(s, ErrorClassUnsupported, "media surface unavailable: "+err.Error())
		return nil
	}

	e.logger.Info().
		Str("session", s.id).
		Str("manifest", manifestURL).
		Msg("playback session starting")

	if opts != nil && len(opts.Subtitles) > 0 {
		go e.loadSubtitles(s, opts.Subtitles)
	}

	go e.loadManifest(s)
	return nil
}

// FailStart records an input-resolution failure: the session goes straight
// to the terminal error state without any network activity.
func (e *Engine) FailStart(reason string) {
	if reason == "" {
		reason = "stream resolution failed"
	}

	e.mu.Lock()
	e.teardownLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          uuid.NewString(),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateError,
		rate:        1.0,
		volume:      1.0,
		auto:        true,
		activeTrack: TrackNone,
		errClass:    ErrorClassInput,
		errReason:   reason,
	}
	e.s = s
	e.mu.Unlock()

	metrics.RecordPlaybackError(string(ErrorClassInput))
	e.emitFatal(ErrorClassInput, reason)
}

// Stop retires the active session and detaches the surface.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.teardownLocked()
	e.mu.Unlock()
}

func (e *Engine) resolveOptions(opts *Options) resolvedOptions {
	r := resolvedOptions{
		startLowest:   e.cfg.StartLowest,
		networkLimit:  e.cfg.NetworkRetryLimit,
		forwardBuffer: e.cfg.ForwardBufferTarget,
	}
	if opts == nil {
		return r
	}
	if opts.StartLowest != nil {
		r.startLowest = *opts.StartLowest
	}
	if opts.NetworkRetryLimit != nil {
		r.networkLimit = *opts.NetworkRetryLimit
	}
	if opts.ForwardBuffer != nil {
		r.forwardBuffer = *opts.ForwardBuffer
	}
	return r
}

// teardownLocked cancels in-flight loads and detaches the surface. Caller
// holds e.mu.
func (e *Engine) teardownLocked() {
	if e.s == nil {
		return
	}
	s := e.s
	s.cancel()
	if s.tick != nil {
		s.tick.Cancel()
	}
	e.surface.Detach()
	e.s = nil
}

func (e *Engine) loadManifest(s *session) {
	ctx, cancel := context.WithTimeout(s.ctx, e.cfg.ManifestTimeout)
	body, err := e.fetch.Fetch(ctx, s.manifestURL)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		e.handleNetworkError(s, "manifest fetch failed", func() { e.loadManifest(s) })
		return
	}

	text := string(body)
	if hls.IsMaster(text) {
		master, err := hls.ParseMaster(text)
		if err != nil {
			e.failSession(s, ErrorClassFatal, "manifest parse failed: "+err.Error())
			return
		}
		e.mu.Lock()
		if e.s != s {
			e.mu.Unlock()
			return
		}
		s.variants = master.Variants
		if s.opts.startLowest {
			s.variant = lowestVariant(master.Variants)
		} else {
			// Conservative assumed estimate for the first pick.
			s.variant = pickVariant(master.Variants, 1_000_000)
		}
		variant := master.Variants[s.variant]
		e.mu.Unlock()

		e.loadVariantPlaylist(s, variant, false)
		return
	}

	media, err := hls.ParseMedia(text)
	if err != nil {
		e.failSession(s, ErrorClassFatal, "manifest parse failed: "+err.Error())
		return
	}
	// Single-variant stream; synthesize the variant entry.
	e.mu.Lock()
	if e.s != s {
		e.mu.Unlock()
		return
	}
	s.variants = []hls.Variant{{Index: 0, URI: s.manifestURL}}
	s.variant = 0
	s.media = media
	e.mu.Unlock()

	e.becomeReady(s)
}

func (e *Engine) loadVariantPlaylist(s *session, v hls.Variant, isSwitch bool) {
	uri := v.URI
	if s.baseURL != nil {
		if ref, err := url.Parse(uri); err == nil {
			uri = s.baseURL.ResolveReference(ref).String()
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, e.cfg.ManifestTimeout)
	body, err := e.fetch.Fetch(ctx, uri)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		e.handleNetworkError(s, "variant playlist fetch failed", func() { e.loadVariantPlaylist(s, v, isSwitch) })
		return
	}

	media, err := hls.ParseMedia(string(body))
	if err != nil {
		e.failSession(s, ErrorClassFatal, "variant playlist parse failed: "+err.Error())
		return
	}

	e.mu.Lock()
	if e.s != s {
		e.mu.Unlock()
		return
	}
	s.media = media
	if isSwitch {
		// Restart loading at the playhead; the stale forward queue is
		// dropped rather than drained.
		s.nextSegment = media.SegmentIndexAt(s.playhead)
		s.bufferedEnd = s.playhead
		s.loadGen++
		variant := s.variant
		e.mu.Unlock()
		e.emitQualityChanged(variant)
		return
	}
	e.mu.Unlock()

	e.becomeReady(s)
}

func (e *Engine) becomeReady(s *session) {
	e.mu.Lock()
	if e.s != s || s.state == StateError {
		e.mu.Unlock()
		return
	}
	s.state = StateReady
	variants := append([]hls.Variant(nil), s.variants...)
	s.tick = e.sched.Every(tickInterval, func() { e.tickSession(s) })
	e.mu.Unlock()

	e.logger.Info().
		Str("session", s.id).
		Int("variants", len(variants)).
		Msg("playback ready")

	if e.events.OnReady != nil {
		e.events.OnReady(variants)
	}

	// Fast first frame: begin playing immediately at the startup variant.
	e.Play()
}

// tickSession advances the playhead, refills and evicts the buffer, applies
// ABR upgrades, and emits time updates.
func (e *Engine) tickSession(s *session) {
	var (
		emitBuffering *bool
		emitTime      bool
		cur, buf      time.Duration
		upgradeTo     = -1
	)

	e.mu.Lock()
	if e.s != s || s.state == StateError || s.media == nil {
		e.mu.Unlock()
		return
	}

	ended := s.media.EndList && s.nextSegment >= len(s.media.Segments)

	if s.playing && !s.buffering {
		step := time.Duration(float64(tickInterval) * s.rate)
		s.playhead += step
		if s.playhead > s.bufferedEnd {
			s.playhead = s.bufferedEnd
			if ended {
				// Natural end of stream.
				s.playing = false
				s.state = StatePaused
			} else {
				s.buffering = true
				s.state = StateBuffering
				t := true
				emitBuffering = &t
			}
		}
	}

	if s.buffering {
		if s.bufferedEnd-s.playhead >= resumeThreshold || (ended && s.bufferedEnd > s.playhead) {
			s.buffering = false
			s.seeking = false
			f := false
			emitBuffering = &f
			if s.playing {
				s.state = StatePlaying
			} else if s.state != StateReady {
				s.state = StatePaused
			}
		}
	}

	// Bounded back-buffer.
	if keep := s.playhead - e.cfg.BackBufferLimit; keep > s.bufferedStart {
		s.bufferedStart = keep
	}

	// Refill ahead of the playhead.
	if !s.loading && !ended && s.bufferedEnd-s.playhead < s.opts.forwardBuffer && s.nextSegment < len(s.media.Segments) {
		s.loading = true
		gen := s.loadGen
		idx := s.nextSegment
		go e.loadSegment(s, idx, gen)
	}

	// ABR: upgrade only after the estimator has seen enough and startup has
	// settled, and only in auto mode.
	if s.auto && len(s.variants) > 1 {
		est, samples := s.estimator.estimate()
		if samples >= e.cfg.ABRMinSamples && e.sched.Now().Sub(s.startedAt) >= e.cfg.ABRUpgradeAfter {
			if next := pickVariant(s.variants, est); next != s.variant {
				upgradeTo = next
			}
		}
	}

	cur, buf = s.playhead, s.bufferedEnd
	emitTime = true
	e.mu.Unlock()

	if emitBuffering != nil && e.events.OnBuffering != nil {
		e.events.OnBuffering(*emitBuffering)
	}
	if emitTime && e.events.OnTimeUpdate != nil {
		e.events.OnTimeUpdate(cur, buf)
	}
	if upgradeTo >= 0 {
		e.switchVariant(s, upgradeTo, true)
	}
}

func (e *Engine) loadSegment(s *session, idx, gen int) {
	e.mu.Lock()
	if e.s != s || s.media == nil || idx >= len(s.media.Segments) {
		if e.s == s {
			s.loading = false
		}
		e.mu.Unlock()
		return
	}
	seg := s.media.Segments[idx]
	e.mu.Unlock()

	uri := seg.URI
	if s.baseURL != nil {
		if ref, err := url.Parse(uri); err == nil {
			uri = s.baseURL.ResolveReference(ref).String()
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, e.cfg.FragmentTimeout)
	started := e.sched.Now()
	data, err := e.fetch.Fetch(ctx, uri)
	cancel()

	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		s.loading = false
		stale := e.s != s || gen != s.loadGen
		e.mu.Unlock()
		if stale {
			return
		}
		e.handleNetworkError(s, "fragment fetch failed", nil)
		return
	}

	s.estimator.addSample(len(data), e.sched.Now().Sub(started))

	e.mu.Lock()
	if e.s != s || gen != s.loadGen {
		s.loading = false
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.surface.WriteSegment(data); err != nil {
		e.mu.Lock()
		s.loading = false
		e.mu.Unlock()
		e.recoverMedia(s)
		return
	}

	e.mu.Lock()
	if e.s == s && gen == s.loadGen {
		s.bufferedEnd += seg.Duration
		s.nextSegment = idx + 1
		s.netRetries = 0
		s.loading = false
		s.seeking = false
	} else {
		s.loading = false
	}
	e.mu.Unlock()
}

// handleNetworkError schedules a bounded, non-overlapping retry. retry==nil
// means the tick loop will naturally reissue the load.
func (e *Engine) handleNetworkError(s *session, what string, retry func()) {
	e.mu.Lock()
	if e.s != s || s.state == StateError {
		e.mu.Unlock()
		return
	}
	if s.recoveryPending {
		e.mu.Unlock()
		return
	}
	if s.netRetries >= s.opts.networkLimit {
		e.mu.Unlock()
		e.failSession(s, ErrorClassNetwork, what+" after "+strconv.Itoa(s.opts.networkLimit)+" retries")
		return
	}
	s.netRetries++
	s.recoveryPending = true
	attempt := s.netRetries
	e.mu.Unlock()

	metrics.RecordPlaybackRetry()
	e.logger.Warn().
		Str("session", s.id).
		Str("what", what).
		Int("attempt", attempt).
		Msg("network error, retrying")

	e.sched.After(e.cfg.NetworkRetryDelay, func() {
		e.mu.Lock()
		if e.s != s {
			e.mu.Unlock()
			return
		}
		s.recoveryPending = false
		e.mu.Unlock()
		if retry != nil {
			retry()
		}
	})
}

// recoverMedia resets the media pipeline in place. Buffered progress is
// kept; the failed segment is retried on the next tick.
func (e *Engine) recoverMedia(s *session) {
	e.mu.Lock()
	if e.s != s || s.state == StateError || s.recoveryPending {
		e.mu.Unlock()
		return
	}
	if s.mediaRecoveries >= e.cfg.MediaRecoveryLimit {
		e.mu.Unlock()
		e.failSession(s, ErrorClassMedia, "media pipeline recovery exhausted")
		return
	}
	s.mediaRecoveries++
	s.recoveryPending = true
	e.mu.Unlock()

	metrics.RecordPlaybackRetry()
	e.logger.Warn().Str("session", s.id).Msg("media error, resetting pipeline")

	err := e.surface.Reset()

	e.mu.Lock()
	if e.s == s {
		s.recoveryPending = false
	}
	e.mu.Unlock()

	if err != nil {
		e.failSession(s, ErrorClassMedia, "media pipeline reset failed: "+err.Error())
	}
}

func (e *Engine) failSession(s *session, class ErrorClass, reason string) {
	e.mu.Lock()
	if e.s != s || s.state == StateError {
		e.mu.Unlock()
		return
	}
	s.state = StateError
	s.playing = false
	s.errClass = class
	s.errReason = reason
	s.cancel()
	if s.tick != nil {
		s.tick.Cancel()
	}
	e.mu.Unlock()

	metrics.RecordPlaybackError(string(class))
	e.logger.Error().
		Str("session", s.id).
		Str("class", string(class)).
		Str("reason", reason).
		Msg("playback failed")

	e.emitFatal(class, reason)
}

func (e *Engine) emitFatal(class ErrorClass, reason string) {
	if e.events.OnFatalError != nil {
		e.events.OnFatalError(class, reason)
	}
}

func (e *Engine) emitQualityChanged(variant int) {
	if e.events.OnQualityChanged != nil {
		e.events.OnQualityChanged(variant)
	}
}

// Play resumes (or begins) playback.
func (e *Engine) Play() {
	e.mu.Lock()
	s := e.s
	if s == nil || s.state == StateError || s.state == StateInitializing {
		e.mu.Unlock()
		return
	}
	s.playing = true
	if !s.buffering {
		s.state = StatePlaying
	}
	e.mu.Unlock()
}

// Pause halts playhead advance without touching the buffer.
func (e *Engine) Pause() {
	e.mu.Lock()
	s := e.s
	if s == nil || s.state == StateError {
		e.mu.Unlock()
		return
	}
	s.playing = false
	if !s.buffering {
		s.state = StatePaused
	}
	e.mu.Unlock()
}

// Seek repositions the playhead and restarts fragment loading at the target
// position. The stale forward queue is dropped, not drained.
func (e *Engine) Seek(target time.Duration) error {
	e.mu.Lock()
	s := e.s
	if s == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if s.state == StateError {
		e.mu.Unlock()
		return ErrSessionEnded
	}
	if s.media == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}

	if target < 0 {
		target = 0
	}
	if total := s.media.TotalDuration; total > 0 && target > total {
		target = total
	}

	s.playhead = target
	s.bufferedStart = target
	s.bufferedEnd = target
	s.nextSegment = s.media.SegmentIndexAt(target)
	s.seeking = true
	s.buffering = true
	s.state = StateBuffering
	s.loadGen++
	e.mu.Unlock()

	if e.events.OnBuffering != nil {
		e.events.OnBuffering(true)
	}
	return nil
}

// SetVariant pins an explicit quality or re-enables automatic selection
// with VariantAuto.
func (e *Engine) SetVariant(idx int) error {
	e.mu.Lock()
	s := e.s
	if s == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if s.state == StateError {
		e.mu.Unlock()
		return ErrSessionEnded
	}
	if idx == VariantAuto {
		s.auto = true
		e.mu.Unlock()
		return nil
	}
	if idx < 0 || idx >= len(s.variants) {
		e.mu.Unlock()
		return ErrNotStarted
	}
	s.auto = false
	current := s.variant
	e.mu.Unlock()

	if idx != current {
		e.switchVariant(s, idx, false)
	}
	return nil
}

func (e *Engine) switchVariant(s *session, idx int, fromABR bool) {
	e.mu.Lock()
	if e.s != s || s.state == StateError || idx < 0 || idx >= len(s.variants) {
		e.mu.Unlock()
		return
	}
	s.variant = idx
	v := s.variants[idx]
	e.mu.Unlock()

	e.logger.Info().
		Str("session", s.id).
		Int("variant", idx).
		Bool("abr", fromABR).
		Msg("switching quality")

	go e.loadVariantPlaylist(s, v, true)
}

// SetSubtitleTrack selects a normalized track, or TrackNone.
func (e *Engine) SetSubtitleTrack(idx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s
	if s == nil {
		return ErrNotStarted
	}
	if idx != TrackNone && (s.tracks == nil || idx < 0 || idx >= s.tracks.Len()) {
		return ErrTrackOutOfRange
	}
	s.activeTrack = idx
	return nil
}

// ActiveSubtitle returns the currently selected track body, if any.
func (e *Engine) ActiveSubtitle() (Track, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s
	if s == nil || s.tracks == nil || s.activeTrack == TrackNone {
		return Track{}, false
	}
	return s.tracks.Get(s.activeTrack)
}

func (e *Engine) SetPlaybackRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil || rate <= 0 {
		return
	}
	e.s.rate = rate
}

func (e *Engine) SetVolume(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil {
		return
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	e.s.volume = v
}

func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil {
		return
	}
	e.s.muted = muted
}

func (e *Engine) loadSubtitles(s *session, refs []SubtitleTrack) {
	tracks, err := LoadTracks(s.ctx, e.fetch, refs)
	if err != nil {
		e.logger.Warn().Err(err).Str("session", s.id).Msg("subtitle load incomplete")
	}
	e.mu.Lock()
	if e.s == s {
		s.tracks = tracks
	}
	e.mu.Unlock()
}

// Snapshot returns a copy of the live session state, or an idle snapshot
// when nothing is active.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.s
	if s == nil {
		return Snapshot{State: StateIdle, Variant: VariantAuto, SubtitleTrack: TrackNone}
	}

	var duration time.Duration
	if s.media != nil {
		duration = s.media.TotalDuration
	}

	return Snapshot{
		SessionID:     s.id,
		State:         s.state,
		CurrentTime:   s.playhead,
		BufferedEnd:   s.bufferedEnd,
		Duration:      duration,
		Variant:       s.variant,
		Auto:          s.auto,
		Variants:      append([]hls.Variant(nil), s.variants...),
		Rate:          s.rate,
		Volume:        s.volume,
		Muted:         s.muted,
		Buffering:     s.buffering,
		Seeking:       s.seeking,
		SubtitleTrack: s.activeTrack,
		ErrorClass:    string(s.errClass),
		ErrorReason:   s.errReason,
	}
}

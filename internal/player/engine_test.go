package player

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinegate/internal/config"
	"cinegate/internal/scheduler"
)

const (
	masterURL = "https://cdn.example/v/master.m3u8"

	testMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
360p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
720p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
1080p/index.m3u8
`

	testMedia = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXTINF:4,
seg0.ts
#EXTINF:4,
seg1.ts
#EXTINF:4,
seg2.ts
#EXTINF:4,
seg3.ts
#EXTINF:4,
seg4.ts
#EXT-X-ENDLIST
`
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
	failures  map[string]int // fail the next N fetches of a URL
	counts    map[string]int
	onFetch   func(url string) // runs outside the lock before a response
}

func newFakeFetcher() *fakeFetcher {
	f := &fakeFetcher{
		responses: make(map[string][]byte),
		failures:  make(map[string]int),
		counts:    make(map[string]int),
	}
	f.responses[masterURL] = []byte(testMaster)
	for _, v := range []string{"360p", "720p", "1080p"} {
		f.responses["https://cdn.example/v/"+v+"/index.m3u8"] = []byte(testMedia)
		for _, seg := range []string{"seg0.ts", "seg1.ts", "seg2.ts", "seg3.ts", "seg4.ts"} {
			f.responses["https://cdn.example/v/"+v+"/"+seg] = []byte("datadata")
		}
	}
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.counts[url]++
	hook := f.onFetch
	if f.failures[url] > 0 {
		f.failures[url]--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	body, ok := f.responses[url]
	f.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	if !ok {
		return nil, errors.New("not found: " + url)
	}
	return body, nil
}

func (f *fakeFetcher) failNext(url string, n int) {
	f.mu.Lock()
	f.failures[url] = n
	f.mu.Unlock()
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[url]
}

type fakeSurface struct {
	mu       sync.Mutex
	attached string
	segments int
	failNext int
	resets   int
}

func (s *fakeSurface) Attach(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = sessionID
	return nil
}

func (s *fakeSurface) WriteSegment(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return ErrMediaAppend
	}
	s.segments++
	return nil
}

func (s *fakeSurface) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *fakeSurface) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = ""
}

type eventLog struct {
	mu        sync.Mutex
	readyVars int
	qualities []int
	fatals    []ErrorClass
	reasons   []string
}

func testPlayerConfig() config.PlayerConfig {
	return config.PlayerConfig{
		ForwardBufferTarget: 20 * time.Second,
		BackBufferLimit:     12 * time.Second,
		NetworkRetryLimit:   2,
		NetworkRetryDelay:   100 * time.Millisecond,
		MediaRecoveryLimit:  2,
		FragmentTimeout:     15 * time.Second,
		ManifestTimeout:     15 * time.Second,
		StartLowest:         true,
		ABRMinSamples:       3,
		ABRUpgradeAfter:     4 * time.Second,
	}
}

type testRig struct {
	engine  *Engine
	fetch   *fakeFetcher
	surface *fakeSurface
	clock   *scheduler.FakeClock
	sched   *scheduler.Scheduler
	log     *eventLog
}

func newTestRig(t *testing.T, cfg config.PlayerConfig) *testRig {
	t.Helper()
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	sched := scheduler.New(clock)
	t.Cleanup(sched.Stop)

	rig := &testRig{
		fetch:   newFakeFetcher(),
		surface: &fakeSurface{},
		clock:   clock,
		sched:   sched,
		log:     &eventLog{},
	}

	events := Events{
		OnQualityChanged: func(v int) {
			rig.log.mu.Lock()
			rig.log.qualities = append(rig.log.qualities, v)
			rig.log.mu.Unlock()
		},
		OnFatalError: func(class ErrorClass, reason string) {
			rig.log.mu.Lock()
			rig.log.fatals = append(rig.log.fatals, class)
			rig.log.reasons = append(rig.log.reasons, reason)
			rig.log.mu.Unlock()
		},
	}

	rig.engine = NewEngine(cfg, sched, rig.fetch, rig.surface, events, zerolog.Nop())
	t.Cleanup(rig.engine.Stop)
	return rig
}

// step advances the fake clock until cond holds, driving ticks and retry
// timers.
func (r *testRig) step(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.clock.Advance(250 * time.Millisecond)
		return cond(r.engine.Snapshot())
	}, 5*time.Second, time.Millisecond)
}

func (r *testRig) fatalCount() int {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	return len(r.log.fatals)
}

func TestStartPicksLowestVariant(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())

	require.NoError(t, rig.engine.Start(masterURL, nil))

	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })

	snap := rig.engine.Snapshot()
	assert.Equal(t, 0, snap.Variant)
	assert.True(t, snap.Auto)
	assert.Len(t, snap.Variants, 3)
	assert.Equal(t, 20*time.Second, snap.Duration)
}

func TestPlaybackAdvancesAndBuffers(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	require.NoError(t, rig.engine.Start(masterURL, nil))

	rig.step(t, func(s Snapshot) bool {
		return s.State == StatePlaying && s.CurrentTime > 2*time.Second
	})

	snap := rig.engine.Snapshot()
	assert.Greater(t, snap.BufferedEnd, snap.CurrentTime)
}

func TestMediaOnlyManifestSynthesizesVariant(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	rig.fetch.responses["https://cdn.example/v/plain.m3u8"] = []byte(testMedia)
	for _, seg := range []string{"seg0.ts", "seg1.ts", "seg2.ts", "seg3.ts", "seg4.ts"} {
		rig.fetch.responses["https://cdn.example/v/"+seg] = []byte("datadata")
	}

	require.NoError(t, rig.engine.Start("https://cdn.example/v/plain.m3u8", nil))

	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })
	assert.Len(t, rig.engine.Snapshot().Variants, 1)
}

func TestTransientNetworkErrorRecovers(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	rig.fetch.failNext("https://cdn.example/v/360p/index.m3u8", 1)

	require.NoError(t, rig.engine.Start(masterURL, nil))

	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })
	assert.Equal(t, 0, rig.fatalCount())
	assert.Equal(t, 2, rig.fetch.count("https://cdn.example/v/360p/index.m3u8"))
}

func TestNetworkRetryBudgetExhaustion(t *testing.T) {
	cfg := testPlayerConfig()
	cfg.NetworkRetryLimit = 2
	rig := newTestRig(t, cfg)
	rig.fetch.failNext(masterURL, 100)

	require.NoError(t, rig.engine.Start(masterURL, nil))

	rig.step(t, func(s Snapshot) bool { return s.State == StateError })

	snap := rig.engine.Snapshot()
	assert.Equal(t, string(ErrorClassNetwork), snap.ErrorClass)
	assert.Contains(t, snap.ErrorReason, "after 2 retries")

	// Initial attempt plus exactly the budgeted retries.
	assert.Equal(t, 3, rig.fetch.count(masterURL))
	assert.Equal(t, 1, rig.fatalCount())
}

func TestMediaRecoveryResetsPipeline(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	rig.surface.mu.Lock()
	rig.surface.failNext = 1
	rig.surface.mu.Unlock()

	require.NoError(t, rig.engine.Start(masterURL, nil))

	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying && s.BufferedEnd > 0 })

	rig.surface.mu.Lock()
	resets := rig.surface.resets
	rig.surface.mu.Unlock()
	assert.Equal(t, 1, resets)
	assert.Equal(t, 0, rig.fatalCount())
}

func TestMediaRecoveryExhaustionIsFatal(t *testing.T) {
	cfg := testPlayerConfig()
	cfg.MediaRecoveryLimit = 2
	rig := newTestRig(t, cfg)
	rig.surface.mu.Lock()
	rig.surface.failNext = 1000
	rig.surface.mu.Unlock()

	require.NoError(t, rig.engine.Start(masterURL, nil))

	rig.step(t, func(s Snapshot) bool { return s.State == StateError })
	assert.Equal(t, string(ErrorClassMedia), rig.engine.Snapshot().ErrorClass)
}

func TestFailStartIsTerminalWithoutNetwork(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())

	rig.engine.FailStart("no playable stream found")

	snap := rig.engine.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, string(ErrorClassInput), snap.ErrorClass)
	assert.Equal(t, "no playable stream found", snap.ErrorReason)
	assert.Equal(t, 1, rig.fatalCount())

	// No fetches happened.
	assert.Equal(t, 0, rig.fetch.count(masterURL))

	// Controls on a dead session are rejected.
	assert.ErrorIs(t, rig.engine.Seek(time.Second), ErrSessionEnded)
	assert.ErrorIs(t, rig.engine.SetVariant(1), ErrSessionEnded)
}

func TestSeekRepositionsAndRebuffers(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	require.NoError(t, rig.engine.Start(masterURL, nil))

	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })

	require.NoError(t, rig.engine.Seek(10*time.Second))

	snap := rig.engine.Snapshot()
	assert.Equal(t, 10*time.Second, snap.CurrentTime)
	assert.True(t, snap.Seeking)

	rig.step(t, func(s Snapshot) bool {
		return !s.Seeking && s.BufferedEnd > 10*time.Second
	})
	assert.GreaterOrEqual(t, rig.engine.Snapshot().CurrentTime, 10*time.Second)
}

func TestSeekClampsToTimeline(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	require.NoError(t, rig.engine.Start(masterURL, nil))
	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })

	require.NoError(t, rig.engine.Seek(-5*time.Second))
	assert.Equal(t, time.Duration(0), rig.engine.Snapshot().CurrentTime)

	require.NoError(t, rig.engine.Seek(time.Hour))
	assert.Equal(t, 20*time.Second, rig.engine.Snapshot().CurrentTime)
}

func TestManualVariantPinning(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	require.NoError(t, rig.engine.Start(masterURL, nil))
	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })

	require.NoError(t, rig.engine.SetVariant(2))

	rig.step(t, func(s Snapshot) bool { return s.Variant == 2 })

	snap := rig.engine.Snapshot()
	assert.False(t, snap.Auto)

	rig.log.mu.Lock()
	qualities := append([]int(nil), rig.log.qualities...)
	rig.log.mu.Unlock()
	assert.Contains(t, qualities, 2)

	// VariantAuto re-enables adaptive selection without a reload.
	require.NoError(t, rig.engine.SetVariant(VariantAuto))
	assert.True(t, rig.engine.Snapshot().Auto)
}

func TestAutoUpgradeAfterStableThroughput(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())

	// Fat segments on every variant, each taking 100ms of clock time to
	// fetch: 250 KB / 100ms = 20 Mbit/s, enough headroom for 1080p.
	body := make([]byte, 250_000)
	for _, v := range []string{"360p", "720p", "1080p"} {
		for _, seg := range []string{"seg0.ts", "seg1.ts", "seg2.ts", "seg3.ts", "seg4.ts"} {
			rig.fetch.responses["https://cdn.example/v/"+v+"/"+seg] = body
		}
	}
	rig.fetch.mu.Lock()
	rig.fetch.onFetch = func(url string) {
		if strings.HasSuffix(url, ".ts") {
			rig.clock.Advance(100 * time.Millisecond)
		}
	}
	rig.fetch.mu.Unlock()

	require.NoError(t, rig.engine.Start(masterURL, nil))

	// Upgrades on its own once the estimator has enough samples and the
	// startup hold has elapsed; no SetVariant call anywhere.
	rig.step(t, func(s Snapshot) bool { return s.Variant == 2 })

	snap := rig.engine.Snapshot()
	assert.True(t, snap.Auto)

	rig.log.mu.Lock()
	qualities := append([]int(nil), rig.log.qualities...)
	rig.log.mu.Unlock()
	assert.Contains(t, qualities, 2)
}

func TestPauseStopsPlayheadAdvance(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	require.NoError(t, rig.engine.Start(masterURL, nil))
	rig.step(t, func(s Snapshot) bool {
		return s.State == StatePlaying && s.CurrentTime > time.Second
	})

	rig.engine.Pause()
	at := rig.engine.Snapshot().CurrentTime

	for i := 0; i < 8; i++ {
		rig.clock.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, at, rig.engine.Snapshot().CurrentTime)
	assert.Equal(t, StatePaused, rig.engine.Snapshot().State)

	rig.engine.Play()
	rig.step(t, func(s Snapshot) bool { return s.CurrentTime > at })
}

func TestNaturalEndPauses(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	require.NoError(t, rig.engine.Start(masterURL, nil))

	rig.step(t, func(s Snapshot) bool {
		return s.State == StatePaused && s.CurrentTime >= 20*time.Second
	})
	assert.Equal(t, 0, rig.fatalCount())
}

func TestStartSupersedesPreviousSession(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	require.NoError(t, rig.engine.Start(masterURL, nil))
	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })
	first := rig.engine.Snapshot().SessionID

	require.NoError(t, rig.engine.Start(masterURL, nil))
	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })
	second := rig.engine.Snapshot().SessionID

	assert.NotEqual(t, first, second)
}

func TestStopDetachesSurface(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	require.NoError(t, rig.engine.Start(masterURL, nil))
	rig.step(t, func(s Snapshot) bool { return s.State == StatePlaying })

	rig.engine.Stop()

	assert.Equal(t, StateIdle, rig.engine.Snapshot().State)
	rig.surface.mu.Lock()
	attached := rig.surface.attached
	rig.surface.mu.Unlock()
	assert.Empty(t, attached)
}

func TestStartRequiresManifestURL(t *testing.T) {
	rig := newTestRig(t, testPlayerConfig())
	assert.ErrorIs(t, rig.engine.Start("", nil), ErrNoManifestURL)
}

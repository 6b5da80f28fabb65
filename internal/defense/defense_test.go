package defense

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinegate/internal/config"
	"cinegate/internal/scheduler"
	"cinegate/internal/trustgate"
)

func TestPopupBurstResetsTrustGate(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	sched := scheduler.New(clock)
	defer sched.Stop()

	d := New(config.Default().Defense, sched, Deps{}, zerolog.Nop())
	d.Arm()

	gate := trustgate.New(trustgate.Profile{
		LoadGracePeriod:  3 * time.Second,
		FirstNSuppressed: 3,
		ParanoiaWindow:   30 * time.Second,
		TrustFloor:       30,
		TrustCeiling:     85,
		TrustIncrement:   5,
		InitialTrust:     50,
	}, trustgate.WithClock(clock))
	d.OnPopup(func(source string) { gate.OnPopupDetected() })

	require.Equal(t, 50, gate.Snapshot().TrustScore)

	// Three blocklisted open attempts shortly after load.
	for i := 0; i < 3; i++ {
		_, verdict := d.Guard().Open("https://popunder.example/click", "player")
		require.False(t, verdict.Allow)
		clock.Advance(500 * time.Millisecond)
	}

	snap := d.Snapshot()
	assert.Equal(t, int64(3), snap.BlockedOpens)
	assert.Equal(t, int64(3), snap.Detections)
	assert.Equal(t, 0, gate.Snapshot().TrustScore)
	assert.True(t, gate.Snapshot().ShieldEngaged)
}

func TestArmDisarmIdempotent(t *testing.T) {
	sched := scheduler.New(scheduler.NewFakeClock(time.Unix(1700000000, 0)))
	defer sched.Stop()

	var contexts atomic.Int64
	contexts.Store(1)
	d := New(config.Default().Defense, sched, Deps{
		Contexts: func() int { return int(contexts.Load()) },
	}, zerolog.Nop())

	d.Arm()
	d.Arm()
	assert.True(t, d.Snapshot().Armed)

	d.Disarm()
	d.Disarm()
	assert.False(t, d.Snapshot().Armed)
}

func TestContextGrowthRaisesPopup(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	sched := scheduler.New(clock)
	defer sched.Stop()

	var contexts atomic.Int64
	contexts.Store(1)
	cfg := config.Default().Defense
	d := New(cfg, sched, Deps{
		Contexts: func() int { return int(contexts.Load()) },
	}, zerolog.Nop())

	var detected atomic.Int64
	d.OnPopup(func(source string) {
		if source == "context_count" {
			detected.Add(1)
		}
	})

	d.Arm()
	contexts.Store(2)

	require.Eventually(t, func() bool {
		clock.Advance(cfg.ContextPollEvery)
		return detected.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Re-baselined: an unchanged count does not re-raise.
	for i := 0; i < 5; i++ {
		clock.Advance(cfg.ContextPollEvery)
	}
	assert.LessOrEqual(t, detected.Load(), int64(2))
}

func TestFocusLossAfterGestureTriggersReclaim(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	sched := scheduler.New(clock)
	defer sched.Stop()

	var reclaims atomic.Int64
	cfg := config.Default().Defense
	d := New(cfg, sched, Deps{
		Reclaim: func() bool {
			reclaims.Add(1)
			return false
		},
	}, zerolog.Nop())

	var detected atomic.Int64
	d.OnPopup(func(source string) {
		if source == "focus_loss" {
			detected.Add(1)
		}
	})
	d.Arm()

	d.RecordGesture()
	clock.Advance(200 * time.Millisecond)
	d.Focus().HandleFocusLost()

	require.Equal(t, int64(1), detected.Load())

	// The zero-delay rung of the ladder fires without advancing the clock.
	require.Eventually(t, func() bool {
		clock.Advance(50 * time.Millisecond)
		return reclaims.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFocusLossWithoutGestureIsIgnored(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	sched := scheduler.New(clock)
	defer sched.Stop()

	d := New(config.Default().Defense, sched, Deps{}, zerolog.Nop())

	var detected atomic.Int64
	d.OnPopup(func(source string) { detected.Add(1) })
	d.Arm()

	d.Focus().HandleFocusLost()
	assert.Equal(t, int64(0), detected.Load())
}

func TestFocusLossLongAfterGestureIsIgnored(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	sched := scheduler.New(clock)
	defer sched.Stop()

	d := New(config.Default().Defense, sched, Deps{}, zerolog.Nop())

	var detected atomic.Int64
	d.OnPopup(func(source string) { detected.Add(1) })
	d.Arm()

	d.RecordGesture()
	clock.Advance(10 * time.Second)
	d.Focus().HandleFocusLost()
	assert.Equal(t, int64(0), detected.Load())
}

func TestPeriodicSweepRunsWhileArmed(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	sched := scheduler.New(clock)
	defer sched.Stop()

	var sweeps atomic.Int64
	cfg := config.Default().Defense
	d := New(cfg, sched, Deps{
		Sweep: func() { sweeps.Add(1) },
	}, zerolog.Nop())

	d.Arm()
	require.Eventually(t, func() bool {
		clock.Advance(cfg.SanitizeInterval)
		return sweeps.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	d.Disarm()
	for i := 0; i < 5; i++ {
		clock.Advance(cfg.SanitizeInterval)
	}
	after := sweeps.Load()
	for i := 0; i < 5; i++ {
		clock.Advance(cfg.SanitizeInterval)
	}
	assert.Equal(t, after, sweeps.Load())
}

func TestUpdatePatternsHotSwap(t *testing.T) {
	sched := scheduler.New(scheduler.NewFakeClock(time.Unix(1700000000, 0)))
	defer sched.Stop()

	cfg := config.Default().Defense
	d := New(cfg, sched, Deps{}, zerolog.Nop())

	cfg.PatternsVersion = 7
	cfg.AllowedDomains = append(cfg.AllowedDomains, "newhost.example")
	d.UpdatePatterns(cfg)

	assert.Equal(t, 7, d.Snapshot().PatternsVersion)
	assert.True(t, d.Patterns().IsAllowedDomain("newhost.example"))
}

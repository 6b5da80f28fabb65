package trustgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinegate/internal/scheduler"
)

func testProfile() Profile {
	return Profile{
		LoadGracePeriod:  3 * time.Second,
		FirstNSuppressed: 3,
		MinClickSpacing:  800 * time.Millisecond,
		ParanoiaWindow:   30 * time.Second,
		TrustFloor:       30,
		TrustCeiling:     85,
		TrustIncrement:   5,
		InitialTrust:     50,
	}
}

func newTestGate(t *testing.T, rand float64) (*Gate, *scheduler.FakeClock) {
	t.Helper()
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	g := New(testProfile(), WithClock(clock), WithRand(func() float64 { return rand }))
	return g, clock
}

func TestGracePeriodBlocksEverything(t *testing.T) {
	g, clock := newTestGate(t, 0.99)

	for i := 0; i < 5; i++ {
		d := g.Decide()
		require.True(t, d.Block)
		assert.Equal(t, RuleGracePeriod, d.Rule)
		g.RecordOutcome(d.Block)
		clock.Advance(500 * time.Millisecond)
	}
}

func TestFirstNSuppressed(t *testing.T) {
	g, clock := newTestGate(t, 0.99)
	clock.Advance(4 * time.Second)

	// The counter starts past the grace decisions above zero only via
	// RecordOutcome, so exactly N more interactions are suppressed.
	for i := 0; i < 3; i++ {
		d := g.Decide()
		require.True(t, d.Block)
		assert.Equal(t, RuleFirstN, d.Rule)
		g.RecordOutcome(d.Block)
	}

	d := g.Decide()
	assert.False(t, d.Block)
	assert.Equal(t, RuleProbabilistic, d.Rule)
}

func TestTrustMonotonicityAndClamp(t *testing.T) {
	g, clock := newTestGate(t, 0.99)
	clock.Advance(4 * time.Second)

	prev := g.Snapshot().TrustScore
	for i := 0; i < 30; i++ {
		g.RecordOutcome(false)
		clock.Advance(time.Second)

		score := g.Snapshot().TrustScore
		require.GreaterOrEqual(t, score, prev)
		require.LessOrEqual(t, score, 100)
		prev = score
	}
	assert.Equal(t, 100, prev)
}

func TestPopupResetsTrustAndEngagesParanoia(t *testing.T) {
	g, clock := newTestGate(t, 0.99)
	clock.Advance(4 * time.Second)

	for i := 0; i < 10; i++ {
		g.RecordOutcome(false)
		clock.Advance(time.Second)
	}
	require.Greater(t, g.Snapshot().TrustScore, 50)

	g.OnPopupDetected()

	snap := g.Snapshot()
	assert.Equal(t, 0, snap.TrustScore)
	assert.True(t, snap.ShieldEngaged)

	d := g.Decide()
	require.True(t, d.Block)
	assert.Equal(t, RuleParanoia, d.Rule)

	// Past the paranoia window the zeroed trust still holds interactions
	// below the floor.
	clock.Advance(31 * time.Second)
	d = g.Decide()
	require.True(t, d.Block)
	assert.Equal(t, RuleLowTrust, d.Rule)
}

func TestRepeatedPopupBurstOnlyExtendsWindow(t *testing.T) {
	g, clock := newTestGate(t, 0.99)
	clock.Advance(4 * time.Second)

	g.OnPopupDetected()
	first := g.Snapshot().ParanoiaUntil

	clock.Advance(2 * time.Second)
	g.OnPopupDetected()
	second := g.Snapshot().ParanoiaUntil

	assert.True(t, second.After(first))
	assert.Equal(t, 0, g.Snapshot().TrustScore)
}

func TestClickSpacing(t *testing.T) {
	g, clock := newTestGate(t, 0.99)
	clock.Advance(4 * time.Second)

	for i := 0; i < 3; i++ {
		g.RecordOutcome(true)
	}

	d := g.Decide()
	require.False(t, d.Block)
	g.RecordOutcome(false)

	clock.Advance(200 * time.Millisecond)
	d = g.Decide()
	require.True(t, d.Block)
	assert.Equal(t, RuleClickSpacing, d.Rule)

	clock.Advance(time.Second)
	d = g.Decide()
	assert.False(t, d.Block)
}

func TestProbabilisticSuppression(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))

	// rng below the block probability at initial trust: always blocked.
	g := New(testProfile(), WithClock(clock), WithRand(func() float64 { return 0.0 }))
	clock.Advance(4 * time.Second)
	for i := 0; i < 3; i++ {
		g.RecordOutcome(true)
	}

	d := g.Decide()
	require.True(t, d.Block)
	assert.Equal(t, RuleProbabilistic, d.Rule)
}

func TestSurfaceReloadResetsSession(t *testing.T) {
	g, clock := newTestGate(t, 0.99)
	clock.Advance(4 * time.Second)

	for i := 0; i < 10; i++ {
		g.RecordOutcome(false)
		clock.Advance(time.Second)
	}
	g.OnPopupDetected()

	g.OnSurfaceLoaded()

	snap := g.Snapshot()
	assert.Equal(t, 50, snap.TrustScore)
	assert.Equal(t, 0, snap.TotalInteractions)
	assert.False(t, snap.ShieldEngaged)

	d := g.Decide()
	require.True(t, d.Block)
	assert.Equal(t, RuleGracePeriod, d.Rule)
}

func TestDeterministicAllowAtCeiling(t *testing.T) {
	g, clock := newTestGate(t, 0.99)
	clock.Advance(4 * time.Second)

	for i := 0; i < 3; i++ {
		g.RecordOutcome(true)
	}

	// Accumulate accepted interactions until trust sits at the ceiling.
	for i := 0; i < 50; i++ {
		clock.Advance(time.Second)
		d := g.Decide()
		require.False(t, d.Block, "interaction %d", i)
		g.RecordOutcome(false)
	}
	require.GreaterOrEqual(t, g.Snapshot().TrustScore, 85)

	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		d := g.Decide()
		require.False(t, d.Block)
		assert.Equal(t, RuleTrusted, d.Rule)
		g.RecordOutcome(false)
	}
}

func TestPopupObserverNotified(t *testing.T) {
	g, _ := newTestGate(t, 0.99)

	fired := 0
	g.OnPopup(func() { fired++ })

	g.OnPopupDetected()
	g.OnPopupDetected()
	assert.Equal(t, 2, fired)
}

func TestSwappableGatePreservesObservers(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	sg := NewSwappable(testProfile(), WithClock(clock))

	fired := 0
	sg.OnPopup(func() { fired++ })

	sg.OnPopupDetected()
	require.Equal(t, 1, fired)

	mobile := testProfile()
	mobile.FirstNSuppressed = 8
	sg.Swap(mobile)

	assert.Equal(t, 50, sg.Snapshot().TrustScore)

	sg.OnPopupDetected()
	assert.Equal(t, 2, fired)
}

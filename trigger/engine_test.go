package trigger

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processAll feeds samples to e in chunks of the given lengths (the last
// chunk length repeats as needed) and returns absolute window-end offsets.
func processAll(e *Engine, samples []int8, chunkLens []int) []int {
	var ends []int
	start := 0
	k := 0
	for start < len(samples) {
		n := chunkLens[min(k, len(chunkLens)-1)]
		k++
		end := min(start+n, len(samples))
		chunk := samples[start:end]
		offsets := make([]int, e.MaxWindows(len(chunk)))
		nfound := e.Process(chunk, offsets)
		for _, o := range offsets[:nfound] {
			ends = append(ends, start+o)
		}
		start = end
	}
	return ends
}

func newTestEngine(t *testing.T, level int8, hyst uint8, width, pos, holdoff int) *Engine {
	t.Helper()
	e, err := NewEngineBackend(DetectBackend())
	require.NoError(t, err)
	e.SetParameters(level, hyst)
	require.NoError(t, e.SetHorizontal(width, pos, holdoff))
	return e
}

func randomStream(seed uint64, n int) []int8 {
	r := rand.New(rand.NewPCG(seed, seed^0x5eed))
	s := make([]int8, n)
	for i := range s {
		s[i] = int8(r.IntN(256) - 128)
	}
	return s
}

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, Unarmed, e.State())
	assert.Equal(t, int8(0), e.Level())
	assert.Equal(t, int8(0), e.ArmLevel())
	assert.Equal(t, MinWindowWidth, e.WindowWidth())
	assert.Equal(t, 0, e.TriggerPosition())
	assert.Equal(t, MinWindowWidth, e.CaptureSamples())
	assert.Equal(t, 0, e.HoldoffSamples())
	assert.Equal(t, DetectBackend(), e.Backend())

	_, err := NewEngineBackend("avx9000")
	assert.Error(t, err)
}

func TestSetParametersCoercion(t *testing.T) {
	var tests = []struct {
		level      int8
		hyst       uint8
		wantLevel  int8
		wantArm    int8
		annotation string
	}{
		{10, 5, 10, 5, "ordinary"},
		{10, 0, 10, 10, "no hysteresis"},
		{-100, 100, -100, math.MinInt8, "arm level clamps at int8 minimum"},
		{math.MinInt8, 5, -123, math.MinInt8, "minimum level raised by hysteresis"},
		{math.MinInt8, 0, math.MinInt8, math.MinInt8, "minimum level, no hysteresis"},
		{math.MaxInt8, 0, math.MaxInt8 - 1, math.MaxInt8 - 1, "maximum level lowered by one"},
		{math.MaxInt8, 7, math.MaxInt8 - 1, math.MaxInt8 - 8, "maximum level with hysteresis"},
		{math.MinInt8, 255, math.MaxInt8 - 1, math.MinInt8, "raised level lands on maximum"},
	}
	for _, test := range tests {
		e := NewEngine()
		e.SetParameters(test.level, test.hyst)
		assert.Equal(t, test.wantLevel, e.Level(), test.annotation)
		assert.Equal(t, test.wantArm, e.ArmLevel(), test.annotation)
		assert.LessOrEqual(t, e.ArmLevel(), e.Level(), test.annotation)
	}
}

// Extreme levels must still produce a trigger that can both arm and fire.
func TestBoundaryLevelsCanFire(t *testing.T) {
	for _, level := range []int8{math.MinInt8, math.MaxInt8} {
		for _, hyst := range []uint8{0, 1, 5, 200} {
			e := newTestEngine(t, level, hyst, 1000, 0, 0)
			stream := make([]int8, 0, 1002)
			stream = append(stream, math.MinInt8, math.MaxInt8)
			for len(stream) < 1001 {
				stream = append(stream, 0)
			}
			ends := processAll(e, stream, []int{len(stream)})
			assert.Equal(t, []int{1001}, ends, "level=%d hysteresis=%d", level, hyst)
		}
	}
}

func TestSetHorizontal(t *testing.T) {
	e := newTestEngine(t, 10, 5, 2000, 500, 0)
	assert.Equal(t, 1500, e.CaptureSamples())
	assert.Equal(t, 500, e.HoldoffSamples())

	// Arm the engine, then make a rejected request: nothing may change.
	offsets := make([]int, 4)
	e.Process([]int8{0}, offsets)
	require.Equal(t, Armed, e.State())
	err := e.SetHorizontal(999, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidHorizontal)
	assert.Equal(t, Armed, e.State())
	assert.Equal(t, 2000, e.WindowWidth())
	assert.Equal(t, 500, e.TriggerPosition())

	assert.NoError(t, e.SetHorizontal(1000, 0, 0))
	assert.Equal(t, Unarmed, e.State())

	// Trigger position clamps silently.
	assert.NoError(t, e.SetHorizontal(1000, 5000, 10))
	assert.Equal(t, 999, e.TriggerPosition())
	assert.Equal(t, 1, e.CaptureSamples())
	assert.Equal(t, 1009, e.HoldoffSamples())
	assert.Equal(t, 10, e.AdditionalHoldoff())

	assert.NoError(t, e.SetHorizontal(1200, -3, -7))
	assert.Equal(t, 0, e.TriggerPosition())
	assert.Equal(t, 0, e.AdditionalHoldoff())
	assert.Equal(t, 0, e.HoldoffSamples())
}

func TestReconfigureAbandonsCapture(t *testing.T) {
	e := newTestEngine(t, 10, 5, 1000, 0, 0)
	offsets := make([]int, 4)
	e.Process([]int8{0, 20, 20}, offsets)
	require.Equal(t, InCapture, e.State())
	e.SetParameters(10, 5)
	assert.Equal(t, Unarmed, e.State())

	e.Process([]int8{0, 20, 20}, offsets)
	require.Equal(t, InCapture, e.State())
	require.NoError(t, e.SetHorizontal(1000, 0, 0))
	assert.Equal(t, Unarmed, e.State())

	// Samples that would have finished the old capture produce nothing.
	stream := make([]int8, 2000)
	for i := range stream {
		stream[i] = 20
	}
	assert.Equal(t, 0, e.Process(stream, offsets))
}

func TestHysteresis(t *testing.T) {
	e := newTestEngine(t, 10, 5, 1000, 0, 0)
	offsets := make([]int, 8)

	// Above level but never armed: no fire.
	high := []int8{20, 30, 11, 6, 100}
	assert.Equal(t, 0, e.Process(high, offsets))
	assert.Equal(t, Unarmed, e.State())

	// Arm at 5, wander between arm and trigger levels, including exactly the level.
	assert.Equal(t, 0, e.Process([]int8{5, 6, 7, 10, 9, 8, 10}, offsets))
	assert.Equal(t, Armed, e.State())

	// A sample at or below the arm level while armed keeps it armed.
	assert.Equal(t, 0, e.Process([]int8{-50, 3}, offsets))
	assert.Equal(t, Armed, e.State())

	assert.Equal(t, 0, e.Process([]int8{11}, offsets))
	assert.Equal(t, InCapture, e.State())
}

func TestFiringNeedsLaterSample(t *testing.T) {
	// With zero hysteresis the arming sample can never also fire.
	e := newTestEngine(t, 0, 0, 1000, 0, 0)
	offsets := make([]int, 4)
	e.Process([]int8{0}, offsets)
	assert.Equal(t, Armed, e.State())
	e.Process([]int8{0, 0, 1}, offsets)
	assert.Equal(t, InCapture, e.State())
}

func TestTimingExactness(t *testing.T) {
	// Window 1000 with the trigger 200 samples in: the window ends 800 samples
	// after the firing sample, and a holdoff of 200 samples follows.
	e := newTestEngine(t, 10, 5, 1000, 200, 0)
	assert.Equal(t, 800, e.CaptureSamples())
	assert.Equal(t, 200, e.HoldoffSamples())

	stream := make([]int8, 1802)
	stream[0] = 0
	for i := 1; i < len(stream); i++ {
		stream[i] = 20
	}
	// These fall inside the holdoff and must be ignored.
	stream[850] = 0
	stream[851] = 20
	// After the holdoff: arm and fire again.
	stream[1001] = 0
	stream[1002] = 20

	ends := processAll(e, stream, []int{len(stream)})
	assert.Equal(t, []int{801, 1802}, ends)
	assert.Equal(t, InHoldoff, e.State())
}

func TestZeroHoldoff(t *testing.T) {
	e := newTestEngine(t, 10, 5, 1000, 0, 0)
	require.Equal(t, 0, e.HoldoffSamples())

	stream := make([]int8, 2002)
	for i := range stream {
		stream[i] = 20
	}
	stream[0] = 0
	stream[1001] = 0 // first sample after the first window re-arms at once

	ends := processAll(e, stream, []int{len(stream)})
	assert.Equal(t, []int{1001, 2002}, ends)
	assert.Equal(t, Unarmed, e.State())
}

func TestManyWindowsInOneChunk(t *testing.T) {
	e := newTestEngine(t, 0, 0, 1000, 0, 0)
	const period = 1001
	const ncycles = 7
	stream := make([]int8, period*ncycles)
	for i := range stream {
		if i%period == 0 {
			stream[i] = -1
		} else {
			stream[i] = 1
		}
	}
	offsets := make([]int, e.MaxWindows(len(stream)))
	require.GreaterOrEqual(t, len(offsets), ncycles)
	n := e.Process(stream, offsets)
	require.Equal(t, ncycles, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, period*(i+1), offsets[i])
	}
}

func TestEndToEndScenario(t *testing.T) {
	e := newTestEngine(t, 10, 5, 2000, 500, 0)
	require.Equal(t, int8(5), e.ArmLevel())
	require.Equal(t, 1500, e.CaptureSamples())
	require.Equal(t, 500, e.HoldoffSamples())

	var cycle []int8
	for range 2000 {
		cycle = append(cycle, 0)
	}
	rampToFire := -1
	for v := 0; v <= 20; v++ {
		if v > 10 && rampToFire < 0 {
			rampToFire = v // ramp samples that precede the firing sample
		}
		cycle = append(cycle, int8(v))
	}
	for range 1500 {
		cycle = append(cycle, 15)
	}
	for range 500 {
		cycle = append(cycle, 0)
	}
	const ncycles = 5
	var stream []int8
	for range ncycles {
		stream = append(stream, cycle...)
	}

	first := 2000 + rampToFire + 1500
	var expect []int
	for k := range ncycles {
		expect = append(expect, first+k*len(cycle))
	}

	ends := processAll(e, stream, []int{len(stream)})
	assert.Equal(t, expect, ends)

	e.SetParameters(10, 5)
	ends = processAll(e, stream, []int{333, 1, 4096, 17})
	assert.Equal(t, expect, ends)
}

func TestChunkingInvariance(t *testing.T) {
	stream := randomStream(7, 400000)
	var configs = []struct {
		level         int8
		hyst          uint8
		width, pos, h int
	}{
		{10, 5, 1000, 200, 0},
		{0, 0, 1000, 0, 0},
		{-20, 40, 1500, 1499, 33},
		{100, 3, 4000, 1000, 250},
	}
	r := rand.New(rand.NewPCG(11, 13))
	for _, c := range configs {
		e := newTestEngine(t, c.level, c.hyst, c.width, c.pos, c.h)
		whole := processAll(e, stream, []int{len(stream)})
		require.NotEmpty(t, whole, "config %+v should trigger on random data", c)

		for trial := range 5 {
			lens := make([]int, 200)
			for i := range lens {
				lens[i] = 1 + r.IntN(5000)
			}
			e2 := newTestEngine(t, c.level, c.hyst, c.width, c.pos, c.h)
			assert.Equal(t, whole, processAll(e2, stream, lens), "config %+v trial %d", c, trial)
		}

		// One sample at a time over a prefix.
		prefix := stream[:50000]
		e3 := newTestEngine(t, c.level, c.hyst, c.width, c.pos, c.h)
		e4 := newTestEngine(t, c.level, c.hyst, c.width, c.pos, c.h)
		assert.Equal(t, processAll(e3, prefix, []int{len(prefix)}), processAll(e4, prefix, []int{1}))
	}
}

func TestOffsetsIncrease(t *testing.T) {
	stream := randomStream(99, 100000)
	e := newTestEngine(t, 0, 0, 1000, 0, 0)
	offsets := make([]int, e.MaxWindows(len(stream)))
	n := e.Process(stream, offsets)
	require.Greater(t, n, 1)
	for i := 1; i < n; i++ {
		assert.Greater(t, offsets[i], offsets[i-1])
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Unarmed", Unarmed.String())
	assert.Equal(t, "Armed", Armed.String())
	assert.Equal(t, "InCapture", InCapture.String())
	assert.Equal(t, "InHoldoff", InHoldoff.String())
	assert.Equal(t, "State(9)", State(9).String())
}

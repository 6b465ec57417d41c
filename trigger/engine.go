// Package trigger implements the rising-edge trigger engine: a resumable state
// machine that classifies a chunked stream of signed 8-bit samples and reports
// where each triggered capture window ends.
//
// An Engine is not safe for concurrent use. One goroutine (the acquisition
// loop) configures it and feeds it chunks.
package trigger

import (
	"errors"
	"fmt"
	"math"
)

// State is the phase of the trigger state machine.
type State int

// Names for the possible values of State
const (
	Unarmed   State = iota // waiting for a sample at or below the arm level
	Armed                  // waiting for a sample above the trigger level
	InCapture              // counting out the post-trigger samples
	InHoldoff              // dead time before re-arming
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "Unarmed"
	case Armed:
		return "Armed"
	case InCapture:
		return "InCapture"
	case InHoldoff:
		return "InHoldoff"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MinWindowWidth is the shortest capture window SetHorizontal accepts.
const MinWindowWidth = 1000

// ErrInvalidHorizontal is returned (wrapped) when horizontal timing is rejected.
var ErrInvalidHorizontal = errors.New("invalid horizontal timing")

// Engine holds the trigger levels, window timing and run-time state.
type Engine struct {
	level    int8 // fire when a sample exceeds this, once armed
	armLevel int8 // arm when a sample is at or below this

	windowWidth     int
	triggerPosition int
	holdoff         int // additional holdoff
	captureSamples  int // samples from the firing sample to the window end
	holdoffSamples  int // quiet samples after each window

	captureRemaining int
	holdoffRemaining int
	state            State

	backend Backend
	scan    scanner
}

// NewEngine returns an Engine using the best scan backend for this host,
// with level 0, no hysteresis and a 1000-sample window triggered at its start.
func NewEngine() *Engine {
	e, err := NewEngineBackend(DetectBackend())
	if err != nil {
		panic(err)
	}
	return e
}

// NewEngineBackend returns an Engine that scans with the named backend.
func NewEngineBackend(b Backend) (*Engine, error) {
	scan, err := newScanner(b)
	if err != nil {
		return nil, err
	}
	e := &Engine{backend: b, scan: scan}
	e.SetParameters(0, 0)
	if err := e.SetHorizontal(MinWindowWidth, 0, 0); err != nil {
		return nil, err
	}
	return e, nil
}

func clampInt8(v int) int8 {
	if v < math.MinInt8 {
		return math.MinInt8
	}
	if v > math.MaxInt8 {
		return math.MaxInt8
	}
	return int8(v)
}

// SetParameters sets the trigger level and the hysteresis below it that a
// sample must reach to arm the trigger. Extreme levels are coerced so that
// both conditions can be satisfied by some sample value: a level at the int8
// minimum is raised by the hysteresis, and a level at the int8 maximum is
// lowered by one (a sample can never exceed it). The engine returns to Unarmed.
func (e *Engine) SetParameters(level int8, hysteresis uint8) {
	lev := int(level)
	if level == math.MinInt8 {
		lev += int(hysteresis)
	}
	if lev >= math.MaxInt8 {
		lev = math.MaxInt8 - 1
	}
	e.level = int8(lev)
	e.armLevel = clampInt8(lev - int(hysteresis))
	e.reset()
}

// SetHorizontal sets the capture window width, the position of the trigger
// within the window and any extra holdoff, all in samples. A width below
// MinWindowWidth is rejected and leaves the engine unchanged. A trigger
// position past the window end is clamped to width-1. Any capture or holdoff
// in progress is abandoned and the engine returns to Unarmed.
func (e *Engine) SetHorizontal(width, triggerPosition, additionalHoldoff int) error {
	if width < MinWindowWidth {
		return fmt.Errorf("%w: window width %d is below the minimum %d",
			ErrInvalidHorizontal, width, MinWindowWidth)
	}
	triggerPosition = max(0, min(triggerPosition, width-1))
	additionalHoldoff = max(0, additionalHoldoff)

	e.windowWidth = width
	e.triggerPosition = triggerPosition
	e.holdoff = additionalHoldoff
	e.captureSamples = width - triggerPosition
	e.holdoffSamples = width - e.captureSamples + additionalHoldoff
	e.reset()
	return nil
}

func (e *Engine) reset() {
	e.state = Unarmed
	e.captureRemaining = 0
	e.holdoffRemaining = 0
}

// Process scans one chunk of samples, continuing from the state left by the
// previous call. For every capture window that completes inside the chunk it
// writes the chunk-relative index one past the window's last sample into
// offsets, in increasing order, and returns how many it wrote.
//
// offsets must have room for MaxWindows(len(samples)) entries; a shorter
// slice is a caller error and may panic.
func (e *Engine) Process(samples []int8, offsets []int) int {
	n := len(samples)
	count := 0
	i := 0
	for i < n {
		switch e.state {
		case Unarmed:
			j := e.scan.indexAtOrBelow(samples[i:], e.armLevel)
			if j < 0 {
				return count
			}
			i += j + 1
			e.state = Armed

		case Armed:
			j := e.scan.indexAbove(samples[i:], e.level)
			if j < 0 {
				return count
			}
			// The firing sample is the first of the post-trigger samples.
			i += j
			e.captureRemaining = e.captureSamples
			e.state = InCapture

		case InCapture:
			use := min(e.captureRemaining, n-i)
			i += use
			e.captureRemaining -= use
			if e.captureRemaining == 0 {
				offsets[count] = i
				count++
				if e.holdoffSamples > 0 {
					e.holdoffRemaining = e.holdoffSamples
					e.state = InHoldoff
				} else {
					e.state = Unarmed
				}
			}

		case InHoldoff:
			use := min(e.holdoffRemaining, n-i)
			i += use
			e.holdoffRemaining -= use
			if e.holdoffRemaining == 0 {
				e.state = Unarmed
			}
		}
	}
	return count
}

// MaxWindows returns how many windows can complete within one chunk of
// chunkLen samples: a size for the offsets argument of Process.
func (e *Engine) MaxWindows(chunkLen int) int {
	return 1 + chunkLen/(e.captureSamples+1)
}

// State returns the current phase of the state machine.
func (e *Engine) State() State {
	return e.state
}

// Level returns the (possibly coerced) trigger level.
func (e *Engine) Level() int8 {
	return e.level
}

// ArmLevel returns the level at or below which the trigger arms.
func (e *Engine) ArmLevel() int8 {
	return e.armLevel
}

// WindowWidth returns the total samples in one capture window.
func (e *Engine) WindowWidth() int {
	return e.windowWidth
}

// TriggerPosition returns the index of the firing sample within a window.
func (e *Engine) TriggerPosition() int {
	return e.triggerPosition
}

// AdditionalHoldoff returns the extra holdoff set by SetHorizontal.
func (e *Engine) AdditionalHoldoff() int {
	return e.holdoff
}

// CaptureSamples returns the samples counted from the firing sample to the window end.
func (e *Engine) CaptureSamples() int {
	return e.captureSamples
}

// HoldoffSamples returns the dead time after each window.
func (e *Engine) HoldoffSamples() int {
	return e.holdoffSamples
}

// Backend returns the name of the scan backend in use.
func (e *Engine) Backend() Backend {
	return e.backend
}

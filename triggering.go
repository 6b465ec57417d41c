package scopetrig

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/acqlab/scopetrig/packets"
	"github.com/acqlab/scopetrig/ringbuffer"
	"github.com/acqlab/scopetrig/trigger"
)

// TriggerMode selects when captures are published.
type TriggerMode string

// Names for the possible values of TriggerMode
const (
	Normal TriggerMode = "normal" // publish only triggered captures
	Auto   TriggerMode = "auto"   // also free-run when no trigger arrives within AutoTimeout
	Single TriggerMode = "single" // publish one triggered capture, then Stop
	Stop   TriggerMode = "stop"   // buffer samples, publish nothing
)

// ParseTriggerMode converts a case-insensitive name to a TriggerMode.
func ParseTriggerMode(s string) (TriggerMode, error) {
	m := TriggerMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case Normal, Auto, Single, Stop:
		return m, nil
	case "":
		return Normal, nil
	}
	return "", fmt.Errorf("trigger mode %q is not one of (normal, auto, single, stop)", s)
}

// TriggerState contains all the state that controls trigger logic
type TriggerState struct {
	Level       int // in raw units, must fit an int8
	Hysteresis  int // in raw units, 0 to 255
	Channel     int // which channel the trigger watches
	Mode        TriggerMode
	AutoTimeout time.Duration // for Auto mode, how long without a trigger before a forced capture
}

// DefaultTriggerState is the trigger configuration a new source starts with.
var DefaultTriggerState = TriggerState{
	Level:       0,
	Hysteresis:  4,
	Channel:     0,
	Mode:        Auto,
	AutoTimeout: 100 * time.Millisecond,
}

// Validate checks ts against a source with nchan channels, normalizing the mode name.
func (ts *TriggerState) Validate(nchan int) error {
	if ts.Level < math.MinInt8 || ts.Level > math.MaxInt8 {
		return fmt.Errorf("trigger level %d outside [%d, %d]", ts.Level, math.MinInt8, math.MaxInt8)
	}
	if ts.Hysteresis < 0 || ts.Hysteresis > math.MaxUint8 {
		return fmt.Errorf("trigger hysteresis %d outside [0, %d]", ts.Hysteresis, math.MaxUint8)
	}
	if ts.Channel < 0 || (nchan > 0 && ts.Channel >= nchan) {
		return fmt.Errorf("trigger channel %d outside [0, %d)", ts.Channel, nchan)
	}
	mode, err := ParseTriggerMode(string(ts.Mode))
	if err != nil {
		return err
	}
	ts.Mode = mode
	if ts.Mode == Auto && ts.AutoTimeout <= 0 {
		return fmt.Errorf("auto trigger mode needs a positive AutoTimeout, have %v", ts.AutoTimeout)
	}
	return nil
}

// HorizontalState holds the capture window timing, all in samples.
type HorizontalState struct {
	Width           int
	TriggerPosition int
	Holdoff         int
}

// DefaultHorizontalState is the window timing a new source starts with.
var DefaultHorizontalState = HorizontalState{Width: 2000, TriggerPosition: 500}

// Validate rejects windows the trigger engine would refuse.
func (hs *HorizontalState) Validate() error {
	if hs.Width < trigger.MinWindowWidth {
		return fmt.Errorf("%w: window width %d is below the minimum %d",
			trigger.ErrInvalidHorizontal, hs.Width, trigger.MinWindowWidth)
	}
	return nil
}

// TriggerPhase estimates where, as a fraction of one sample period before
// samples[triggerIndex], the signal crossed the trigger level. Samples are
// converted to volts (raw*scale + offset) before interpolating linearly
// between the firing sample and its predecessor. The result is 0 when there is
// no predecessor or the interpolation is undefined.
func TriggerPhase(samples []int8, triggerIndex int, level int8, scale, offset float32) float32 {
	if triggerIndex < 1 || triggerIndex >= len(samples) {
		return 0
	}
	vPrev := float32(samples[triggerIndex-1])*scale + offset
	vFire := float32(samples[triggerIndex])*scale + offset
	vLevel := float32(level)*scale + offset
	frac := (vLevel - vPrev) / (vFire - vPrev)
	if f := float64(frac); math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return frac
}

// Waveform is a published capture with everything needed to frame it.
type Waveform struct {
	*ringbuffer.Capture
	RunID          string
	SampleRate     float64
	Scale          []float32 // volts per raw unit, one per channel
	Offset         []float32 // volts at raw 0, one per channel
	TriggerChannel int
	TriggerLevel   int8
}

// Phase returns the trigger phase of a triggered Waveform, or 0 for a forced one.
func (w *Waveform) Phase() float32 {
	if !w.Triggered || w.TriggerChannel >= len(w.Channels) {
		return 0
	}
	return TriggerPhase(w.Channel(w.TriggerChannel), w.TriggerIndex, w.TriggerLevel,
		w.Scale[w.TriggerChannel], w.Offset[w.TriggerChannel])
}

// isClipped says whether any sample sits at either converter rail.
func isClipped(samples []int8) bool {
	for _, s := range samples {
		if s == math.MaxInt8 || s == math.MinInt8 {
			return true
		}
	}
	return false
}

// Frame builds the wire frame for w with the given sequence number and rate.
func (w *Waveform) Frame(seq uint32, waveformsPerSec float64) *packets.Frame {
	fsPerSample := packets.FemtosecondsPerSample(w.SampleRate)
	f := &packets.Frame{
		Header: packets.WaveformHeader{
			Sequence:        seq,
			NumChannels:     uint16(len(w.Channels)),
			FsPerSample:     fsPerSample,
			TriggerDelayFs:  int64(w.TriggerIndex) * int64(fsPerSample),
			WaveformsPerSec: waveformsPerSec,
		},
		Channels: make([]packets.ChannelFrame, len(w.Channels)),
	}
	phase := w.Phase()
	for i, samples := range w.Channels {
		var clip uint8
		if isClipped(samples) {
			clip = 1
		}
		f.Channels[i] = packets.ChannelFrame{
			Header: packets.ChannelHeader{
				Channel:      uint8(i),
				Depth:        uint64(len(samples)),
				Scale:        w.Scale[i],
				Offset:       w.Offset[i],
				TriggerPhase: phase,
				Clipping:     clip,
			},
			Samples: samples,
		}
	}
	return f
}

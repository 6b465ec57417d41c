package scopetrig

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// SimScopeSource is a DataSource that synthesizes periodic waveforms with
// Gaussian noise, paced in real time.
type SimScopeSource struct {
	shape     string
	frequency float64 // Hz
	amplitude float64 // raw units
	pedestal  float64 // raw units
	noise     distuv.Normal
	nextIndex int64 // absolute index of the next sample to generate
	AnySource
}

// SimScopeSourceConfig holds the arguments needed to call SimScopeSource.Configure by RPC.
type SimScopeSourceConfig struct {
	Nchan      int
	SampleRate float64
	ChunkSize  int     // samples per channel per block
	Shape      string  // "square" or "sine"
	Frequency  float64 // Hz
	Amplitude  float64 // raw units, peak
	Pedestal   float64 // raw units
	Noise      float64 // raw units, standard deviation
	Scale      float32 // volts per raw unit
	Offset     float32 // volts at raw 0
}

// NewSimScopeSource creates a new SimScopeSource.
func NewSimScopeSource() *SimScopeSource {
	ss := new(SimScopeSource)
	ss.name = "SimScope"
	return ss
}

// Configure sets up the internal buffers with given size, speed, and waveform.
func (ss *SimScopeSource) Configure(config *SimScopeSourceConfig) error {
	if ss.GetState() != Inactive {
		return fmt.Errorf("cannot configure a SimScopeSource if it's already running")
	}
	if config.Nchan < 1 {
		return fmt.Errorf("SimScopeSourceConfig.Nchan = %d < 1", config.Nchan)
	}
	if config.Nchan > math.MaxUint8+1 {
		return fmt.Errorf("SimScopeSourceConfig.Nchan = %d > %d", config.Nchan, math.MaxUint8+1)
	}
	if config.SampleRate <= 0 {
		return fmt.Errorf("SimScopeSourceConfig.SampleRate = %f <= 0", config.SampleRate)
	}
	if config.ChunkSize < 1 {
		return fmt.Errorf("SimScopeSourceConfig.ChunkSize = %d < 1", config.ChunkSize)
	}
	if config.Frequency < 0 || config.Frequency > config.SampleRate/2 {
		return fmt.Errorf("SimScopeSourceConfig.Frequency = %f outside [0, SampleRate/2]", config.Frequency)
	}
	if config.Noise < 0 {
		return fmt.Errorf("SimScopeSourceConfig.Noise = %f < 0", config.Noise)
	}
	shape := strings.ToLower(config.Shape)
	switch shape {
	case "":
		shape = "square"
	case "square", "sine":
	default:
		return fmt.Errorf("SimScopeSourceConfig.Shape = %q, want square or sine", config.Shape)
	}

	ss.nchan = config.Nchan
	ss.sampleRate = config.SampleRate
	ss.chunkSize = config.ChunkSize
	ss.shape = shape
	ss.frequency = config.Frequency
	ss.amplitude = config.Amplitude
	ss.pedestal = config.Pedestal
	ss.noise = distuv.Normal{Mu: 0, Sigma: config.Noise}
	ss.scale = make([]float32, ss.nchan)
	ss.offset = make([]float32, ss.nchan)
	for i := range ss.scale {
		ss.scale[i] = config.Scale
		ss.offset[i] = config.Offset
		if config.Scale == 0 {
			ss.scale[i] = 1.0 / 128.0
		}
	}
	return nil
}

// Sample determines key data facts by sampling some initial data.
// It's a no-op for simulated (software) sources
func (ss *SimScopeSource) Sample() error {
	if ss.nchan < 1 {
		return fmt.Errorf("SimScopeSource has not been configured")
	}
	return nil
}

// clampRaw rounds v to the nearest representable raw sample.
func clampRaw(v float64) int8 {
	v = math.Round(v)
	if v < math.MinInt8 {
		return math.MinInt8
	}
	if v > math.MaxInt8 {
		return math.MaxInt8
	}
	return int8(v)
}

// generate synthesizes the next block. Channel c lags channel 0 by c/8 cycle.
func (ss *SimScopeSource) generate() *dataBlock {
	block := &dataBlock{chunks: make([][]int8, ss.nchan)}
	for c := range block.chunks {
		chunk := make([]int8, ss.chunkSize)
		lag := float64(c) / 8
		for i := range chunk {
			t := float64(ss.nextIndex+int64(i)) / ss.sampleRate
			cycle := t*ss.frequency - lag
			var v float64
			switch ss.shape {
			case "sine":
				v = math.Sin(2 * math.Pi * cycle)
			default:
				if cycle-math.Floor(cycle) < 0.5 {
					v = 1
				} else {
					v = -1
				}
			}
			v = ss.pedestal + ss.amplitude*v
			if ss.noise.Sigma > 0 {
				v += ss.noise.Rand()
			}
			chunk[i] = clampRaw(v)
		}
		block.chunks[c] = chunk
	}
	ss.nextIndex += int64(ss.chunkSize)
	return block
}

// StartRun begins the data supply.
func (ss *SimScopeSource) StartRun() error {
	ss.nextIndex = 0
	timeperbuf := time.Duration(float64(time.Second) * float64(ss.chunkSize) / ss.sampleRate)
	timeperbuf = max(timeperbuf, time.Microsecond)
	go func() {
		defer close(ss.nextBlock)
		ticker := time.NewTicker(timeperbuf)
		defer ticker.Stop()
		for {
			select {
			case <-ss.abortSelf:
				return
			case <-ticker.C:
				ss.lastread = time.Now()
				block := ss.generate()
				select {
				case <-ss.abortSelf:
					return
				case ss.nextBlock <- block:
				}
			}
		}
	}()
	return nil
}

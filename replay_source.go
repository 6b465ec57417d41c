package scopetrig

import (
	"fmt"
	"os"
	"time"

	"github.com/sbinet/npyio"
)

// ReplaySource is a DataSource that plays back recorded int8 .npy files, one
// file per channel, looping forever at the configured sample rate.
type ReplaySource struct {
	paths    []string
	data     [][]int8
	position int // next sample to play from data
	AnySource
}

// ReplaySourceConfig holds the arguments needed to call ReplaySource.Configure by RPC.
type ReplaySourceConfig struct {
	Paths      []string // one .npy file per channel
	SampleRate float64
	ChunkSize  int
	Scale      float32
	Offset     float32
}

// NewReplaySource creates a new ReplaySource.
func NewReplaySource() *ReplaySource {
	rs := new(ReplaySource)
	rs.name = "Replay"
	return rs
}

// Configure records the files and playback parameters. The files are read by Sample.
func (rs *ReplaySource) Configure(config *ReplaySourceConfig) error {
	if rs.GetState() != Inactive {
		return fmt.Errorf("cannot configure a ReplaySource if it's already running")
	}
	if len(config.Paths) < 1 {
		return fmt.Errorf("ReplaySourceConfig.Paths is empty")
	}
	if config.SampleRate <= 0 {
		return fmt.Errorf("ReplaySourceConfig.SampleRate = %f <= 0", config.SampleRate)
	}
	if config.ChunkSize < 1 {
		return fmt.Errorf("ReplaySourceConfig.ChunkSize = %d < 1", config.ChunkSize)
	}
	rs.paths = append([]string{}, config.Paths...)
	rs.nchan = len(rs.paths)
	rs.sampleRate = config.SampleRate
	rs.chunkSize = config.ChunkSize
	rs.scale = make([]float32, rs.nchan)
	rs.offset = make([]float32, rs.nchan)
	for i := range rs.scale {
		rs.scale[i] = config.Scale
		rs.offset[i] = config.Offset
		if config.Scale == 0 {
			rs.scale[i] = 1.0 / 128.0
		}
	}
	rs.data = nil
	return nil
}

// readNpyInt8 reads a whole .npy file of int8 values, flattened.
func readNpyInt8(path string) ([]int8, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var data []int8
	if err := npyio.Read(f, &data); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Sample reads every file. Channels are truncated to the shortest file.
func (rs *ReplaySource) Sample() error {
	if len(rs.paths) < 1 {
		return fmt.Errorf("ReplaySource has not been configured")
	}
	data := make([][]int8, len(rs.paths))
	shortest := -1
	for i, path := range rs.paths {
		d, err := readNpyInt8(path)
		if err != nil {
			return err
		}
		if len(d) == 0 {
			return fmt.Errorf("replay file %s holds no samples", path)
		}
		data[i] = d
		if shortest < 0 || len(d) < shortest {
			shortest = len(d)
		}
	}
	for i := range data {
		data[i] = data[i][:shortest]
	}
	rs.data = data
	rs.position = 0
	return nil
}

// nextChunks copies the next ChunkSize samples of every channel, wrapping at the end of the files.
func (rs *ReplaySource) nextChunks() *dataBlock {
	block := &dataBlock{chunks: make([][]int8, rs.nchan)}
	length := len(rs.data[0])
	for c := range block.chunks {
		chunk := make([]int8, rs.chunkSize)
		pos := rs.position
		for filled := 0; filled < len(chunk); {
			n := copy(chunk[filled:], rs.data[c][pos:])
			filled += n
			pos = (pos + n) % length
		}
		block.chunks[c] = chunk
	}
	rs.position = (rs.position + rs.chunkSize) % length
	return block
}

// StartRun begins the data supply.
func (rs *ReplaySource) StartRun() error {
	timeperbuf := time.Duration(float64(time.Second) * float64(rs.chunkSize) / rs.sampleRate)
	timeperbuf = max(timeperbuf, time.Microsecond)
	go func() {
		defer close(rs.nextBlock)
		ticker := time.NewTicker(timeperbuf)
		defer ticker.Stop()
		for {
			select {
			case <-rs.abortSelf:
				return
			case <-ticker.C:
				rs.lastread = time.Now()
				block := rs.nextChunks()
				select {
				case <-rs.abortSelf:
					return
				case rs.nextBlock <- block:
				}
			}
		}
	}()
	return nil
}

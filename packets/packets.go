// Package packets frames finished captures for the waveform stream.
//
// A frame is one WaveformHeader followed, for each channel, by a ChannelHeader
// and Depth raw signed 8-bit samples. All fields are packed with no padding and
// use the host's native byte order, so writer and reader must share it.
package packets

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/acqlab/scopetrig/getbytes"
)

// Sizes of the packed headers, in bytes.
const (
	WaveformHeaderSize = 4 + 2 + 8 + 8 + 8
	ChannelHeaderSize  = 1 + 8 + 4 + 4 + 4 + 1
)

// WaveformHeader starts every frame.
type WaveformHeader struct {
	Sequence        uint32
	NumChannels     uint16
	FsPerSample     uint64 // femtoseconds per sample
	TriggerDelayFs  int64  // trigger delay in femtoseconds
	WaveformsPerSec float64
}

// ChannelHeader precedes each channel's samples.
type ChannelHeader struct {
	Channel      uint8
	Depth        uint64 // number of samples that follow
	Scale        float32
	Offset       float32
	TriggerPhase float32
	Clipping     uint8 // nonzero if any sample sits at the converter's rails
}

// FemtosecondsPerSample converts a sample rate in Hz to the sample period in fs.
func FemtosecondsPerSample(rateHz float64) uint64 {
	if rateHz <= 0 {
		return 0
	}
	return uint64(1e15 / rateHz)
}

var order = binary.NativeEndian

// AppendBinary appends the packed header to b.
func (h *WaveformHeader) AppendBinary(b []byte) ([]byte, error) {
	b = order.AppendUint32(b, h.Sequence)
	b = order.AppendUint16(b, h.NumChannels)
	b = order.AppendUint64(b, h.FsPerSample)
	b = order.AppendUint64(b, uint64(h.TriggerDelayFs))
	b = order.AppendUint64(b, math.Float64bits(h.WaveformsPerSec))
	return b, nil
}

// AppendBinary appends the packed header to b.
func (h *ChannelHeader) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, h.Channel)
	b = order.AppendUint64(b, h.Depth)
	b = order.AppendUint32(b, math.Float32bits(h.Scale))
	b = order.AppendUint32(b, math.Float32bits(h.Offset))
	b = order.AppendUint32(b, math.Float32bits(h.TriggerPhase))
	b = append(b, h.Clipping)
	return b, nil
}

func (h *WaveformHeader) String() string {
	return fmt.Sprintf("Waveform #%d: %d chan, %d fs/sample, delay %d fs, %.2f wfm/s",
		h.Sequence, h.NumChannels, h.FsPerSample, h.TriggerDelayFs, h.WaveformsPerSec)
}

func (h *ChannelHeader) String() string {
	return fmt.Sprintf("chan %d: %d samples, scale %g offset %g, trigphase %g, clipping %d",
		h.Channel, h.Depth, h.Scale, h.Offset, h.TriggerPhase, h.Clipping)
}

// ReadWaveformHeader reads a packed WaveformHeader from r.
func ReadWaveformHeader(r io.Reader) (*WaveformHeader, error) {
	var buf [WaveformHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	h := new(WaveformHeader)
	h.Sequence = order.Uint32(buf[0:])
	h.NumChannels = order.Uint16(buf[4:])
	h.FsPerSample = order.Uint64(buf[6:])
	h.TriggerDelayFs = int64(order.Uint64(buf[14:]))
	h.WaveformsPerSec = math.Float64frombits(order.Uint64(buf[22:]))
	return h, nil
}

// ReadChannelHeader reads a packed ChannelHeader from r.
func ReadChannelHeader(r io.Reader) (*ChannelHeader, error) {
	var buf [ChannelHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	h := new(ChannelHeader)
	h.Channel = buf[0]
	h.Depth = order.Uint64(buf[1:])
	h.Scale = math.Float32frombits(order.Uint32(buf[9:]))
	h.Offset = math.Float32frombits(order.Uint32(buf[13:]))
	h.TriggerPhase = math.Float32frombits(order.Uint32(buf[17:]))
	h.Clipping = buf[21]
	return h, nil
}

// ChannelFrame is one channel's header and samples.
type ChannelFrame struct {
	Header  ChannelHeader
	Samples []int8
}

// Frame is a complete framed capture.
type Frame struct {
	Header   WaveformHeader
	Channels []ChannelFrame
}

// Size returns the number of bytes WriteFrame will produce.
func (f *Frame) Size() int {
	n := WaveformHeaderSize
	for _, c := range f.Channels {
		n += ChannelHeaderSize + len(c.Samples)
	}
	return n
}

// Bytes returns the frame as one contiguous byte slice.
func (f *Frame) Bytes() []byte {
	b := make([]byte, 0, f.Size())
	b, _ = f.Header.AppendBinary(b)
	for i := range f.Channels {
		b, _ = f.Channels[i].Header.AppendBinary(b)
		b = append(b, getbytes.FromSliceInt8(f.Channels[i].Samples)...)
	}
	return b
}

// WriteFrame writes f to w. Header NumChannels and each channel's Depth must
// agree with the Channels and Samples present.
func WriteFrame(w io.Writer, f *Frame) error {
	if int(f.Header.NumChannels) != len(f.Channels) {
		return fmt.Errorf("frame header has %d channels, frame has %d", f.Header.NumChannels, len(f.Channels))
	}
	for i, c := range f.Channels {
		if c.Header.Depth != uint64(len(c.Samples)) {
			return fmt.Errorf("channel %d header depth %d, has %d samples", i, c.Header.Depth, len(c.Samples))
		}
	}
	_, err := w.Write(f.Bytes())
	return err
}

// MaxDepth bounds the per-channel depth ReadFrame will allocate for.
const MaxDepth = 1 << 30

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	h, err := ReadWaveformHeader(r)
	if err != nil {
		return nil, err
	}
	f := &Frame{Header: *h, Channels: make([]ChannelFrame, h.NumChannels)}
	for i := range f.Channels {
		ch, err := ReadChannelHeader(r)
		if err != nil {
			return nil, err
		}
		if ch.Depth > MaxDepth {
			return nil, fmt.Errorf("channel %d depth %d exceeds maximum %d", i, ch.Depth, MaxDepth)
		}
		raw := make([]byte, ch.Depth)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		f.Channels[i] = ChannelFrame{Header: *ch, Samples: getbytes.ToSliceInt8(raw)}
	}
	return f, nil
}

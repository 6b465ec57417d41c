package scopetrig

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/acqlab/scopetrig/ringbuffer"
	"github.com/acqlab/scopetrig/trigger"
)

// SourceState is used to indicate the active/inactive/transition state of data sources
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Source is not active
	Starting                    // Source is in transition to Active state
	Active                      // Source is actively acquiring data
	Stopping                    // Source is in transition to Inactive state
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// DataSource is the interface for hardware or simulated data sources that
// produce data.
type DataSource interface {
	Sample() error
	PrepareRun() error
	StartRun() error
	Stop() error
	Running() bool
	GetState() SourceState
	SetStateStarting() error
	SetStateInactive() error
	getNextBlock() chan *dataBlock
	Name() string
	Nchan() int
	SampleRate() float64
	SetBroker(*CaptureBroker)
	SetRunID(string)
	ChangeTriggerState(*TriggerState) error
	ComputeTriggerState() TriggerState
	ChangeHorizontal(*HorizontalState) error
	ComputeHorizontal() HorizontalState
	ForceTrigger() error
	ProcessChunk(*dataBlock) error
	Stats() AcquisitionStats
	RunDoneActivate()
	RunDoneDeactivate()
}

// dataBlock contains one chunk of samples per channel, all of equal length.
type dataBlock struct {
	chunks [][]int8
	err    error
}

// AcquisitionStats counts what the acquisition loop has done in the current run.
type AcquisitionStats struct {
	Chunks          int64
	Samples         int64 // per channel
	Triggers        int64 // windows completed by the trigger engine
	Captures        int64 // triggered captures published
	ForcedCaptures  int64 // forced or auto captures published
	DroppedCaptures int64 // windows that lacked enough buffered history
}

// AnySource implements features common to any object that implements
// DataSource, including the trigger engine, the capture buffer and the abort channel.
type AnySource struct {
	nchan        int           // how many channels to provide
	name         string        // what kind of source is this?
	sampleRate   float64       // samples per second
	samplePeriod time.Duration // time per sample
	chunkSize    int           // samples per channel in a typical block
	scale        []float32     // volts per raw unit, one per channel
	offset       []float32     // volts at raw 0, one per channel
	lastread     time.Time
	abortSelf    chan struct{}   // Signal to the core loop of active sources to stop
	nextBlock    chan *dataBlock // Signal from the core loop that a block is ready to process
	broker       *CaptureBroker
	runID        string

	engine       *trigger.Engine
	buffer       *ringbuffer.CaptureBuffer
	offsets      []int // scratch space for trigger.Engine.Process
	trigState    TriggerState
	horizState   HorizontalState
	forcePending bool
	sinceCapture int64 // samples since the last published capture ended
	stats        AcquisitionStats
	configLock   sync.Mutex // guards trigState, horizState and stats

	sourceState     SourceState
	sourceStateLock sync.Mutex // guards sourceState
	runDone         sync.WaitGroup
}

// RunDoneActivate adds one to ds.runDone, this should only be called in Start
func (ds *AnySource) RunDoneActivate() {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	ds.sourceState = Active
	ds.runDone.Add(1)
}

// RunDoneDeactivate calls Done on ds.runDone, this should only be called in Start
func (ds *AnySource) RunDoneDeactivate() {
	ds.sourceStateLock.Lock()
	ds.sourceState = Inactive
	ds.runDone.Done()
	ds.sourceStateLock.Unlock()
}

// RunDoneWait returns when the source run is done, i.e., the source is stopped
func (ds *AnySource) RunDoneWait() {
	ds.runDone.Wait()
}

// getNextBlock returns the channel on which data sources send data and any errors.
// More importantly, wait on this channel to wait on the source to have a data block.
func (ds *AnySource) getNextBlock() chan *dataBlock {
	return ds.nextBlock
}

// Start will start the given DataSource. Steps are: 1) Sample: a per-source
// method that determines the # of channels and other internal facts that we
// need to know. 2) PrepareRun: an AnySource method to build the trigger engine
// and capture buffer. 3) StartRun: a per-source method to begin producing
// blocks. 4) CoreLoop, in its own goroutine, until the source stops.
func Start(ds DataSource, queuedRequests chan func()) error {
	if err := ds.SetStateStarting(); err != nil {
		return err
	}

	if err := ds.Sample(); err != nil {
		ds.SetStateInactive()
		return err
	}

	if err := ds.PrepareRun(); err != nil {
		ds.SetStateInactive()
		return err
	}

	ds.RunDoneActivate() // We'll call RunDoneDeactivate when CoreLoop returns.
	if err := ds.StartRun(); err != nil {
		ds.RunDoneDeactivate()
		return err
	}

	go CoreLoop(ds, queuedRequests)
	return nil
}

// CoreLoop has the DataSource produce data until graceful stop.
// This will be a long-running goroutine, as long as a source is active.
func CoreLoop(ds DataSource, queuedRequests chan func()) {
	defer ds.RunDoneDeactivate()
	nextBlock := ds.getNextBlock()

	for {
		// Use select to interleave 2 activities that should NOT be done concurrently:
		// 1. Handle RPC requests to change trigger or horizontal settings
		// 2. Handle new data and process it
		select {

		case request := <-queuedRequests:
			request()

		case block, ok := <-nextBlock:
			if !ok {
				// nextBlock was closed in the data production loop when abortSelf was closed
				log.Println("nextBlock channel was closed; stopping the source normally")
				return

			} else if block.err != nil {
				// errors in block indicate a problem with source: need to close down
				ProblemLogger.Printf("nextBlock receives Error; stopping source: %s\n", block.err.Error())
				ds.Stop()
				return
			}
			if err := ds.ProcessChunk(block); err != nil {
				ProblemLogger.Printf("AnySource.ProcessChunk returns Error; stopping source: %s\n", err.Error())
				ds.Stop()
				return
			}
		}
	}
}

// Stop tells the data supply to deactivate.
func (ds *AnySource) Stop() error {
	ds.sourceStateLock.Lock()
	switch ds.sourceState {
	case Inactive:
		ds.sourceStateLock.Unlock()
		return fmt.Errorf("AnySource not active, cannot stop")

	case Starting:
		ds.sourceStateLock.Unlock()
		return fmt.Errorf("AnySource is starting, cannot stop yet")

	case Active:
		// This is the normal case: Stop on an Active source

	case Stopping:
		// Ignore Stop if source is already Stopping.
		ds.sourceStateLock.Unlock()
		return nil
	}
	ds.sourceState = Stopping
	closeIfOpen(ds.abortSelf)
	ds.sourceStateLock.Unlock()
	return nil
}

// StopAndWait stops the source and returns once its CoreLoop has exited.
func StopAndWait(ds DataSource) error {
	if err := ds.Stop(); err != nil {
		return err
	}
	if as, ok := ds.(interface{ RunDoneWait() }); ok {
		as.RunDoneWait()
	}
	return nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

// Name returns the kind of source.
func (ds *AnySource) Name() string {
	return ds.name
}

// Nchan returns the current number of valid channels in the data source.
func (ds *AnySource) Nchan() int {
	return ds.nchan
}

// SampleRate returns the per-channel sample rate in Hz.
func (ds *AnySource) SampleRate() float64 {
	return ds.sampleRate
}

// SetBroker sets where finished captures are published.
func (ds *AnySource) SetBroker(b *CaptureBroker) {
	ds.broker = b
}

// SetRunID labels the captures of the next run.
func (ds *AnySource) SetRunID(id string) {
	ds.runID = id
}

// Running tells whether the source is actively running.
func (ds *AnySource) Running() bool {
	return ds.GetState() == Active
}

// GetState returns the sourceState value in a race-free fashion
func (ds *AnySource) GetState() SourceState {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	return ds.sourceState
}

// SetStateStarting sets the sourceState value to Starting in a race-free fashion
func (ds *AnySource) SetStateStarting() error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.sourceState == Inactive {
		ds.sourceState = Starting
		return nil
	}
	return fmt.Errorf("cannot Start() a source that's %v, not Inactive", ds.sourceState)
}

// SetStateInactive sets the sourceState value to Inactive in a race-free fashion
func (ds *AnySource) SetStateInactive() error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	ds.sourceState = Inactive
	return nil
}

// setDefaultScales makes sure there is one scale and offset per channel.
func (ds *AnySource) setDefaultScales() {
	if len(ds.scale) != ds.nchan {
		ds.scale = make([]float32, ds.nchan)
		for i := range ds.scale {
			ds.scale[i] = 1.0 / 128.0
		}
	}
	if len(ds.offset) != ds.nchan {
		ds.offset = make([]float32, ds.nchan)
	}
}

// PrepareRun configures an AnySource by initializing all data structures that
// cannot be prepared until we know the number of channels. It's an error for
// ds.nchan to be less than 1.
func (ds *AnySource) PrepareRun() error {
	if ds.nchan <= 0 {
		return fmt.Errorf("PrepareRun could not run with %d channels (expect > 0)", ds.nchan)
	}
	if ds.sampleRate <= 0 {
		return fmt.Errorf("PrepareRun could not run with sample rate %f (expect > 0)", ds.sampleRate)
	}
	ds.samplePeriod = time.Duration(float64(time.Second) / ds.sampleRate)
	ds.setDefaultScales()
	ds.abortSelf = make(chan struct{})
	ds.nextBlock = make(chan *dataBlock)
	if ds.broker == nil {
		ds.broker = NewCaptureBroker()
	}

	ds.configLock.Lock()
	defer ds.configLock.Unlock()
	if ds.trigState.Mode == "" {
		ds.trigState = DefaultTriggerState
	}
	if ds.horizState.Width == 0 {
		ds.horizState = DefaultHorizontalState
	}
	if err := ds.trigState.Validate(ds.nchan); err != nil {
		return err
	}
	if err := ds.horizState.Validate(); err != nil {
		return err
	}
	if ds.engine == nil {
		ds.engine = trigger.NewEngine()
	}
	ds.engine.SetParameters(int8(ds.trigState.Level), uint8(ds.trigState.Hysteresis))
	if err := ds.engine.SetHorizontal(ds.horizState.Width, ds.horizState.TriggerPosition, ds.horizState.Holdoff); err != nil {
		return err
	}
	ds.buffer = nil
	if err := ds.ensureCapacity(ds.chunkSize); err != nil {
		return err
	}
	ds.forcePending = false
	ds.sinceCapture = 0
	ds.stats = AcquisitionStats{}
	ds.lastread = time.Now()
	return nil
}

// ensureCapacity (re)creates the capture buffer when it cannot hold one window
// plus a chunk of n samples. A new buffer starts with no history.
func (ds *AnySource) ensureCapacity(n int) error {
	need := ds.engine.WindowWidth() + max(n, 1)
	if ds.buffer != nil && ds.buffer.Capacity() >= need {
		return nil
	}
	buffer, err := ringbuffer.NewCaptureBuffer(ds.nchan, 2*need)
	if err != nil {
		return err
	}
	ds.buffer = buffer
	// The new buffer has no history, so any capture in progress is abandoned.
	if err := ds.engine.SetHorizontal(ds.engine.WindowWidth(), ds.engine.TriggerPosition(),
		ds.engine.AdditionalHoldoff()); err != nil {
		return err
	}
	ds.sinceCapture = 0
	return nil
}

// ChangeTriggerState validates and applies a new trigger configuration. Any
// capture in progress is abandoned.
func (ds *AnySource) ChangeTriggerState(state *TriggerState) error {
	ts := *state
	if err := ts.Validate(ds.nchan); err != nil {
		return err
	}
	ds.configLock.Lock()
	defer ds.configLock.Unlock()
	ds.trigState = ts
	if ds.engine != nil {
		ds.engine.SetParameters(int8(ts.Level), uint8(ts.Hysteresis))
	}
	ds.sinceCapture = 0
	return nil
}

// ComputeTriggerState returns a copy of the trigger configuration.
func (ds *AnySource) ComputeTriggerState() TriggerState {
	ds.configLock.Lock()
	defer ds.configLock.Unlock()
	if ds.trigState.Mode == "" {
		return DefaultTriggerState
	}
	return ds.trigState
}

// ChangeHorizontal validates and applies new window timing. Any capture in
// progress is abandoned, and the capture buffer grows if it must.
func (ds *AnySource) ChangeHorizontal(state *HorizontalState) error {
	hs := *state
	if err := hs.Validate(); err != nil {
		return err
	}
	hs.TriggerPosition = max(0, min(hs.TriggerPosition, hs.Width-1))
	hs.Holdoff = max(0, hs.Holdoff)
	ds.configLock.Lock()
	defer ds.configLock.Unlock()
	ds.horizState = hs
	if ds.engine != nil {
		if err := ds.engine.SetHorizontal(hs.Width, hs.TriggerPosition, hs.Holdoff); err != nil {
			return err
		}
		if ds.buffer != nil {
			if err := ds.ensureCapacity(ds.chunkSize); err != nil {
				return err
			}
		}
	}
	ds.sinceCapture = 0
	return nil
}

// ComputeHorizontal returns a copy of the window timing.
func (ds *AnySource) ComputeHorizontal() HorizontalState {
	ds.configLock.Lock()
	defer ds.configLock.Unlock()
	if ds.horizState.Width == 0 {
		return DefaultHorizontalState
	}
	return ds.horizState
}

// ForceTrigger requests one forced capture ending with the next chunk processed.
func (ds *AnySource) ForceTrigger() error {
	if ds.engine == nil {
		return fmt.Errorf("source %q has not been started", ds.name)
	}
	ds.forcePending = true
	return nil
}

// Stats returns a copy of the run's counters.
func (ds *AnySource) Stats() AcquisitionStats {
	ds.configLock.Lock()
	defer ds.configLock.Unlock()
	return ds.stats
}

// autoTimeoutSamples converts the Auto-mode timeout to samples.
func (ds *AnySource) autoTimeoutSamples() int64 {
	n := int64(math.Ceil(ds.trigState.AutoTimeout.Seconds() * ds.sampleRate))
	return max(n, 1)
}

// ProcessChunk buffers one block, runs the trigger engine over the trigger
// channel and publishes the resulting captures according to the trigger mode.
func (ds *AnySource) ProcessChunk(block *dataBlock) error {
	if len(block.chunks) != ds.nchan {
		return fmt.Errorf("block has %d chunks but source has %d channels", len(block.chunks), ds.nchan)
	}
	n := len(block.chunks[0])
	if n == 0 {
		return nil
	}

	ds.configLock.Lock()
	defer ds.configLock.Unlock()
	if err := ds.ensureCapacity(n); err != nil {
		return err
	}
	start := ds.buffer.Written()
	if err := ds.buffer.Write(block.chunks); err != nil {
		return err
	}
	ds.stats.Chunks++
	ds.stats.Samples += int64(n)
	written := start + int64(n)

	mode := ds.trigState.Mode
	if mode == Stop {
		ds.forcePending = false
		ds.sinceCapture = 0
		return nil
	}

	if need := ds.engine.MaxWindows(n); len(ds.offsets) < need {
		ds.offsets = make([]int, need)
	}
	nwin := ds.engine.Process(block.chunks[ds.trigState.Channel], ds.offsets)
	ds.stats.Triggers += int64(nwin)
	lastEnd := int64(-1)
	for _, off := range ds.offsets[:nwin] {
		end := start + int64(off)
		if !ds.publish(end, true) {
			continue
		}
		lastEnd = end
		if mode == Single {
			ds.trigState.Mode = Stop
			sendClientUpdate("TRIGGER", ds.trigState)
			break
		}
	}

	if ds.forcePending {
		ds.forcePending = false
		if ds.publish(written, false) {
			lastEnd = written
		}
	}

	if lastEnd >= 0 {
		ds.sinceCapture = written - lastEnd
	} else {
		ds.sinceCapture += int64(n)
	}
	if mode == Auto && ds.sinceCapture >= ds.autoTimeoutSamples() {
		if ds.publish(written, false) {
			ds.sinceCapture = 0
		}
	}
	return nil
}

// publish extracts the window ending at end and hands it to the broker. It
// returns false, counting a dropped capture, when the history is not available.
func (ds *AnySource) publish(end int64, triggered bool) bool {
	c, err := ds.buffer.Extract(end, ds.engine.WindowWidth(), ds.engine.TriggerPosition(), triggered)
	if err != nil {
		ds.stats.DroppedCaptures++
		return false
	}
	if triggered {
		ds.stats.Captures++
	} else {
		ds.stats.ForcedCaptures++
	}
	ds.broker.Publish(&Waveform{
		Capture:        c,
		RunID:          ds.runID,
		SampleRate:     ds.sampleRate,
		Scale:          ds.scale,
		Offset:         ds.offset,
		TriggerChannel: ds.trigState.Channel,
		TriggerLevel:   ds.engine.Level(),
	})
	return true
}

package scopetrig

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/acqlab/scopetrig/internal/scopedb"
	"github.com/acqlab/scopetrig/trigger"
	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
)

// SourceControl is the sub-server that handles configuration and operation of
// the data sources.
type SourceControl struct {
	simScope     *SimScopeSource
	replay       *ReplaySource
	ActiveSource DataSource

	status         ServerStatus
	trigState      TriggerState
	horizState     HorizontalState
	broker         *CaptureBroker
	queuedRequests chan func()
	writingState   WritingState
	db             *scopedb.DBConnection
	runMessage     *scopedb.RunMessage
	verbose        bool
}

// ServerStatus the status that SourceControl reports to clients.
type ServerStatus struct {
	Running    bool
	SourceName string
	Nchannels  int
	SampleRate float64
	RunID      string
	Backend    string
	Stats      AcquisitionStats
}

// NewSourceControl creates a new SourceControl object with correctly initialized
// contents.
func NewSourceControl(broker *CaptureBroker, db *scopedb.DBConnection) *SourceControl {
	sc := new(SourceControl)
	sc.simScope = NewSimScopeSource()
	sc.replay = NewReplaySource()
	sc.trigState = DefaultTriggerState
	sc.horizState = DefaultHorizontalState
	sc.broker = broker
	sc.db = db
	sc.queuedRequests = make(chan func())
	sc.status.Backend = string(trigger.DetectBackend())
	return sc
}

// isActive says whether a source is running its CoreLoop.
func (s *SourceControl) isActive() bool {
	return s.ActiveSource != nil && s.ActiveSource.Running()
}

// runLaterIfActive runs f on the active source's CoreLoop goroutine, so it
// cannot interleave with chunk processing, and waits for it. With no active
// source it runs f right away.
func (s *SourceControl) runLaterIfActive(f func()) error {
	if !s.isActive() {
		f()
		return nil
	}
	done := make(chan struct{})
	request := func() {
		f()
		close(done)
	}
	select {
	case s.queuedRequests <- request:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("active source did not accept the request")
	}
	<-done
	return nil
}

// dump logs a configuration in full when the server is verbose.
func (s *SourceControl) dump(name string, config interface{}) {
	if s.verbose {
		log.Printf("%s:\n%s", name, spew.Sdump(config))
	}
}

// saveState stores a configuration under key in the config file.
func saveState(key string, value interface{}) {
	viper.Set(key, value)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not write config file: %v", err)
	}
}

// ConfigureSimScope configures the simulated oscilloscope source.
func (s *SourceControl) ConfigureSimScope(args *SimScopeSourceConfig, reply *bool) error {
	log.Printf("ConfigureSimScope: %d chan, rate=%.3f\n", args.Nchan, args.SampleRate)
	s.dump("SimScopeSourceConfig", args)
	err := s.simScope.Configure(args)
	*reply = (err == nil)
	if err == nil {
		saveState("simscope", args)
		sendClientUpdate("SIMSCOPE", args)
	}
	return err
}

// ConfigureReplay configures the replay-from-files source.
func (s *SourceControl) ConfigureReplay(args *ReplaySourceConfig, reply *bool) error {
	log.Printf("ConfigureReplay: %d files, rate=%.3f\n", len(args.Paths), args.SampleRate)
	s.dump("ReplaySourceConfig", args)
	err := s.replay.Configure(args)
	*reply = (err == nil)
	if err == nil {
		saveState("replay", args)
		sendClientUpdate("REPLAY", args)
	}
	return err
}

// ConfigureTrigger changes the trigger level, hysteresis, channel and mode.
// The new state applies to the active source, if any, and to later runs.
func (s *SourceControl) ConfigureTrigger(state *TriggerState, reply *bool) error {
	s.dump("TriggerState", state)
	ts := *state
	nchan := 0
	if s.ActiveSource != nil {
		nchan = s.ActiveSource.Nchan()
	}
	if err := ts.Validate(nchan); err != nil {
		return err
	}
	var err error
	if s.ActiveSource != nil {
		if err2 := s.runLaterIfActive(func() {
			err = s.ActiveSource.ChangeTriggerState(&ts)
		}); err2 != nil {
			return err2
		}
	}
	if err != nil {
		return err
	}
	s.trigState = ts
	saveState("trigger", ts)
	s.broadcastTriggerState()
	*reply = true
	return nil
}

// ConfigureHorizontal changes the capture window timing.
func (s *SourceControl) ConfigureHorizontal(state *HorizontalState, reply *bool) error {
	s.dump("HorizontalState", state)
	hs := *state
	if err := hs.Validate(); err != nil {
		return err
	}
	var err error
	if s.ActiveSource != nil {
		if err2 := s.runLaterIfActive(func() {
			err = s.ActiveSource.ChangeHorizontal(&hs)
		}); err2 != nil {
			return err2
		}
	}
	if err != nil {
		return err
	}
	s.horizState = hs
	saveState("horizontal", hs)
	s.broadcastHorizontal()
	*reply = true
	return nil
}

// Start will identify the source given by sourceName and Sample then Start it.
func (s *SourceControl) Start(sourceName *string, reply *bool) error {
	if s.ActiveSource != nil {
		return fmt.Errorf("activeSource is not nil, want nil (you should call Stop)")
	}
	name := strings.ToUpper(*sourceName)
	var ds DataSource
	switch name {
	case "SIMSCOPESOURCE", "SIMSCOPE":
		ds = s.simScope
	case "REPLAYSOURCE", "REPLAY":
		ds = s.replay
	default:
		return fmt.Errorf("data Source \"%s\" is not recognized", *sourceName)
	}

	ts := s.trigState
	if ts.Channel >= ds.Nchan() {
		ts.Channel = 0
	}
	if err := ds.ChangeTriggerState(&ts); err != nil {
		return err
	}
	if err := ds.ChangeHorizontal(&s.horizState); err != nil {
		return err
	}
	runID := ulid.Make().String()
	ds.SetBroker(s.broker)
	ds.SetRunID(runID)

	log.Printf("Starting data source named %s (run %s)\n", *sourceName, runID)
	if err := Start(ds, s.queuedRequests); err != nil {
		return err
	}
	s.ActiveSource = ds
	s.status.Running = true
	s.status.SourceName = ds.Name()
	s.status.Nchannels = ds.Nchan()
	s.status.SampleRate = ds.SampleRate()
	s.status.RunID = runID
	s.runMessage = &scopedb.RunMessage{
		ID:             runID,
		Source:         ds.Name(),
		Nchannels:      ds.Nchan(),
		SampleRate:     ds.SampleRate(),
		WindowWidth:    s.horizState.Width,
		TriggerPos:     s.horizState.TriggerPosition,
		TriggerLevel:   ts.Level,
		Hysteresis:     ts.Hysteresis,
		TriggerChannel: ts.Channel,
		Start:          time.Now(),
	}
	s.db.RecordRun(s.runMessage)
	s.broadcastUpdate()
	s.broadcastTriggerState()
	s.broadcastHorizontal()
	*reply = true
	return nil
}

// Stop stops the running data source, if any
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	if s.ActiveSource == nil {
		return fmt.Errorf("no source is active")
	}
	log.Printf("Stopping data source\n")
	if err := s.writingState.Stop(); err != nil {
		ProblemLogger.Printf("could not stop writing: %v", err)
	}
	if err := StopAndWait(s.ActiveSource); err != nil {
		ProblemLogger.Printf("stopping data source: %v", err)
	}
	if s.runMessage != nil {
		stats := s.ActiveSource.Stats()
		s.runMessage.Captures = stats.Captures + stats.ForcedCaptures
		s.runMessage.Dropped = stats.DroppedCaptures
		s.db.FinishRun(s.runMessage)
		s.runMessage = nil
	}
	s.status.Stats = s.ActiveSource.Stats()
	s.ActiveSource = nil

	s.status.Running = false
	s.status.SourceName = ""
	s.status.Nchannels = 0
	s.status.SampleRate = 0
	s.broadcastUpdate()
	s.broadcastWritingState()
	*reply = true
	return nil
}

// ForceTrigger publishes one forced capture from the active source.
func (s *SourceControl) ForceTrigger(dummy *string, reply *bool) error {
	if !s.isActive() {
		return fmt.Errorf("no source is active")
	}
	var err error
	if err2 := s.runLaterIfActive(func() {
		err = s.ActiveSource.ForceTrigger()
	}); err2 != nil {
		return err2
	}
	*reply = (err == nil)
	return err
}

// WriteControl requests start/stop/pause/unpause of capture writing.
func (s *SourceControl) WriteControl(config *WriteControlConfig, reply *bool) error {
	if s.ActiveSource == nil {
		return fmt.Errorf("no source is active")
	}
	s.dump("WriteControlConfig", config)
	err := s.writingState.WriteControl(config, s.broker, s.status.RunID)
	if err == nil && strings.HasPrefix(strings.ToUpper(config.Request), "START") {
		saveState("writing.path", config.Path)
	}
	s.broadcastWritingState()
	*reply = (err == nil)
	return err
}

// GetStatus returns the current ServerStatus.
func (s *SourceControl) GetStatus(dummy *string, reply *ServerStatus) error {
	s.refreshStats()
	*reply = s.status
	return nil
}

func (s *SourceControl) refreshStats() {
	if s.ActiveSource != nil {
		s.status.Stats = s.ActiveSource.Stats()
	}
}

func (s *SourceControl) broadcastUpdate() {
	s.refreshStats()
	sendClientUpdate("STATUS", s.status)
}

// refreshTriggerState copies the active source's trigger state, which Single
// mode changes to Stop on its own, and saves it when it has changed.
func (s *SourceControl) refreshTriggerState() {
	if s.ActiveSource == nil {
		return
	}
	if ts := s.ActiveSource.ComputeTriggerState(); ts != s.trigState {
		s.trigState = ts
		saveState("trigger", ts)
	}
}

func (s *SourceControl) broadcastTriggerState() {
	s.refreshTriggerState()
	sendClientUpdate("TRIGGER", s.trigState)
}

func (s *SourceControl) broadcastHorizontal() {
	sendClientUpdate("HORIZONTAL", s.horizState)
}

func (s *SourceControl) broadcastWritingState() {
	sendClientUpdate("WRITING", s.writingState.ComputeState())
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	s.broadcastTriggerState()
	s.broadcastHorizontal()
	s.broadcastWritingState()
	sendClientUpdate("SIMSCOPE", s.simScopeConfig())
	*reply = true
	return nil
}

// simScopeConfig returns the stored simulated-source configuration.
func (s *SourceControl) simScopeConfig() SimScopeSourceConfig {
	var ssc SimScopeSourceConfig
	viper.UnmarshalKey("simscope", &ssc)
	return ssc
}

// loadStoredSettings configures sources, trigger and horizontal timing from the config file.
func (s *SourceControl) loadStoredSettings() {
	var okay bool
	log.Printf("scopetrig is using config file %s\n", viper.ConfigFileUsed())
	var ssc SimScopeSourceConfig
	if err := viper.UnmarshalKey("simscope", &ssc); err == nil && ssc.Nchan > 0 {
		s.ConfigureSimScope(&ssc, &okay)
	}
	var rsc ReplaySourceConfig
	if err := viper.UnmarshalKey("replay", &rsc); err == nil && len(rsc.Paths) > 0 {
		s.ConfigureReplay(&rsc, &okay)
	}
	var ts TriggerState
	if err := viper.UnmarshalKey("trigger", &ts); err == nil && ts.Mode != "" {
		if ts.Validate(0) == nil {
			s.trigState = ts
		}
	}
	var hs HorizontalState
	if err := viper.UnmarshalKey("horizontal", &hs); err == nil && hs.Width > 0 {
		if hs.Validate() == nil {
			s.horizState = hs
		}
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server, along with the
// waveform server, the capture publisher and the run log. If block, it blocks
// until an interrupt signal, then shuts everything down.
func RunRPCServer(portrpc int, block bool) error {
	abort := make(chan struct{})
	activity := &scopedb.ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  Build.Host,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     ScopetrigStartTime,
	}
	db := scopedb.StartDBConnection(activity, abort)
	if !db.IsConnected() {
		log.Printf("run log database is not connected: %v", db.Err())
	}

	// Set up objects to handle remote calls
	broker := NewCaptureBroker()
	sourceControl := NewSourceControl(broker, db)
	sourceControl.verbose = viper.GetBool("verbose")
	sourceControl.loadStoredSettings()

	waveformServer := NewWaveformServer(broker)
	if err := waveformServer.Listen(Ports.Waveforms); err != nil {
		return fmt.Errorf("waveform server listen error: %w", err)
	}
	go func() {
		if err := waveformServer.Serve(); err != nil {
			ProblemLogger.Printf("waveform server error: %v", err)
		}
	}()
	go func() {
		if err := PublishCaptures(broker, Ports.Captures, abort); err != nil {
			ProblemLogger.Printf("capture publisher error: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				sourceControl.broadcastUpdate()
			}
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(sourceControl); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-abort:
				default:
					ProblemLogger.Printf("accept error: %v", err)
				}
				return
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()

	if !block {
		return nil
	}

	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt, syscall.SIGTERM)
	<-interruptCatcher
	log.Println("caught interrupt; shutting down")
	if sourceControl.ActiveSource != nil {
		var okay bool
		sourceControl.Stop(nil, &okay)
	}
	close(abort)
	listener.Close()
	waveformServer.Close()
	broker.Close()
	db.Wait()
	return nil
}

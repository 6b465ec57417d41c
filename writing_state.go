package scopetrig

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sbinet/npyio"
)

// WritingState monitors the state of file writing. While Active, every
// published Waveform is stored as one int8 .npy file per channel.
type WritingState struct {
	Active                       bool
	Paused                       bool
	BasePath                     string
	FilenamePattern              string
	RunID                        string
	CapturesWritten              int64
	CapturesSkipped              int64 // published while Paused
	WriteErrors                  int64
	experimentStateFile          *os.File
	ExperimentStateFilename      string
	ExperimentStateLabel         string
	ExperimentStateLabelUnixNano int64
	broker                       *CaptureBroker
	sub                          Subscription
	done                         chan struct{}
	sync.Mutex
}

// WritingStatus is the exported, lock-free summary of a WritingState.
type WritingStatus struct {
	Active                  bool
	Paused                  bool
	BasePath                string
	FilenamePattern         string
	RunID                   string
	CapturesWritten         int64
	CapturesSkipped         int64
	WriteErrors             int64
	ExperimentStateFilename string
	ExperimentStateLabel    string
}

// IsActive will return ws.Active, with proper locking
func (ws *WritingState) IsActive() bool {
	ws.Lock()
	defer ws.Unlock()
	return ws.Active
}

// ComputeState returns a property-by-property copy of the WritingState.
// It will not copy the "active" features like open files.
func (ws *WritingState) ComputeState() WritingStatus {
	ws.Lock()
	defer ws.Unlock()
	return WritingStatus{
		Active:                  ws.Active,
		Paused:                  ws.Paused,
		BasePath:                ws.BasePath,
		FilenamePattern:         ws.FilenamePattern,
		RunID:                   ws.RunID,
		CapturesWritten:         ws.CapturesWritten,
		CapturesSkipped:         ws.CapturesSkipped,
		WriteErrors:             ws.WriteErrors,
		ExperimentStateFilename: ws.ExperimentStateFilename,
		ExperimentStateLabel:    ws.ExperimentStateLabel,
	}
}

// makeDirectory creates directory of the form basepath/20060102/000 where
// the 3-digit subdirectory counts separate file-writing occasions.
// It also returns the formatting code for use in an Sprintf call
// basepath/20060102/000/20060102_run000_%s.%s and an error, if any.
func makeDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := time.Now().Format("20060102")
	todayDir := fmt.Sprintf("%s/%s", basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		thisDir := fmt.Sprintf("%s/%4.4d", todayDir, i)
		_, err := os.Stat(thisDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return fmt.Sprintf("%s/%s_run%4.4d_%%s.%%s", thisDir, today, i), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}

// Start will set the WritingState to begin writing the captures broker publishes.
func (ws *WritingState) Start(broker *CaptureBroker, basepath, runID string) error {
	ws.Lock()
	defer ws.Unlock()
	if ws.Active {
		return fmt.Errorf("writing is already active, in %s", ws.BasePath)
	}
	pattern, err := makeDirectory(basepath)
	if err != nil {
		return err
	}
	ws.Active = true
	ws.Paused = false
	ws.BasePath = basepath
	ws.FilenamePattern = pattern
	ws.RunID = runID
	ws.CapturesWritten = 0
	ws.CapturesSkipped = 0
	ws.WriteErrors = 0
	ws.ExperimentStateFilename = fmt.Sprintf(pattern, "experiment_state", "txt")
	if err := ws.setExperimentStateLabel(time.Now(), "START"); err != nil {
		ws.Active = false
		return err
	}
	ws.broker = broker
	ws.sub = broker.Subscribe(256)
	ws.done = make(chan struct{})
	go ws.recordLoop(ws.sub.C, ws.done)
	return nil
}

// recordLoop writes each Waveform until the subscription closes.
func (ws *WritingState) recordLoop(waveforms <-chan *Waveform, done chan<- struct{}) {
	defer close(done)
	for w := range waveforms {
		ws.Lock()
		paused, pattern := ws.Paused, ws.FilenamePattern
		if paused {
			ws.CapturesSkipped++
		}
		ws.Unlock()
		if paused {
			continue
		}
		err := writeWaveformNpy(pattern, w)
		ws.Lock()
		if err != nil {
			ws.WriteErrors++
			ProblemLogger.Printf("could not write capture %d: %v", w.Seq, err)
		} else {
			ws.CapturesWritten++
		}
		ws.Unlock()
	}
}

// WaveformFilename returns the path writeWaveformNpy uses for one channel of w.
func WaveformFilename(pattern string, w *Waveform, channel int) string {
	label := fmt.Sprintf("%s_%06d_chan%d", w.RunID, w.Seq, channel)
	if w.RunID == "" {
		label = fmt.Sprintf("%06d_chan%d", w.Seq, channel)
	}
	return fmt.Sprintf(pattern, label, "npy")
}

func writeWaveformNpy(pattern string, w *Waveform) error {
	for c, samples := range w.Channels {
		name := WaveformFilename(pattern, w, c)
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := npyio.Write(f, samples); err != nil {
			f.Close()
			return fmt.Errorf("writing %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Stop will set the WritingState to be completely stopped. Waveforms already
// queued for writing are written first.
func (ws *WritingState) Stop() error {
	ws.Lock()
	if !ws.Active {
		ws.Unlock()
		return nil
	}
	broker, sub, done := ws.broker, ws.sub, ws.done
	ws.Unlock()

	broker.Unsubscribe(sub.ID)
	<-done

	ws.Lock()
	defer ws.Unlock()
	ws.Active = false
	ws.Paused = false
	ws.FilenamePattern = ""
	ws.broker = nil
	if ws.experimentStateFile != nil {
		if err := ws.setExperimentStateLabel(time.Now(), "STOP"); err != nil {
			return err
		}
		if err := ws.experimentStateFile.Close(); err != nil {
			return fmt.Errorf("failed to close experimentStatefile, err: %v", err)
		}
	}
	ws.experimentStateFile = nil
	ws.ExperimentStateFilename = ""
	ws.ExperimentStateLabel = ""
	ws.ExperimentStateLabelUnixNano = 0
	return nil
}

// SetExperimentStateLabel writes to a file with name like XXX_experiment_state.txt
// The file is created upon the first call to this function for a given file writing.
// This exported version locks the WritingState object.
func (ws *WritingState) SetExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot set experiment state label when writing is not active")
	}
	return ws.setExperimentStateLabel(timestamp, stateLabel)
}

func (ws *WritingState) setExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	if ws.experimentStateFile == nil {
		// create state file if neccesary
		var err error
		ws.experimentStateFile, err = os.Create(ws.ExperimentStateFilename)
		if err != nil {
			return fmt.Errorf("%v, filename: <%v>", err, ws.ExperimentStateFilename)
		}
		if _, err := ws.experimentStateFile.WriteString("# unix time in nanoseconds, state label\n"); err != nil {
			return err
		}
	}
	ws.ExperimentStateLabel = stateLabel
	ws.ExperimentStateLabelUnixNano = timestamp.UnixNano()
	_, err := fmt.Fprintf(ws.experimentStateFile, "%v, %v\n", ws.ExperimentStateLabelUnixNano, stateLabel)
	return err
}

// WriteControlConfig object to control start/stop/pause of data writing
// Path is ignored for anything other than Request="Start"
type WriteControlConfig struct {
	Request string // "Start", "Stop", "Pause", or "Unpause", or "Unpause label"
	Path    string // write in a new directory under this path
}

// WriteControl changes the data writing start/stop/pause/unpause state.
func (ws *WritingState) WriteControl(config *WriteControlConfig, broker *CaptureBroker, runID string) error {
	requestStr := strings.ToUpper(config.Request)
	switch {
	case strings.HasPrefix(requestStr, "PAUSE"):
		ws.Lock()
		defer ws.Unlock()
		if !ws.Active {
			return fmt.Errorf("cannot pause when writing is not active")
		}
		ws.Paused = true
		return ws.setExperimentStateLabel(time.Now(), "PAUSE")

	case strings.HasPrefix(requestStr, "UNPAUSE"):
		label := "UNPAUSE"
		if len(config.Request) > 7 {
			// validate format of command "UNPAUSE label"
			if config.Request[7:8] != " " || len(config.Request) == 8 {
				return fmt.Errorf("request format invalid. got::\n%v\nwant someting like: \"UNPAUSE label\"", config.Request)
			}
			label = config.Request[8:]
		}
		ws.Lock()
		defer ws.Unlock()
		if !ws.Active {
			return fmt.Errorf("cannot unpause when writing is not active")
		}
		ws.Paused = false
		return ws.setExperimentStateLabel(time.Now(), label)

	case strings.HasPrefix(requestStr, "STOP"):
		return ws.Stop()

	case strings.HasPrefix(requestStr, "START"):
		return ws.Start(broker, config.Path, runID)

	default:
		return fmt.Errorf("WriteControl config.Request=%q, must be one of (START,STOP,PAUSE,UNPAUSE). Not case sensitive. \"UNPAUSE label\" is also ok",
			config.Request)
	}
}

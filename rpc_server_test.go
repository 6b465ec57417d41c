package scopetrig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acqlab/scopetrig/packets"
	zmq "github.com/pebbe/zmq4"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

// subscribe connects a ZMQ SUB socket to a local port.
func subscribe(t *testing.T, port int) *zmq.Socket {
	t.Helper()
	sub, err := zmq.NewSocket(zmq.SUB)
	require.NoError(t, err)
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://localhost:%d", port)))
	require.NoError(t, sub.SetSubscribe(""))
	require.NoError(t, sub.SetRcvtimeo(100*time.Millisecond))
	return sub
}

func TestServer(t *testing.T) {
	client, err := simpleClient()
	if err != nil {
		t.Fatalf("Could not connect simpleClient() to RPC server")
	}
	defer client.Close()

	var okay bool
	var dummy string
	sourceName := "harrypotter"
	if err := client.Call("SourceControl.Start", &sourceName, &okay); err == nil {
		t.Errorf("Expected error calling SourceControl.Start(\"%s\") with wrong name, saw none", sourceName)
	}
	for _, method := range []string{"Stop", "ForceTrigger"} {
		if err := client.Call("SourceControl."+method, &dummy, &okay); err == nil {
			t.Errorf("Expected error calling SourceControl.%s with no active source, saw none", method)
		}
	}
	wc := WriteControlConfig{Request: "Start", Path: t.TempDir()}
	if err := client.Call("SourceControl.WriteControl", &wc, &okay); err == nil {
		t.Errorf("Expected error calling SourceControl.WriteControl with no active source, saw none")
	}

	// Status updates reach ZMQ subscribers.
	status := subscribe(t, Ports.Status)
	defer status.Close()
	require.Eventually(t, func() bool {
		client.Call("SourceControl.SendAllStatus", &dummy, &okay)
		msg, err := status.RecvMessage(0)
		return err == nil && len(msg) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Configuration
	badSim := SimScopeSourceConfig{Nchan: 0, SampleRate: 1e6, ChunkSize: 1000}
	if err := client.Call("SourceControl.ConfigureSimScope", &badSim, &okay); err == nil {
		t.Errorf("Expected error calling SourceControl.ConfigureSimScope with Nchan=0")
	}
	simConfig := SimScopeSourceConfig{Nchan: 2, SampleRate: 1e6, ChunkSize: 1000,
		Shape: "square", Frequency: 1000, Amplitude: 60, Noise: 1}
	if err := client.Call("SourceControl.ConfigureSimScope", &simConfig, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.ConfigureSimScope(): %v", err)
	}
	badTrig := TriggerState{Level: 300, Mode: Normal}
	if err := client.Call("SourceControl.ConfigureTrigger", &badTrig, &okay); err == nil {
		t.Errorf("Expected error calling SourceControl.ConfigureTrigger with Level=300")
	}
	trig := TriggerState{Level: 0, Hysteresis: 10, Mode: "normal"}
	if err := client.Call("SourceControl.ConfigureTrigger", &trig, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.ConfigureTrigger(): %v", err)
	}
	badHoriz := HorizontalState{Width: 10}
	if err := client.Call("SourceControl.ConfigureHorizontal", &badHoriz, &okay); err == nil {
		t.Errorf("Expected error calling SourceControl.ConfigureHorizontal with Width=10")
	}
	horiz := HorizontalState{Width: 1000, TriggerPosition: 100}
	if err := client.Call("SourceControl.ConfigureHorizontal", &horiz, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.ConfigureHorizontal(): %v", err)
	}
	var saved HorizontalState
	require.NoError(t, viper.UnmarshalKey("horizontal", &saved))
	assert.Equal(t, horiz, saved)

	// Start a run and watch its captures on the ZMQ publisher.
	captures := subscribe(t, Ports.Captures)
	defer captures.Close()
	sourceName = "SimScope"
	if err := client.Call("SourceControl.Start", &sourceName, &okay); err != nil || !okay {
		t.Fatalf("Error calling SourceControl.Start(%q): %v", sourceName, err)
	}
	if err := client.Call("SourceControl.Start", &sourceName, &okay); err == nil {
		t.Errorf("Expected error starting a second source")
	}
	var ss ServerStatus
	require.NoError(t, client.Call("SourceControl.GetStatus", &dummy, &ss))
	assert.True(t, ss.Running)
	assert.Equal(t, "SimScope", ss.SourceName)
	assert.Equal(t, 2, ss.Nchannels)
	assert.Equal(t, 1e6, ss.SampleRate)
	assert.NotEmpty(t, ss.RunID)
	assert.NotEmpty(t, ss.Backend)

	var parts [][]byte
	require.Eventually(t, func() bool {
		parts, err = captures.RecvMessageBytes(0)
		return err == nil
	}, 10*time.Second, time.Millisecond)
	require.Len(t, parts, 2)
	assert.Equal(t, ss.RunID, string(parts[0]))
	frame, err := packets.ReadFrame(bytes.NewReader(parts[1]))
	require.NoError(t, err)
	assert.Equal(t, uint16(2), frame.Header.NumChannels)
	assert.Equal(t, uint64(1000), frame.Channels[0].Header.Depth)

	// Changes while running
	trig.Channel = 5
	if err := client.Call("SourceControl.ConfigureTrigger", &trig, &okay); err == nil {
		t.Errorf("Expected error calling SourceControl.ConfigureTrigger on channel 5 of 2")
	}
	trig.Channel = 1
	if err := client.Call("SourceControl.ConfigureTrigger", &trig, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.ConfigureTrigger() while running: %v", err)
	}
	horiz.Holdoff = 500
	if err := client.Call("SourceControl.ConfigureHorizontal", &horiz, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.ConfigureHorizontal() while running: %v", err)
	}
	if err := client.Call("SourceControl.ForceTrigger", &dummy, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.ForceTrigger(): %v", err)
	}

	for _, request := range []string{"Start", "Pause", "Unpause run2"} {
		wc.Request = request
		if err := client.Call("SourceControl.WriteControl", &wc, &okay); err != nil || !okay {
			t.Errorf("Error calling SourceControl.WriteControl(%s): %v", request, err)
		}
	}
	wc.Request = "bogus"
	if err := client.Call("SourceControl.WriteControl", &wc, &okay); err == nil {
		t.Errorf("Expected error calling SourceControl.WriteControl(%s)", wc.Request)
	}

	pattern := filepath.Join(wc.Path, "*", "*", "*.npy")
	require.Eventually(t, func() bool {
		client.Call("SourceControl.GetStatus", &dummy, &ss)
		written, _ := filepath.Glob(pattern)
		return ss.Stats.Captures > 1 && ss.Stats.ForcedCaptures > 0 && len(written) > 0
	}, 10*time.Second, 10*time.Millisecond)

	if err := client.Call("SourceControl.Stop", &dummy, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.Stop(): %v", err)
	}
	require.NoError(t, client.Call("SourceControl.GetStatus", &dummy, &ss))
	assert.False(t, ss.Running)
	assert.Positive(t, ss.Stats.Captures)
	written, err := filepath.Glob(pattern)
	require.NoError(t, err)
	assert.NotEmpty(t, written)

	// Replay what was written.
	replayConfig := ReplaySourceConfig{Paths: written[:1], SampleRate: 1e6, ChunkSize: 500}
	if err := client.Call("SourceControl.ConfigureReplay", &replayConfig, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.ConfigureReplay(): %v", err)
	}
	sourceName = "replay"
	if err := client.Call("SourceControl.Start", &sourceName, &okay); err != nil || !okay {
		t.Fatalf("Error calling SourceControl.Start(%q): %v", sourceName, err)
	}
	require.NoError(t, client.Call("SourceControl.GetStatus", &dummy, &ss))
	assert.Equal(t, "Replay", ss.SourceName)
	assert.Equal(t, 1, ss.Nchannels)
	if err := client.Call("SourceControl.Stop", &dummy, &okay); err != nil || !okay {
		t.Errorf("Error calling SourceControl.Stop(): %v", err)
	}
}

func TestSingleModeStopsServer(t *testing.T) {
	client, err := simpleClient()
	require.NoError(t, err)
	defer client.Close()

	var okay bool
	var dummy string
	simConfig := SimScopeSourceConfig{Nchan: 1, SampleRate: 1e6, ChunkSize: 1000,
		Shape: "square", Frequency: 1000, Amplitude: 60}
	require.NoError(t, client.Call("SourceControl.ConfigureSimScope", &simConfig, &okay))
	horiz := HorizontalState{Width: 1000, TriggerPosition: 100}
	require.NoError(t, client.Call("SourceControl.ConfigureHorizontal", &horiz, &okay))
	trig := TriggerState{Level: 0, Hysteresis: 10, Mode: Single}
	require.NoError(t, client.Call("SourceControl.ConfigureTrigger", &trig, &okay))

	status := subscribe(t, Ports.Status)
	defer status.Close()
	sourceName := "SimScope"
	require.NoError(t, client.Call("SourceControl.Start", &sourceName, &okay))
	defer client.Call("SourceControl.Stop", &dummy, &okay)

	var ss ServerStatus
	require.Eventually(t, func() bool {
		client.Call("SourceControl.GetStatus", &dummy, &ss)
		return ss.Stats.Captures > 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), ss.Stats.Captures, "Single mode publishes one capture")

	// A full status broadcast reports and saves the source's own switch to Stop.
	var reported, saved TriggerState
	require.Eventually(t, func() bool {
		client.Call("SourceControl.SendAllStatus", &dummy, &okay)
		for {
			msg, err := status.RecvMessage(0)
			if err != nil {
				break
			}
			if len(msg) == 2 && msg[0] == "TRIGGER" {
				json.Unmarshal([]byte(msg[1]), &reported)
			}
		}
		if err := viper.UnmarshalKey("trigger", &saved); err != nil {
			return false
		}
		return reported.Mode == Stop && saved.Mode == Stop
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, saved.Level)
	assert.Equal(t, 10, saved.Hysteresis)
}

func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "scopetrigTest")
	if err != nil {
		panic(err)
	}
	configFile := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configFile, []byte{}, 0600); err != nil {
		panic(err)
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	// Set up different ports for testing than you'd use otherwise
	SetPortnumbers(33000)
	abort := make(chan struct{})
	go RunClientUpdater(Ports.Status, time.Second, abort)
	if err := RunRPCServer(Ports.RPC, false); err != nil {
		panic(err)
	}
	log.SetOutput(io.Discard)
	UpdateLogger.SetOutput(io.Discard)

	code := m.Run()
	close(abort)
	os.RemoveAll(tmp)
	os.Exit(code)
}

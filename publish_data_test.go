package scopetrig

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/acqlab/scopetrig/packets"
	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishCaptures(t *testing.T) {
	const port = 33100
	broker := NewCaptureBroker()
	abort := make(chan struct{})
	done := make(chan error)
	go func() { done <- PublishCaptures(broker, port, abort) }()

	sub, err := zmq.NewSocket(zmq.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://localhost:%d", port)))
	require.NoError(t, sub.SetSubscribe("testrun"))
	require.NoError(t, sub.SetRcvtimeo(20*time.Millisecond))

	// Keep publishing until the subscription is established.
	var parts [][]byte
	require.Eventually(t, func() bool {
		broker.Publish(makeTestWaveform(0, 3, 1200))
		parts, err = sub.RecvMessageBytes(0)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, parts, 2)
	assert.Equal(t, "testrun", string(parts[0]))

	f, err := packets.ReadFrame(bytes.NewReader(parts[1]))
	require.NoError(t, err)
	assert.Equal(t, uint16(3), f.Header.NumChannels)
	require.Len(t, f.Channels, 3)
	w := makeTestWaveform(0, 3, 1200)
	assert.Equal(t, w.Channel(2), f.Channels[2].Samples)
	assert.Equal(t, w.Phase(), f.Channels[0].Header.TriggerPhase)

	close(abort)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("PublishCaptures did not return after abort")
	}
	assert.Equal(t, 0, broker.NumSubscribers())
}

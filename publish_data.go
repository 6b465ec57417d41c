package scopetrig

import (
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// PublishCaptures publishes every Waveform from the broker on a ZMQ PUB
// socket, one two-frame message per capture: the run ID, then the packed
// frame. It returns when abort is closed.
func PublishCaptures(broker *CaptureBroker, portnum int, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	// Never let slow subscribers back up into the broker.
	if err := pubSocket.SetSndhwm(100); err != nil {
		return err
	}
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind capture publisher to %s: %w", hostname, err)
	}

	sub := broker.Subscribe(100)
	defer broker.Unsubscribe(sub.ID)
	meter := newRateMeter()
	var seq uint32
	for {
		select {
		case <-abort:
			return nil
		case w, ok := <-sub.C:
			if !ok {
				return nil
			}
			frame := w.Frame(seq, meter.tick(w.Time))
			seq++
			if _, err := pubSocket.SendMessageDontwait(w.RunID, frame.Bytes()); err != nil {
				ProblemLogger.Printf("capture publisher dropped waveform %d: %v", w.Seq, err)
			}
		}
	}
}

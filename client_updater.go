package scopetrig

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest scopetrig state.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// clientMessageChan queues status messages for RunClientUpdater.
var clientMessageChan = make(chan ClientUpdate, 100)

// sendClientUpdate queues a message without blocking. It reports whether the
// message was queued.
func sendClientUpdate(tag string, state interface{}) bool {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
		return true
	default:
		return false
	}
}

// AliveMessage is the periodic heartbeat published to clients.
type AliveMessage struct {
	Alive     bool
	Uptime    float64 // seconds
	BuildInfo BuildInfo
}

// RunClientUpdater forwards any message from clientMessageChan to a ZMQ PUB
// socket, as a tag frame followed by a JSON body. It also publishes an ALIVE
// heartbeat every aliveInterval. It returns when abort is closed.
func RunClientUpdater(statusport int, aliveInterval time.Duration, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}

	ticker := time.NewTicker(aliveInterval)
	defer ticker.Stop()
	for {
		var update ClientUpdate
		select {
		case <-abort:
			return nil
		case <-ticker.C:
			update = ClientUpdate{tag: "ALIVE", state: AliveMessage{
				Alive:     true,
				Uptime:    time.Since(ScopetrigStartTime).Seconds(),
				BuildInfo: Build,
			}}
		case update = <-clientMessageChan:
		}
		message, err := json.Marshal(update.state)
		if err != nil {
			ProblemLogger.Printf("could not marshal %s update: %v", update.tag, err)
			continue
		}
		if update.tag != "ALIVE" {
			UpdateLogger.Printf("SEND %v %v\n", update.tag, string(message))
		}
		if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
			ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
		}
	}
}

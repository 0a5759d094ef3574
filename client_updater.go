package syncdaq

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest session state.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State interface{}
}

// Tags of the published messages
const (
	TagSession = "SESSION"
	TagChannel = "CHANNEL"
	TagBacklog = "BACKLOG"
	TagWarning = "WARNING"
	TagRoutes  = "ROUTES"
)

// SessionStatusMessage announces a change in the whole session.
type SessionStatusMessage struct {
	ID    string
	State string
	Error string `json:",omitempty"`
}

// ChannelStatusMessage announces a channel state change.
type ChannelStatusMessage struct {
	Channel string
	State   string
	Error   string `json:",omitempty"`
}

// BacklogMessage reports one fetch's effect on a channel's buffer.
type BacklogMessage struct {
	Channel  string
	Fetched  int
	Backlog  int
	Capacity int
}

// WarningMessage relays a DrainingTooSlow warning.
type WarningMessage struct {
	Channel  string
	Backlog  int
	Capacity int
	Time     time.Time
}

func newWarningMessage(w *DrainingTooSlow) WarningMessage {
	return WarningMessage{Channel: w.Channel, Backlog: w.Backlog, Capacity: w.Capacity, Time: w.Time}
}

// encode returns the two frames of the update: the tag and the JSON state.
func (u ClientUpdate) encode() ([][]byte, error) {
	msg, err := json.Marshal(u.State)
	if err != nil {
		return nil, fmt.Errorf("encoding %s update: %w", u.Tag, err)
	}
	return [][]byte{[]byte(u.Tag), msg}, nil
}

// RunClientUpdater forwards any message from its input channel to the ZMQ publisher socket
// to publish any information that clients need to know. It returns when updates is closed
// or abort is closed.
func RunClientUpdater(updates <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(0)
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding status publisher to %s: %w", hostname, err)
	}

	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			frames, err := update.encode()
			if err != nil {
				ProblemLogger.Print(err)
				continue
			}
			UpdateLogger.Printf("SEND %s %s", frames[0], frames[1])
			if _, err := pubSocket.SendMessage(frames[0], frames[1]); err != nil {
				ProblemLogger.Printf("publishing %s update: %v", update.Tag, err)
			}
		}
	}
}

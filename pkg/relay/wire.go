package relay

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/orderflow/pkg/events"
)

const wireVersion = 1

// StatusWire is the gossip payload for one status event.
type StatusWire struct {
	Version int                `json:"v"`
	Event   events.StatusEvent `json:"event"`
}

func encodeStatus(e events.StatusEvent) ([]byte, error) {
	return json.Marshal(StatusWire{Version: wireVersion, Event: e})
}

func decodeStatus(b []byte) (events.StatusEvent, error) {
	var w StatusWire
	if err := json.Unmarshal(b, &w); err != nil {
		return events.StatusEvent{}, err
	}
	if w.Version != wireVersion {
		return events.StatusEvent{}, fmt.Errorf("unsupported wire version %d", w.Version)
	}
	return w.Event, nil
}

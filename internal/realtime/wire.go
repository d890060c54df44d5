package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/onlyus/sync-server-go/internal/model"
)

type frameType string

const (
	frameEvent frameType = "event"
	frameAck   frameType = "ack"
)

// frame is the unit exchanged over the peer channel. For messages, After
// holds the sequence number of the sender's previous message so the
// receiver can restore per-sender order.
type frame struct {
	Type  frameType        `json:"type"`
	Event *model.SyncEvent `json:"event,omitempty"`
	After uint64           `json:"after,omitempty"`
	Ack   *model.EventID   `json:"ack,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return raw, nil
}

func decodeFrame(raw []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case frameEvent:
		if f.Event == nil {
			return frame{}, fmt.Errorf("event frame without event")
		}
	case frameAck:
		if f.Ack == nil {
			return frame{}, fmt.Errorf("ack frame without id")
		}
	default:
		return frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

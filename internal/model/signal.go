package model

import "time"

// Signal is an opaque connection-establishment blob relayed between the two parties.
type Signal struct {
	Seq      int64     `json:"seq"`
	SenderID string    `json:"senderId"`
	Blob     string    `json:"blob"`
	PostedAt time.Time `json:"postedAt"`
}

type SignalBatch struct {
	Signals []Signal `json:"signals"`
	Cursor  int64    `json:"cursor"`
}

// Package events carries session notifications to the websocket bridge and
// the MQTT publisher.
package events

import (
	"errors"
	"time"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

// Kind names what happened.
type Kind string

const (
	KindRead      Kind = "block_read"
	KindWritten   Kind = "block_written"
	KindTransport Kind = "transport"
)

// Event is one session notification in wire form.
type Event struct {
	Kind      Kind      `json:"kind"`
	Block     string    `json:"block,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Field     string    `json:"field,omitempty"`
	Code      *int      `json:"code,omitempty"`
	Connected *bool     `json:"connected,omitempty"`
	Time      time.Time `json:"time"`
}

// BlockRead describes a completed read exchange.
func BlockRead(b bafang.Block, err error) Event {
	return blockEvent(KindRead, b, err)
}

// BlockWritten describes a completed write exchange. A controller rejection
// carries the offending field and the raw result code.
func BlockWritten(b bafang.Block, err error) Event {
	return blockEvent(KindWritten, b, err)
}

// Transport describes a connection state change.
func Transport(connected bool) Event {
	return Event{
		Kind:      KindTransport,
		OK:        true,
		Connected: &connected,
		Time:      time.Now(),
	}
}

func blockEvent(kind Kind, b bafang.Block, err error) Event {
	ev := Event{Kind: kind, Block: b.Key(), OK: err == nil, Time: time.Now()}
	if err != nil {
		ev.Error = err.Error()
		var re *bafang.ResultError
		if errors.As(err, &re) {
			code := int(re.Code)
			ev.Field = re.Field
			ev.Code = &code
		}
	}
	return ev
}

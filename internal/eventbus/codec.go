// Package eventbus carries ticket events between processes over Redis
// pub/sub, so workers running apart from the API still reach its
// subscribers.
package eventbus

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/alekspetrov/ticketd/internal/ticket"
)

// encMode uses Core Deterministic Encoding so identical events produce
// identical bytes. Times are written as RFC 3339 strings.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("eventbus: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("eventbus: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes an event for the wire.
func Encode(e *ticket.Event) ([]byte, error) {
	return encMode.Marshal(e)
}

// Decode parses an event produced by Encode.
func Decode(data []byte) (*ticket.Event, error) {
	var e ticket.Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

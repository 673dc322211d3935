// Package rpc is the host/worker protocol of remote execution: CBOR
// messages in length-prefixed frames, each carrying the session id and a
// per-direction sequence number.
//
// No message type carries secret values. The worker receives secrets as
// environment variables when its sandbox starts.
package rpc

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// RawMessage is an encoded payload.
type RawMessage = cbor.RawMessage

// encMode uses Core Deterministic Encoding: sorted map keys and the
// smallest integer forms.
var encMode cbor.EncMode

// decMode decodes any-typed maps as map[string]any so payload fields
// line up with values decoded from YAML and JSON.
var decMode cbor.DecMode

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

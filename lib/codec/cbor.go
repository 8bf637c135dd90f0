// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec wraps the CBOR encoder used for telemetry datagrams.
// CBOR keeps high-rate datagrams compact and self-delimiting; the
// control channel uses length-prefixed JSON instead (lib/wire), where
// human inspectability matters more than size.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer widths. The same datagram always
// produces identical bytes, which keeps telemetry tests stable.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields so newer
// senders interoperate with older receivers.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Telemetry args decode into []any. Any map values inside
		// them must come back as map[string]any, not the CBOR default
		// map[interface{}]interface{}, so consumers can hand them to
		// encoding/json without conversion.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

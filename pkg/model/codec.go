package model

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Format selects the wire serialization. It is chosen once per bridge at
// start; decoders accept either format regardless of the local choice.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "json"
}

// ParseFormat parses the serialization name used in configuration.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return FormatJSON, fmt.Errorf("unknown serialization format %q (want json or cbor)", s)
}

// Encode serializes v in the given format.
func Encode(v any, f Format) ([]byte, error) {
	if f == FormatCBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

// DecodeAs deserializes data in a known format.
func DecodeAs(data []byte, f Format, v any) error {
	if f == FormatCBOR {
		return cbor.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// Decode deserializes data with format auto-detection: a first byte in
// the CBOR map range (major type 5) selects CBOR, anything else JSON.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if DetectFormat(data) == FormatCBOR {
		return cbor.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// DetectFormat inspects the first payload byte. All ZenSight records are
// maps at the top level, so CBOR payloads start with major type 5.
func DetectFormat(data []byte) Format {
	if len(data) > 0 && data[0]>>5 == 5 {
		return FormatCBOR
	}
	return FormatJSON
}

// DecodePoint decodes a telemetry point with format auto-detection.
func DecodePoint(data []byte) (*TelemetryPoint, error) {
	var p TelemetryPoint
	if err := Decode(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

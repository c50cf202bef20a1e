package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ValueKind discriminates the typed telemetry value.
type ValueKind uint8

const (
	KindCounter ValueKind = iota
	KindGauge
	KindText
	KindBoolean
	KindBinary
)

func (k ValueKind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindText:
		return "text"
	case KindBoolean:
		return "boolean"
	case KindBinary:
		return "binary"
	}
	return "unknown"
}

// Value is the typed telemetry value. On the wire it is untagged: a
// non-negative integer decodes as a counter, any other number as a gauge,
// a string as text, a boolean as boolean, and a byte sequence (JSON array
// of numbers, CBOR byte string) as binary.
type Value struct {
	kind    ValueKind
	counter uint64
	gauge   float64
	text    string
	boolean bool
	binary  []byte
}

// Counter builds a monotonically increasing counter value.
func Counter(v uint64) Value { return Value{kind: KindCounter, counter: v} }

// Gauge builds a gauge value that can go up or down.
func Gauge(v float64) Value { return Value{kind: KindGauge, gauge: v} }

// Text builds a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Boolean builds a boolean value.
func Boolean(v bool) Value { return Value{kind: KindBoolean, boolean: v} }

// Binary builds a binary value.
func Binary(b []byte) Value { return Value{kind: KindBinary, binary: b} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Counter() (uint64, bool) { return v.counter, v.kind == KindCounter }
func (v Value) Gauge() (float64, bool)  { return v.gauge, v.kind == KindGauge }
func (v Value) Text() (string, bool)    { return v.text, v.kind == KindText }
func (v Value) Boolean() (bool, bool)   { return v.boolean, v.kind == KindBoolean }
func (v Value) Binary() ([]byte, bool)  { return v.binary, v.kind == KindBinary }

// AsFloat converts numeric and boolean values to a float64. Text and
// binary values have no numeric form.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindCounter:
		return float64(v.counter), true
	case KindGauge:
		return v.gauge, true
	case KindBoolean:
		if v.boolean {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Validate rejects non-finite gauges.
func (v Value) Validate() error {
	if v.kind == KindGauge && (math.IsNaN(v.gauge) || math.IsInf(v.gauge, 0)) {
		return fmt.Errorf("gauge value must be finite, got %v", v.gauge)
	}
	return nil
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindCounter:
		return v.counter == o.counter
	case KindGauge:
		return v.gauge == o.gauge
	case KindText:
		return v.text == o.text
	case KindBoolean:
		return v.boolean == o.boolean
	case KindBinary:
		if len(v.binary) != len(o.binary) {
			return false
		}
		for i := range v.binary {
			if v.binary[i] != o.binary[i] {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindCounter:
		return strconv.FormatUint(v.counter, 10)
	case KindGauge:
		return strconv.FormatFloat(v.gauge, 'g', -1, 64)
	case KindText:
		return v.text
	case KindBoolean:
		return strconv.FormatBool(v.boolean)
	case KindBinary:
		return fmt.Sprintf("binary(%d bytes)", len(v.binary))
	}
	return ""
}

// MarshalJSON emits the untagged wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindCounter:
		return strconv.AppendUint(nil, v.counter, 10), nil
	case KindGauge:
		if err := v.Validate(); err != nil {
			return nil, err
		}
		// A gauge always carries a decimal point or exponent on the
		// wire, so a whole-number gauge can never be mistaken for a
		// counter on decode.
		s := strconv.FormatFloat(v.gauge, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case KindText:
		return json.Marshal(v.text)
	case KindBoolean:
		return json.Marshal(v.boolean)
	case KindBinary:
		// Serialized as an array of numbers, not base64, so both codecs
		// agree on the logical record.
		nums := make([]uint16, len(v.binary))
		for i, b := range v.binary {
			nums[i] = uint16(b)
		}
		return json.Marshal(nums)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON decodes the untagged wire form. A non-negative integer
// becomes a counter, any other number a gauge.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Boolean(b)
		return nil
	case '[':
		var nums []uint64
		if err := json.Unmarshal(data, &nums); err != nil {
			return err
		}
		bin := make([]byte, len(nums))
		for i, n := range nums {
			if n > 255 {
				return fmt.Errorf("binary element %d out of byte range", n)
			}
			bin[i] = byte(n)
		}
		*v = Binary(bin)
		return nil
	}
	// Only a plain non-negative integer token is a counter; anything
	// with a decimal point or exponent is a gauge even when its value
	// happens to be integral.
	if !strings.ContainsAny(string(data), ".eE") {
		if u, err := strconv.ParseUint(string(data), 10, 64); err == nil {
			*v = Counter(u)
			return nil
		}
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("value is not a number, string, boolean or byte array: %w", err)
	}
	*v = Gauge(f)
	return nil
}

// MarshalCBOR emits the untagged CBOR form: counters as unsigned
// integers, gauges as float64, binary as a byte string.
func (v Value) MarshalCBOR() ([]byte, error) {
	switch v.kind {
	case KindCounter:
		return cbor.Marshal(v.counter)
	case KindGauge:
		if err := v.Validate(); err != nil {
			return nil, err
		}
		return cbor.Marshal(v.gauge)
	case KindText:
		return cbor.Marshal(v.text)
	case KindBoolean:
		return cbor.Marshal(v.boolean)
	case KindBinary:
		return cbor.Marshal(v.binary)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalCBOR dispatches on the CBOR major type of the first byte.
func (v *Value) UnmarshalCBOR(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] >> 5 {
	case 0: // unsigned integer
		var u uint64
		if err := cbor.Unmarshal(data, &u); err != nil {
			return err
		}
		*v = Counter(u)
		return nil
	case 1: // negative integer
		var i int64
		if err := cbor.Unmarshal(data, &i); err != nil {
			return err
		}
		*v = Gauge(float64(i))
		return nil
	case 2: // byte string
		var b []byte
		if err := cbor.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Binary(b)
		return nil
	case 3: // text string
		var s string
		if err := cbor.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	case 4: // array (JSON-originated binary re-encoded as CBOR)
		var nums []uint64
		if err := cbor.Unmarshal(data, &nums); err != nil {
			return err
		}
		bin := make([]byte, len(nums))
		for i, n := range nums {
			if n > 255 {
				return fmt.Errorf("binary element %d out of byte range", n)
			}
			bin[i] = byte(n)
		}
		*v = Binary(bin)
		return nil
	case 7: // float or simple value
		switch data[0] {
		case 0xf4:
			*v = Boolean(false)
			return nil
		case 0xf5:
			*v = Boolean(true)
			return nil
		}
		var f float64
		if err := cbor.Unmarshal(data, &f); err != nil {
			return err
		}
		*v = Gauge(f)
		return nil
	}
	return fmt.Errorf("unsupported CBOR major type %d for value", data[0]>>5)
}

package bus

import (
	"encoding/binary"
	"io"
	"math"
)

// -----------------------------------------------------------------------------
// Kinds
// -----------------------------------------------------------------------------

// Kind identifies an event. The set is closed.
type Kind uint8

const (
	ConnectivityUp Kind = iota
	ConnectivityDown
	DataReceived
	BatteryLow
	BatteryCritical
	BatteryNormal
	ChargingStarted
	ChargingComplete
	ThermalHigh
	ThermalNormal
	DeviceFault
	EnterDeepSleep

	numKinds
)

var kindNames = [numKinds]string{
	ConnectivityUp:   "connectivity_up",
	ConnectivityDown: "connectivity_down",
	DataReceived:     "data_received",
	BatteryLow:       "battery_low",
	BatteryCritical:  "battery_critical",
	BatteryNormal:    "battery_normal",
	ChargingStarted:  "charging_started",
	ChargingComplete: "charging_complete",
	ThermalHigh:      "thermal_high",
	ThermalNormal:    "thermal_normal",
	DeviceFault:      "device_fault",
	EnterDeepSleep:   "enter_deep_sleep",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "unknown"
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool { return k < numKinds }

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// -----------------------------------------------------------------------------
// Payload
// -----------------------------------------------------------------------------

// Tag describes how a payload's bytes are to be read.
type Tag uint8

const (
	TagNone Tag = iota
	TagInt
	TagFloat
	TagBool
	TagText
	TagBinary
)

func (t Tag) String() string {
	switch t {
	case TagInt:
		return "int"
	case TagFloat:
		return "float"
	case TagBool:
		return "bool"
	case TagText:
		return "text"
	case TagBinary:
		return "binary"
	default:
		return "none"
	}
}

// Payload is an immutable, tagged byte buffer. Constructors copy their input
// and no accessor hands out the backing array, so one Payload can be shared
// by every listener of an event.
type Payload struct {
	tag  Tag
	data []byte
}

// NoPayload is the empty payload.
var NoPayload = Payload{}

func IntPayload(v int64) Payload {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return Payload{tag: TagInt, data: b}
}

func FloatPayload(v float64) Payload {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return Payload{tag: TagFloat, data: b}
}

func BoolPayload(v bool) Payload {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	return Payload{tag: TagBool, data: b}
}

func TextPayload(s string) Payload {
	return Payload{tag: TagText, data: []byte(s)}
}

// BinaryPayload copies p. The caller keeps ownership of p.
func BinaryPayload(p []byte) Payload {
	return Payload{tag: TagBinary, data: append([]byte(nil), p...)}
}

func (p Payload) Tag() Tag { return p.tag }
func (p Payload) Len() int { return len(p.data) }

// Int returns the value of an int payload; ok is false for other tags.
func (p Payload) Int() (int64, bool) {
	if p.tag != TagInt || len(p.data) != 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(p.data)), true
}

func (p Payload) Float() (float64, bool) {
	if p.tag != TagFloat || len(p.data) != 8 {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(p.data)), true
}

func (p Payload) Bool() (bool, bool) {
	if p.tag != TagBool || len(p.data) != 1 {
		return false, false
	}
	return p.data[0] != 0, true
}

// Text returns the payload bytes as a string (a copy).
func (p Payload) Text() string { return string(p.data) }

// Bytes returns a copy of the payload bytes.
func (p Payload) Bytes() []byte { return append([]byte(nil), p.data...) }

// CopyTo copies the payload into dst and returns the count.
func (p Payload) CopyTo(dst []byte) int { return copy(dst, p.data) }

// WriteTo writes the payload to w without copying. io.Writer implementations
// must not retain or modify the slice.
func (p Payload) WriteTo(w io.Writer) (int64, error) {
	if len(p.data) == 0 {
		return 0, nil
	}
	n, err := w.Write(p.data)
	return int64(n), err
}

// -----------------------------------------------------------------------------
// Event
// -----------------------------------------------------------------------------

// Event is what Publish delivers. It is passed by value; the payload's bytes
// are shared and read-only.
type Event struct {
	Kind    Kind
	Payload Payload
}

// NewEvent builds an event with an optional payload.
func NewEvent(k Kind, p ...Payload) Event {
	ev := Event{Kind: k}
	if len(p) > 0 {
		ev.Payload = p[0]
	}
	return ev
}

package stream

import (
	"strconv"
	"time"
)

// Kind classifies a line.
type Kind string

const (
	KindPlain Kind = "plain"
	KindData  Kind = "data"
	KindState Kind = "state"
)

// Value is one key=value pair of a DATA line, in line order.
type Value struct {
	Key string
	Raw string
}

// Number reports the value as a float when it parses as one.
func (v Value) Number() (float64, bool) {
	f, err := strconv.ParseFloat(v.Raw, 64)
	return f, err == nil
}

// Record is the structured view of one cleaned line.
type Record struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Kind Kind      `json:"type"`
	Line string    `json:"line"`

	// DeviceTime is the timestamp printed by the firmware, if any.
	DeviceTime string `json:"ts,omitempty"`

	State  string         `json:"state,omitempty"`
	Values map[string]any `json:"values,omitempty"`

	Level   string `json:"level,omitempty"`
	Module  string `json:"module,omitempty"`
	Message string `json:"message,omitempty"`

	// Reset marks a boot banner: the target restarted.
	Reset bool `json:"reset,omitempty"`

	fields []Value
}

// Fields returns the key=value pairs of a data record in line order.
func (r Record) Fields() []Value { return r.fields }

func (r *Record) setFields(fields []Value) {
	r.fields = fields
	r.Values = make(map[string]any, len(fields))
	for _, f := range fields {
		if n, ok := f.Number(); ok {
			r.Values[f.Key] = n
		} else {
			r.Values[f.Key] = f.Raw
		}
	}
}

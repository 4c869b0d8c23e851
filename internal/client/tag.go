// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package client is the per-process bus runtime: spec.md section 4.3. It
// owns a singleton tag registry, a reconnect-aware writer, and the
// callback fan-out that suppresses echo between the local process and
// the broker.
package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jamie0walton/pymscada-sub000/pkg/log"
	"github.com/jamie0walton/pymscada-sub000/pkg/wire"
)

// Kind is a tag's declared payload type, fixed at creation.
type Kind = wire.Type

const (
	KindInt   = wire.TypeINT
	KindFloat = wire.TypeFLOAT
	KindStr   = wire.TypeSTR
	KindBytes = wire.TypeBYTES
	KindJSON  = wire.TypeJSON
)

// Callback is invoked synchronously, on the caller's goroutine, whenever
// a tag's value changes and the change's origin does not match the
// callback's own bus_id filter.
type Callback func(t *Tag, timeUs uint64, fromBus uint64)

type callbackEntry struct {
	cb    Callback
	busID *uint64 // nil: always invoke, regardless of origin
}

// HistEntry is one in-memory (time_us, value) sample kept when a tag's
// AgeUs is set (spec.md section 3, "age_us").
type HistEntry struct {
	TimeUs uint64
	Value  float64
}

// Tag is the client-side view of a named, typed, singleton cell (spec.md
// section 3). Exactly one Tag exists per name per Runtime.
type Tag struct {
	name string
	kind Kind

	mu sync.Mutex

	id    uint16
	hasID bool

	min, max, deadband *float64
	ageUs              uint64

	value   interface{}
	timeUs  uint64
	fromBus uint64

	history []HistEntry

	callbacks  []callbackEntry
	publishing bool
}

func newTag(name string, kind Kind) *Tag {
	return &Tag{name: name, kind: kind}
}

// Name returns the tag's process-unique name.
func (t *Tag) Name() string { return t.name }

// Kind returns the tag's declared payload type.
func (t *Tag) Kind() Kind { return t.kind }

// ID returns the broker-assigned tag id and whether one has been
// assigned yet.
func (t *Tag) ID() (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id, t.hasID
}

// setID records the broker-assigned id, called once from the runtime's
// inbound ID handler.
func (t *Tag) setID(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = id
	t.hasID = true
}

// Value returns the tag's current value and timestamp.
func (t *Tag) Value() (value interface{}, timeUs uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.timeUs
}

// SetBounds configures numeric clamp/deadband rails. Only meaningful for
// KindInt and KindFloat tags.
func (t *Tag) SetBounds(min, max, deadband *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.min, t.max, t.deadband = min, max, deadband
}

// SetAgeUs enables in-memory history retention: accepted numeric updates
// are appended to t.history, and entries older than time_us-ageUs are
// pruned on each accepted update.
func (t *Tag) SetAgeUs(ageUs uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ageUs = ageUs
}

// History returns a copy of the retained in-memory samples.
func (t *Tag) History() []HistEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HistEntry, len(t.history))
	copy(out, t.history)
	return out
}

// addCallback registers a fan-out entry. busID == nil means "always
// invoke"; the client runtime's own publish-to-broker hook passes a
// non-nil pointer to its identity so it is skipped exactly when a
// change's fromBus already equals that identity (spec.md section 4.3,
// "Callback fan-out & echo suppression").
func (t *Tag) addCallback(busID *uint64, cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callbackEntry{cb: cb, busID: busID})
}

// AddCallback registers an application callback that fires on every
// accepted change regardless of origin.
func (t *Tag) AddCallback(cb Callback) { t.addCallback(nil, cb) }

// coerce converts an arbitrary Go value into the tag's declared
// representation (spec.md section 3, "coercion to declared type").
func (t *Tag) coerce(raw interface{}) (interface{}, error) {
	switch t.kind {
	case KindInt:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			return int64(v), nil
		default:
			return nil, fmt.Errorf("client: tag %q: cannot coerce %T to int", t.name, raw)
		}
	case KindFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("client: tag %q: cannot coerce %T to float", t.name, raw)
		}
	case KindStr:
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("client: tag %q: cannot coerce %T to string", t.name, raw)
		}
		return v, nil
	case KindBytes:
		v, ok := raw.([]byte)
		if !ok {
			return nil, fmt.Errorf("client: tag %q: cannot coerce %T to bytes", t.name, raw)
		}
		return v, nil
	case KindJSON:
		return raw, nil
	default:
		return nil, fmt.Errorf("client: tag %q: unknown kind %v", t.name, t.kind)
	}
}

func numericOf(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Assign applies spec.md section 3's numeric assignment order — coerce,
// clamp, deadband-suppress, commit and publish — then fans the change
// out to registered callbacks, none of which may reassign this same tag
// (spec.md section 3, "no nested assignment ... must fail loudly").
func (t *Tag) Assign(raw interface{}, timeUs uint64, fromBus uint64) error {
	value, err := t.coerce(raw)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.publishing {
		t.mu.Unlock()
		log.Critf("client: reentrant assignment to tag %q from within its own callback", t.name)
	}

	if n, ok := numericOf(value); ok {
		deadbandActive := t.deadband != nil
		if t.min != nil && n <= *t.min {
			value, n = *t.min, *t.min
			if t.kind == KindInt {
				value = int64(*t.min)
			}
			deadbandActive = false
		} else if t.max != nil && n >= *t.max {
			value, n = *t.max, *t.max
			if t.kind == KindInt {
				value = int64(*t.max)
			}
			deadbandActive = false
		}
		if deadbandActive && t.value != nil {
			prev, ok := numericOf(t.value)
			if ok && absf(n-prev) <= *t.deadband {
				t.mu.Unlock()
				return nil
			}
		}
	}

	t.value = value
	t.timeUs = timeUs
	t.fromBus = fromBus

	if t.ageUs > 0 {
		if n, ok := numericOf(value); ok {
			t.history = append(t.history, HistEntry{TimeUs: timeUs, Value: n})
			t.pruneHistory()
		}
	}

	t.publishing = true
	callbacks := append([]callbackEntry(nil), t.callbacks...)
	t.mu.Unlock()

	// Callbacks run unlocked, on the caller's goroutine, so a reentrant
	// Assign from within one of them observes t.publishing == true above
	// instead of deadlocking on t.mu.
	for _, entry := range callbacks {
		if entry.busID != nil && *entry.busID == fromBus {
			continue
		}
		entry.cb(t, timeUs, fromBus)
	}

	t.mu.Lock()
	t.publishing = false
	t.mu.Unlock()
	return nil
}

func (t *Tag) pruneHistory() {
	if t.timeUs < t.ageUs {
		return
	}
	cutoff := t.timeUs - t.ageUs
	i := 0
	for i < len(t.history) && t.history[i].TimeUs < cutoff {
		i++
	}
	if i > 0 {
		t.history = append([]HistEntry(nil), t.history[i:]...)
	}
}

// marshalPayload packs the tag's current value into a wire SET/RTA
// payload, per the Pack* type tags in spec.md section 4.1.
func (t *Tag) marshalPayload() ([]byte, error) {
	t.mu.Lock()
	value := t.value
	kind := t.kind
	t.mu.Unlock()

	switch kind {
	case KindInt:
		v, _ := value.(int64)
		return wire.PackInt(v), nil
	case KindFloat:
		v, _ := value.(float64)
		return wire.PackFloat(v), nil
	case KindStr:
		v, _ := value.(string)
		return wire.PackStr(v), nil
	case KindBytes:
		v, _ := value.([]byte)
		return wire.PackBytes(v), nil
	case KindJSON:
		return wire.PackJSON(value)
	default:
		return nil, fmt.Errorf("client: tag %q: unknown kind %v", t.name, kind)
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// unmarshalDecoded converts a wire.Decoded into the representation
// Assign expects, validating it matches the tag's declared kind (spec.md
// section 3, "Re-declaring with a mismatched type is fatal" extends here
// to inbound frames: a foreign-typed SET for a known tag is a protocol
// error, logged and dropped rather than crashing the process).
func (t *Tag) unmarshalDecoded(d wire.Decoded) (interface{}, error) {
	if d.Type != t.kind {
		return nil, fmt.Errorf("client: tag %q: inbound type %s does not match declared %s", t.name, d.Type, t.kind)
	}
	switch d.Type {
	case KindInt:
		return d.Int, nil
	case KindFloat:
		return d.Float, nil
	case KindStr:
		return d.Str, nil
	case KindBytes:
		return d.Bytes, nil
	case KindJSON:
		var v interface{}
		if err := json.Unmarshal(d.JSON, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("client: tag %q: unknown inbound type %v", t.name, d.Type)
	}
}

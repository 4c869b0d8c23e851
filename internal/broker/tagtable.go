// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package broker

import "sync"

// busTag is the broker-side view of a tag (spec.md section 3, "Bus tag
// (broker-side)"): an opaque byte payload plus provenance. The broker
// never decodes it.
type busTag struct {
	name string
	id   uint16

	mu     sync.Mutex
	value  []byte
	timeUs uint64
	fromBus *connection // authoring connection; nil until first SET
	subs   map[*connection]struct{}
}

func newBusTag(name string, id uint16) *busTag {
	return &busTag{name: name, id: id, subs: make(map[*connection]struct{})}
}

// snapshot returns the current value/timeUs under lock.
func (t *busTag) snapshot() (value []byte, timeUs uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.timeUs
}

// set updates the stored payload, records from as the author, and
// returns the subscribers to fan out to, excluding from (a copy, so the
// caller can iterate without holding the lock), per spec.md section 4.2
// ("SET": update then forward to each *other* subscribed connection).
func (t *busTag) set(value []byte, timeUs uint64, from *connection) []*connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = value
	t.timeUs = timeUs
	t.fromBus = from

	out := make([]*connection, 0, len(t.subs))
	for c := range t.subs {
		if c != from {
			out = append(out, c)
		}
	}
	return out
}

func (t *busTag) subscribe(c *connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[c] = struct{}{}
}

func (t *busTag) unsubscribe(c *connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, c)
}

// author returns the connection that last SET this tag, or nil if none
// has, or if that connection has since disconnected (spec.md section 9,
// open question 3: an author that disconnected yields ERR, not a relay
// to a dead connection).
func (t *busTag) author() *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fromBus == nil || !t.fromBus.isReady() {
		return nil
	}
	return t.fromBus
}

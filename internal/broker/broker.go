// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package broker implements the bus server: spec.md section 4.2. It
// accepts many concurrent TCP connections, assigns tag ids in
// insertion order, routes SET to subscribers, relays RTA to a tag's
// author, and answers LIST/GET, never decoding payload bytes itself.
package broker

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jamie0walton/pymscada-sub000/internal/metrics"
	"github.com/jamie0walton/pymscada-sub000/pkg/log"
	"github.com/jamie0walton/pymscada-sub000/pkg/wire"
)

// Options configures a Broker.
type Options struct {
	Address        string
	Port           int
	SendQueueLen   int  // per-connection outbound queue depth
	SendRatePerSec float64 // 0 disables pacing
}

// Broker is the bus server's tag table plus the set of live connections.
// All tag-table mutation happens under mu; spec.md section 5 requires
// only that the broker's state is never touched by connections directly,
// not that it be single-threaded, so a mutex-guarded shared table (one
// goroutine pair per connection) is the idiomatic Go realization of that
// contract.
type Broker struct {
	cfg     Options
	metrics *metrics.Broker

	mu        sync.Mutex
	tagByName map[string]*busTag
	tagByID   map[uint16]*busTag
	nextID    uint16

	connMu sync.Mutex
	conns  map[*connection]struct{}
	nextConnID uint64

	listener net.Listener
}

// New creates a Broker. m may be nil in tests that do not care
// about Prometheus exposition.
func New(cfg Options, m *metrics.Broker) *Broker {
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = 1024
	}
	return &Broker{
		cfg:       cfg,
		metrics:   m,
		tagByName: make(map[string]*busTag),
		tagByID:   make(map[uint16]*busTag),
		conns:     make(map[*connection]struct{}),
	}
}

// Stats is the JSON body served at /stats.
type Stats struct {
	Connections int `json:"connections"`
	TagsKnown   int `json:"tags_known"`
}

// Stats returns a snapshot of broker-wide counters.
func (b *Broker) Stats() Stats {
	b.connMu.Lock()
	conns := len(b.conns)
	b.connMu.Unlock()

	b.mu.Lock()
	tags := len(b.tagByID)
	b.mu.Unlock()

	return Stats{Connections: conns, TagsKnown: tags}
}

// ListenAndServe binds cfg.Address:cfg.Port and accepts connections until
// ctx is cancelled.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", b.cfg.Address, b.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", addr, err)
	}
	log.Infof("broker: listening on %s", addr)
	return b.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Split out from ListenAndServe so callers (and tests) can supply their
// own listener, e.g. one bound to an ephemeral port.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	b.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("broker: accept: %w", err)
			}
		}
		b.acceptConnection(ctx, c)
	}
}

func (b *Broker) acceptConnection(ctx context.Context, c net.Conn) {
	id := atomic.AddUint64(&b.nextConnID, 1)
	conn := newConnection(b, id, c)

	b.connMu.Lock()
	b.conns[conn] = struct{}{}
	b.connMu.Unlock()
	if b.metrics != nil {
		b.metrics.Connections.Set(float64(len(b.conns)))
	}

	go conn.writeLoop(ctx)
	go conn.readLoop()
}

// forgetConnection removes conn from every tag it subscribed to and from
// the live-connection set. Called exactly once, from connection.close.
func (b *Broker) forgetConnection(conn *connection) {
	conn.mu.Lock()
	tagIDs := make([]uint16, 0, len(conn.subscriptions))
	for id := range conn.subscriptions {
		tagIDs = append(tagIDs, id)
	}
	conn.mu.Unlock()

	b.mu.Lock()
	tags := make([]*busTag, 0, len(tagIDs))
	for _, id := range tagIDs {
		if t, ok := b.tagByID[id]; ok {
			tags = append(tags, t)
		}
	}
	b.mu.Unlock()

	for _, t := range tags {
		t.unsubscribe(conn)
	}

	b.connMu.Lock()
	delete(b.conns, conn)
	n := len(b.conns)
	b.connMu.Unlock()
	if b.metrics != nil {
		b.metrics.Connections.Set(float64(n))
	}
}

func (b *Broker) errDecode() {
	if b.metrics != nil {
		b.metrics.DecodeErrors.Inc()
	}
}

// dispatch processes one reassembled frame per spec.md section 4.2's
// per-command semantics. It never disconnects the connection on a
// decode/lookup failure; it replies ERR and continues (spec.md section 7).
func (b *Broker) dispatch(c *connection, command wire.Command, tagID uint16, timeUs uint64, payload []byte) {
	switch command {
	case wire.CmdID:
		b.handleID(c, timeUs, payload)
	case wire.CmdSUB:
		b.handleSUB(c, tagID, timeUs)
	case wire.CmdUNSUB:
		b.handleUNSUB(c, tagID)
	case wire.CmdGET:
		b.handleGET(c, tagID, timeUs)
	case wire.CmdSET:
		b.handleSET(c, tagID, timeUs, payload)
	case wire.CmdRTA:
		b.handleRTA(c, tagID, timeUs, payload)
	case wire.CmdLIST:
		b.handleLIST(c, timeUs, payload)
	case wire.CmdLOG:
		b.handleLOG(c, payload)
	default:
		b.errDecode()
		c.send(wire.CmdERR, tagID, timeUs, []byte(fmt.Sprintf("unknown command %d", command)))
	}
}

func (b *Broker) lookupByID(tagID uint16) (*busTag, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tagByID[tagID]
	return t, ok
}

func (b *Broker) handleID(c *connection, timeUs uint64, payload []byte) {
	name := string(payload)

	b.mu.Lock()
	t, ok := b.tagByName[name]
	if !ok {
		b.nextID++
		t = newBusTag(name, b.nextID)
		b.tagByName[name] = t
		b.tagByID[t.id] = t
	}
	b.mu.Unlock()
	if b.metrics != nil {
		b.mu.Lock()
		b.metrics.TagsKnown.Set(float64(len(b.tagByID)))
		b.mu.Unlock()
	}

	_, tagTimeUs := t.snapshot()
	c.send(wire.CmdID, t.id, tagTimeUs, []byte(t.name))
}

func (b *Broker) handleSUB(c *connection, tagID uint16, timeUs uint64) {
	t, ok := b.lookupByID(tagID)
	if !ok {
		b.errDecode()
		c.send(wire.CmdERR, tagID, timeUs, []byte(fmt.Sprintf("SUB unknown tag %d", tagID)))
		return
	}
	t.subscribe(c)
	c.mu.Lock()
	c.subscriptions[tagID] = struct{}{}
	c.mu.Unlock()

	value, tagTimeUs := t.snapshot()
	if tagTimeUs != 0 {
		c.send(wire.CmdSET, tagID, tagTimeUs, value)
	}
}

func (b *Broker) handleUNSUB(c *connection, tagID uint16) {
	t, ok := b.lookupByID(tagID)
	if !ok {
		b.errDecode()
		c.send(wire.CmdERR, tagID, 0, []byte(fmt.Sprintf("UNSUB unknown tag %d", tagID)))
		return
	}
	t.unsubscribe(c)
	c.mu.Lock()
	delete(c.subscriptions, tagID)
	c.mu.Unlock()
}

func (b *Broker) handleGET(c *connection, tagID uint16, timeUs uint64) {
	t, ok := b.lookupByID(tagID)
	if !ok {
		b.errDecode()
		c.send(wire.CmdERR, tagID, timeUs, []byte(fmt.Sprintf("GET unknown tag %d", tagID)))
		return
	}
	value, tagTimeUs := t.snapshot()
	c.send(wire.CmdSET, tagID, tagTimeUs, value)
}

func (b *Broker) handleSET(c *connection, tagID uint16, timeUs uint64, payload []byte) {
	t, ok := b.lookupByID(tagID)
	if !ok {
		b.errDecode()
		c.send(wire.CmdERR, tagID, timeUs, []byte(fmt.Sprintf("SET unknown tag %d", tagID)))
		return
	}
	value := append([]byte(nil), payload...)
	subs := t.set(value, timeUs, c)
	for _, sub := range subs {
		sub.send(wire.CmdSET, tagID, timeUs, value)
		if b.metrics != nil {
			b.metrics.FramesForwarded.Inc()
		}
	}
}

func (b *Broker) handleRTA(c *connection, tagID uint16, timeUs uint64, payload []byte) {
	t, ok := b.lookupByID(tagID)
	if !ok {
		b.errDecode()
		c.send(wire.CmdERR, tagID, timeUs, []byte(fmt.Sprintf("RTA unknown tag %d", tagID)))
		return
	}
	author := t.author()
	if author == nil {
		if b.metrics != nil {
			b.metrics.RTAErrored.Inc()
		}
		c.send(wire.CmdERR, tagID, timeUs, []byte(fmt.Sprintf("RTA no author for %s", t.name)))
		return
	}
	author.send(wire.CmdRTA, tagID, timeUs, payload)
	if b.metrics != nil {
		b.metrics.RTARelayed.Inc()
	}
}

func (b *Broker) handleLIST(c *connection, timeUs uint64, payload []byte) {
	b.mu.Lock()
	type entry struct {
		id   uint16
		name string
	}
	entries := make([]entry, 0, len(b.tagByID))
	for id, t := range b.tagByID {
		entries = append(entries, entry{id: id, name: t.name})
	}
	b.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	var names []string
	switch {
	case len(payload) == 0:
		for _, e := range entries {
			t, _ := b.lookupByID(e.id)
			_, tTime := t.snapshot()
			if tTime > timeUs {
				names = append(names, e.name)
			}
		}
	case strings.HasPrefix(string(payload), "^"):
		prefix := string(payload)[1:]
		for _, e := range entries {
			if strings.HasPrefix(e.name, prefix) {
				names = append(names, e.name)
			}
		}
	case strings.HasSuffix(string(payload), "$"):
		suffix := string(payload)[:len(payload)-1]
		for _, e := range entries {
			if strings.HasSuffix(e.name, suffix) {
				names = append(names, e.name)
			}
		}
	default:
		filter := string(payload)
		for _, e := range entries {
			if strings.Contains(e.name, filter) {
				names = append(names, e.name)
			}
		}
	}
	c.send(wire.CmdLIST, 0, timeUs, []byte(strings.Join(names, " ")))
}

func (b *Broker) handleLOG(c *connection, payload []byte) {
	log.Infof("broker: LOG connection=%d %s", c.id, string(payload))
}

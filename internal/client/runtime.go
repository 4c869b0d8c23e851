// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamie0walton/pymscada-sub000/internal/config"
	"github.com/jamie0walton/pymscada-sub000/pkg/log"
	"github.com/jamie0walton/pymscada-sub000/pkg/wire"
)

// RTAHandler answers an inbound Request-To-Author for a tag this
// runtime authors (spec.md section 4.3, inbound "RTA").
type RTAHandler func(tagName string, payload json.RawMessage)

var identitySeq uint64

// pendingPublish is a local write queued because the tag has no broker
// id yet; flushed once ID completes (spec.md section 4.3, "Outbound
// path").
type pendingPublish struct {
	payload []byte
	timeUs  uint64
}

// Runtime is a per-process bus client: a tag registry plus the single
// TCP connection that represents this process on the broker (spec.md
// section 4.3). Exactly one goroutine -- Runtime.readLoop -- decodes
// inbound frames and invokes callbacks; writes are serialized behind
// writeMu so application goroutines may call Set/RTA/List concurrently.
type Runtime struct {
	module   string
	identity uint64

	mu         sync.Mutex
	tagsByName map[string]*Tag
	tagsByID   map[uint16]*Tag
	toPublish  map[string][]pendingPublish
	rtaHandlers map[string]RTAHandler
	tagInfo    map[string]config.TagInfo

	conn    net.Conn
	writeMu sync.Mutex
	reasm   *wire.Reassembler

	listMu      sync.Mutex
	pendingList chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Runtime identified to the broker by module (used only in
// the LOG announce, spec.md section 6, "Operational parameters").
func New(module string, tagInfo map[string]config.TagInfo) *Runtime {
	return &Runtime{
		module:      module,
		identity:    atomic.AddUint64(&identitySeq, 1),
		tagsByName:  make(map[string]*Tag),
		tagsByID:    make(map[uint16]*Tag),
		toPublish:   make(map[string][]pendingPublish),
		rtaHandlers: make(map[string]RTAHandler),
		tagInfo:     tagInfo,
		done:        make(chan struct{}),
	}
}

// GetOrCreate returns the singleton Tag for name, creating it with kind
// if it does not yet exist. A mismatched kind on an existing tag is a
// structural programming error and is fatal (spec.md section 3,
// "Re-declaring with a mismatched type is fatal").
func (r *Runtime) GetOrCreate(name string, kind Kind) *Tag {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tagsByName[name]; ok {
		if t.kind != kind {
			log.Critf("client: tag %q redeclared with kind %s, was %s", name, kind, t.kind)
		}
		return t
	}

	t := newTag(name, kind)
	identity := r.identity
	t.addCallback(&identity, func(tag *Tag, timeUs, fromBus uint64) {
		r.onLocalChange(tag, timeUs)
	})
	r.tagsByName[name] = t

	if r.conn != nil {
		r.announceTag(t)
	}
	return t
}

// RegisterRTAHandler installs the handler invoked when this process
// receives an RTA for tagName (i.e. this process authors that tag).
func (r *Runtime) RegisterRTAHandler(tagName string, h RTAHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtaHandlers[tagName] = h
}

// Start dials the broker, announces this module via LOG, re-registers
// every tag already in the registry (spec.md section 4.3, "The runtime
// must also iterate the existing registry on connect"), and begins the
// read loop. It returns once the connection is established; inbound
// processing continues on a background goroutine until ctx is done or
// Close is called.
func (r *Runtime) Start(ctx context.Context, address string) error {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", address, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.reasm = wire.NewReassembler()
	existing := make([]*Tag, 0, len(r.tagsByName))
	for _, t := range r.tagsByName {
		existing = append(existing, t)
	}
	r.mu.Unlock()

	if err := r.writeFrame(wire.CmdLOG, 0, 0, []byte(fmt.Sprintf("%s connected", r.module))); err != nil {
		return err
	}
	for _, t := range existing {
		r.announceTag(t)
	}

	go func() {
		<-ctx.Done()
		r.Close()
	}()
	go r.readLoop()
	return nil
}

// announceTag sends ID for a freshly created (or just-reconnected) tag;
// SUB follows once the ID reply arrives (handleID).
func (r *Runtime) announceTag(t *Tag) {
	if err := r.writeFrame(wire.CmdID, 0, 0, []byte(t.name)); err != nil {
		log.Warnf("client: announcing tag %q: %v", t.name, err)
	}
}

func (r *Runtime) writeFrame(cmd wire.Command, tagID uint16, timeUs uint64, payload []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return wire.WriteMessage(r.conn, cmd, tagID, timeUs, payload)
}

// Set performs a local write: coerce/clamp/deadband per Tag.Assign, then
// -- if the tag is known to the bus -- emit SET; otherwise queue it for
// flush once ID completes (spec.md section 4.3, "Outbound path").
func (r *Runtime) Set(t *Tag, raw interface{}, timeUs uint64) error {
	if err := t.Assign(raw, timeUs, 0); err != nil {
		return err
	}
	return nil
}

// onLocalChange is t's publish-to-broker callback: registered with
// bus_id = this runtime's identity so it is skipped automatically for
// bus-originated changes (Tag.Assign's callback fan-out), preventing
// echo.
func (r *Runtime) onLocalChange(t *Tag, timeUs uint64) {
	payload, err := t.marshalPayload()
	if err != nil {
		log.Errorf("client: marshal tag %q: %v", t.name, err)
		return
	}
	id, hasID := t.ID()
	if !hasID {
		r.mu.Lock()
		r.toPublish[t.name] = append(r.toPublish[t.name], pendingPublish{payload: payload, timeUs: timeUs})
		r.mu.Unlock()
		return
	}
	if err := r.writeFrame(wire.CmdSET, id, timeUs, payload); err != nil {
		log.Warnf("client: publishing tag %q: %v", t.name, err)
	}
}

// RequestRTA sends an RTA frame for a tag this process does not author,
// carrying an arbitrary JSON request payload.
func (r *Runtime) RequestRTA(t *Tag, timeUs uint64, request interface{}) error {
	payload, err := wire.PackJSON(request)
	if err != nil {
		return err
	}
	id, hasID := t.ID()
	if !hasID {
		return fmt.Errorf("client: tag %q has no broker id yet", t.name)
	}
	return r.writeFrame(wire.CmdRTA, id, timeUs, payload)
}

// List issues a LIST query and blocks for the broker's single reply or
// until timeout elapses.
func (r *Runtime) List(filter string, sinceTimeUs uint64, timeout time.Duration) ([]byte, error) {
	r.listMu.Lock()
	ch := make(chan []byte, 1)
	r.mu.Lock()
	r.pendingList = ch
	r.mu.Unlock()
	defer r.listMu.Unlock()

	if err := r.writeFrame(wire.CmdLIST, 0, sinceTimeUs, []byte(filter)); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("client: LIST timed out")
	}
}

func (r *Runtime) readLoop() {
	for {
		f, err := wire.ReadFrame(r.conn)
		if err != nil {
			log.Infof("client: connection closed: %v", err)
			break
		}
		timeUs, payload, ok := r.reasm.Feed(f)
		if !ok {
			continue
		}
		r.dispatch(f.Header.Command, f.Header.TagID, timeUs, payload)
	}
	r.Close()
}

func (r *Runtime) dispatch(command wire.Command, tagID uint16, timeUs uint64, payload []byte) {
	switch command {
	case wire.CmdID:
		r.handleID(tagID, payload)
	case wire.CmdSET:
		r.handleSET(tagID, timeUs, payload)
	case wire.CmdRTA:
		r.handleRTA(tagID, payload)
	case wire.CmdERR:
		log.Warnf("client: broker ERR tag=%d: %s", tagID, string(payload))
	case wire.CmdLIST:
		r.mu.Lock()
		ch := r.pendingList
		r.pendingList = nil
		r.mu.Unlock()
		if ch != nil {
			ch <- payload
		}
	default:
		log.Warnf("client: unexpected command %s from broker", command)
	}
}

func (r *Runtime) tagByID(tagID uint16) *Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tagsByID[tagID]
}

func (r *Runtime) handleID(tagID uint16, payload []byte) {
	name := string(payload)

	r.mu.Lock()
	t, ok := r.tagsByName[name]
	if !ok {
		r.mu.Unlock()
		log.Warnf("client: ID reply for unregistered tag %q", name)
		return
	}
	r.tagsByID[tagID] = t
	queued := r.toPublish[name]
	delete(r.toPublish, name)
	r.mu.Unlock()

	t.setID(tagID)

	if err := r.writeFrame(wire.CmdSUB, tagID, 0, nil); err != nil {
		log.Warnf("client: subscribing tag %q: %v", name, err)
	}
	for _, p := range queued {
		if err := r.writeFrame(wire.CmdSET, tagID, p.timeUs, p.payload); err != nil {
			log.Warnf("client: flushing queued SET for tag %q: %v", name, err)
		}
	}
}

func (r *Runtime) handleSET(tagID uint16, timeUs uint64, payload []byte) {
	t := r.tagByID(tagID)
	if t == nil {
		log.Warnf("client: SET for unknown tag id %d", tagID)
		return
	}

	if len(payload) == 0 {
		r.mu.Lock()
		info, ok := r.tagInfo[t.name]
		r.mu.Unlock()
		if ok && info.Init != nil {
			if err := t.Assign(info.Init, timeUs, 0); err != nil {
				log.Warnf("client: applying init for tag %q: %v", t.name, err)
			}
		}
		return
	}

	dec, err := wire.Unpack(payload)
	if err != nil {
		log.Warnf("client: decoding SET for tag %q: %v", t.name, err)
		return
	}
	value, err := t.unmarshalDecoded(dec)
	if err != nil {
		log.Warnf("client: %v", err)
		return
	}
	if err := t.Assign(value, timeUs, r.identity); err != nil {
		log.Warnf("client: applying bus SET for tag %q: %v", t.name, err)
	}
}

func (r *Runtime) handleRTA(tagID uint16, payload []byte) {
	t := r.tagByID(tagID)
	if t == nil {
		log.Warnf("client: RTA for unknown tag id %d", tagID)
		return
	}
	r.mu.Lock()
	h, ok := r.rtaHandlers[t.name]
	r.mu.Unlock()
	if !ok {
		log.Infof("client: RTA for tag %q with no registered handler", t.name)
		return
	}
	dec, err := wire.Unpack(payload)
	if err != nil {
		log.Warnf("client: decoding RTA for tag %q: %v", t.name, err)
		return
	}
	h(t.name, dec.JSON)
}

// Close terminates the read loop and releases the connection. It is
// idempotent and leaves the tag registry intact for a subsequent Start
// (spec.md section 4.3, "Reconnect policy").
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

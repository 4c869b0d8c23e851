// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package broker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/jamie0walton/pymscada-sub000/pkg/log"
	"github.com/jamie0walton/pymscada-sub000/pkg/wire"
)

type connState int32

const (
	stateNew connState = iota
	stateReady
	stateClosing
)

// outMsg is one queued frame awaiting this connection's writer goroutine.
type outMsg struct {
	command wire.Command
	tagID   uint16
	timeUs  uint64
	payload []byte
}

// connection is the broker's per-socket state machine (spec.md section
// 4.2, "NEW -> READY -> CLOSING"). A connection owns a bounded outbound
// queue so one slow subscriber can never stall another (spec.md section
// 5, "Broker fairness").
type connection struct {
	id     uint64
	broker *Broker
	conn   net.Conn

	state   atomic.Int32
	out     chan outMsg
	limiter *rate.Limiter
	reasm   *wire.Reassembler

	mu            sync.Mutex
	subscriptions map[uint16]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(b *Broker, id uint64, c net.Conn) *connection {
	conn := &connection{
		id:            id,
		broker:        b,
		conn:          c,
		out:           make(chan outMsg, b.cfg.SendQueueLen),
		reasm:         wire.NewReassembler(),
		subscriptions: make(map[uint16]struct{}),
		done:          make(chan struct{}),
	}
	if b.cfg.SendRatePerSec > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(b.cfg.SendRatePerSec), int(b.cfg.SendRatePerSec)+1)
	}
	conn.state.Store(int32(stateReady))
	return conn
}

func (c *connection) isReady() bool {
	return connState(c.state.Load()) == stateReady
}

// send enqueues a frame for this connection's writer goroutine. It never
// blocks: if the queue is full the connection is treated as a slow
// consumer and moved to CLOSING (spec.md section 7, "Slow consumer").
func (c *connection) send(command wire.Command, tagID uint16, timeUs uint64, payload []byte) {
	if !c.isReady() {
		return
	}
	select {
	case c.out <- outMsg{command: command, tagID: tagID, timeUs: timeUs, payload: payload}:
	default:
		if c.broker.metrics != nil {
			c.broker.metrics.FramesDropped.Inc()
		}
		log.Warnf("broker: connection %d send queue full, disconnecting", c.id)
		c.close()
	}
}

// writeLoop drains c.out to the socket, optionally paced by c.limiter.
func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return
				}
			}
			if err := wire.WriteMessage(c.conn, msg.command, msg.tagID, msg.timeUs, msg.payload); err != nil {
				log.Warnf("broker: connection %d write: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

// readLoop blocks reading frames until the socket errors or EOFs, then
// tears the connection down (spec.md section 4.2 transitions).
func (c *connection) readLoop() {
	for {
		f, err := wire.ReadFrame(c.conn)
		if err != nil {
			break
		}
		timeUs, payload, ok := c.reasm.Feed(f)
		if !ok {
			continue
		}
		c.broker.dispatch(c, f.Header.Command, f.Header.TagID, timeUs, payload)
	}
	c.close()
}

// close tears the connection down exactly once: removes every
// subscription it holds, closes the socket and stops the writer.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosing))
		c.broker.forgetConnection(c)
		close(c.done)
		_ = c.conn.Close()
	})
}

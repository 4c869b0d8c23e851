// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamie0walton/pymscada-sub000/pkg/wire"
)

// testClient is a minimal in-process bus client used only to exercise the
// broker's wire-level behavior.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, time.Second, 5*time.Millisecond)
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(cmd wire.Command, tagID uint16, timeUs uint64, payload []byte) {
	c.t.Helper()
	require.NoError(c.t, wire.WriteMessage(c.conn, cmd, tagID, timeUs, payload))
}

func (c *testClient) recv() wire.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := wire.ReadFrame(c.conn)
	require.NoError(c.t, err)
	return f
}

func startTestBroker(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	b := New(Options{Address: "127.0.0.1", Port: 0, SendQueueLen: 16}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Serve(ctx, ln) }()
	return ln.Addr().String(), func() {
		cancel()
		_ = ln.Close()
	}
}

func TestIDAssignsSequentialIDsAndIsIdempotentByName(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()
	c := dialTestClient(t, addr)

	c.send(wire.CmdID, 0, 0, []byte("plant.pump1.speed"))
	f1 := c.recv()
	assert.Equal(t, wire.CmdID, f1.Header.Command)
	firstID := f1.Header.TagID
	assert.Equal(t, uint16(1), firstID, "ids start at 1 on a fresh broker")
	assert.Equal(t, "plant.pump1.speed", string(f1.Payload))

	c.send(wire.CmdID, 0, 0, []byte("plant.pump1.speed"))
	f2 := c.recv()
	assert.Equal(t, firstID, f2.Header.TagID)

	c.send(wire.CmdID, 0, 0, []byte("plant.pump2.speed"))
	f3 := c.recv()
	assert.Equal(t, firstID+1, f3.Header.TagID, "a new name gets the next id")
}

func TestSetForwardsToOtherSubscribersNotSource(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()
	writer := dialTestClient(t, addr)
	reader := dialTestClient(t, addr)

	writer.send(wire.CmdID, 0, 0, []byte("tag.a"))
	tagID := writer.recv().Header.TagID

	reader.send(wire.CmdID, 0, 0, []byte("tag.a"))
	require.Equal(t, tagID, reader.recv().Header.TagID)

	reader.send(wire.CmdSUB, tagID, 0, nil)

	writer.send(wire.CmdSET, tagID, 1000, wire.PackInt(42))
	f := reader.recv()
	assert.Equal(t, wire.CmdSET, f.Header.Command)
	assert.Equal(t, tagID, f.Header.TagID)
	dec, err := wire.Unpack(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(42), dec.Int)
}

func TestSubReplaysLastValueImmediately(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()
	writer := dialTestClient(t, addr)
	writer.send(wire.CmdID, 0, 0, []byte("tag.b"))
	tagID := writer.recv().Header.TagID
	writer.send(wire.CmdSET, tagID, 5000, wire.PackInt(7))

	reader := dialTestClient(t, addr)
	reader.send(wire.CmdID, 0, 0, []byte("tag.b"))
	require.Equal(t, tagID, reader.recv().Header.TagID)

	reader.send(wire.CmdSUB, tagID, 0, nil)
	f := reader.recv()
	assert.Equal(t, wire.CmdSET, f.Header.Command)
	dec, err := wire.Unpack(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(7), dec.Int)
}

func TestGetUnknownTagReturnsErr(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()
	c := dialTestClient(t, addr)
	c.send(wire.CmdGET, 999, 0, nil)
	f := c.recv()
	assert.Equal(t, wire.CmdERR, f.Header.Command)
}

func TestRTAWithNoAuthorReturnsErr(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()
	c := dialTestClient(t, addr)
	c.send(wire.CmdID, 0, 0, []byte("tag.rta"))
	tagID := c.recv().Header.TagID

	c.send(wire.CmdRTA, tagID, 0, []byte("req"))
	f := c.recv()
	assert.Equal(t, wire.CmdERR, f.Header.Command)
}

func TestRTARelaysToAuthor(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()
	author := dialTestClient(t, addr)
	requester := dialTestClient(t, addr)

	author.send(wire.CmdID, 0, 0, []byte("tag.rta2"))
	tagID := author.recv().Header.TagID
	requester.send(wire.CmdID, 0, 0, []byte("tag.rta2"))
	require.Equal(t, tagID, requester.recv().Header.TagID)

	author.send(wire.CmdSET, tagID, 1, wire.PackInt(1))

	requester.send(wire.CmdRTA, tagID, 0, []byte("do-it"))
	f := author.recv()
	assert.Equal(t, wire.CmdRTA, f.Header.Command)
	assert.Equal(t, "do-it", string(f.Payload))
}

func TestListFiltersByPrefixSuffixAndSubstring(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()
	c := dialTestClient(t, addr)
	for _, name := range []string{"plant.pump1.speed", "plant.pump2.speed", "plant.valve1.open"} {
		c.send(wire.CmdID, 0, 0, []byte(name))
		c.recv()
	}

	c.send(wire.CmdLIST, 0, 0, []byte("^plant.pump"))
	f := c.recv()
	assert.Equal(t, "plant.pump1.speed plant.pump2.speed", string(f.Payload))

	c.send(wire.CmdLIST, 0, 0, []byte("speed$"))
	f = c.recv()
	assert.Equal(t, "plant.pump1.speed plant.pump2.speed", string(f.Payload))

	c.send(wire.CmdLIST, 0, 0, []byte("valve"))
	f = c.recv()
	assert.Equal(t, "plant.valve1.open", string(f.Payload))
}

func TestUnsubStopsForwarding(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()
	writer := dialTestClient(t, addr)
	reader := dialTestClient(t, addr)

	writer.send(wire.CmdID, 0, 0, []byte("tag.c"))
	tagID := writer.recv().Header.TagID
	reader.send(wire.CmdID, 0, 0, []byte("tag.c"))
	require.Equal(t, tagID, reader.recv().Header.TagID)

	reader.send(wire.CmdSUB, tagID, 0, nil)
	reader.send(wire.CmdUNSUB, tagID, 0, nil)

	writer.send(wire.CmdSET, tagID, 10, wire.PackInt(1))
	_ = c2DeadlineRead(t, reader)
}

// c2DeadlineRead asserts that no frame arrives within a short deadline,
// i.e. that unsubscribing genuinely stopped forwarding.
func c2DeadlineRead(t *testing.T, c *testClient) bool {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := wire.ReadFrame(c.conn)
	assert.Error(t, err)
	return err != nil
}

// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamie0walton/pymscada-sub000/internal/broker"
)

// startBroker spins up a real broker on an ephemeral port for
// integration-testing the client runtime against it, the way the two
// halves actually talk in production.
func startBroker(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := broker.New(broker.Options{SendQueueLen: 16}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Serve(ctx, ln) }()
	return ln.Addr().String(), func() {
		cancel()
		_ = ln.Close()
	}
}

func TestRuntimeSetIsVisibleToOtherClient(t *testing.T) {
	addr, shutdown := startBroker(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := New("writer", nil)
	require.NoError(t, writer.Start(ctx, addr))
	defer writer.Close()

	reader := New("reader", nil)
	require.NoError(t, reader.Start(ctx, addr))
	defer reader.Close()

	wTag := writer.GetOrCreate("plant.temp", KindFloat)
	rTag := reader.GetOrCreate("plant.temp", KindFloat)

	received := make(chan float64, 1)
	rTag.AddCallback(func(tag *Tag, timeUs, fromBus uint64) {
		v, _ := tag.Value()
		received <- v.(float64)
	})

	require.Eventually(t, func() bool {
		_, ok := wTag.ID()
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := rTag.ID()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, writer.Set(wTag, 23.5, 1000))

	select {
	case v := <-received:
		assert.Equal(t, 23.5, v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber callback")
	}
}

func TestRuntimeNoEchoBackToBroker(t *testing.T) {
	addr, shutdown := startBroker(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := New("writer", nil)
	require.NoError(t, writer.Start(ctx, addr))
	defer writer.Close()

	reader := New("reader", nil)
	require.NoError(t, reader.Start(ctx, addr))
	defer reader.Close()

	wTag := writer.GetOrCreate("plant.pressure", KindFloat)
	rTag := reader.GetOrCreate("plant.pressure", KindFloat)

	applied := make(chan float64, 4)
	rTag.AddCallback(func(tag *Tag, timeUs, fromBus uint64) {
		v, _ := tag.Value()
		applied <- v.(float64)
	})

	// Any bus-sourced change on the writer side can only come from the
	// reader re-publishing what it received.
	echoed := make(chan float64, 4)
	wTag.AddCallback(func(tag *Tag, timeUs, fromBus uint64) {
		if fromBus != 0 {
			v, _ := tag.Value()
			echoed <- v.(float64)
		}
	})

	require.Eventually(t, func() bool { _, ok := wTag.ID(); return ok }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { _, ok := rTag.ID(); return ok }, time.Second, 5*time.Millisecond)

	require.NoError(t, writer.Set(wTag, 1.5, 1000))
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first propagation")
	}

	// Give the reader's own bus-applied SET a chance to (incorrectly)
	// loop back to the writer; it must not produce a second broker SET.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-applied:
		t.Fatal("reader's bus-sourced update should not have re-published and looped")
	default:
	}
	select {
	case <-echoed:
		t.Fatal("reader re-published its bus-sourced update back to the writer")
	default:
	}
}

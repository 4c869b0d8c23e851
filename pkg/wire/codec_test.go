// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire_test

import (
	"bytes"
	"testing"

	"github.com/jamie0walton/pymscada-sub000/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := wire.Header{Version: wire.Version, Command: wire.CmdSET, TagID: 42, Size: 7, TimeUs: 1700000000000000}
	got, err := wire.UnmarshalHeader(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestUnmarshalHeaderRejectsBadVersion(t *testing.T) {
	buf := wire.Header{Version: 0x02, Command: wire.CmdSET}.Marshal()
	_, err := wire.UnmarshalHeader(buf)
	assert.Error(t, err)
}

func TestWriteMessageEmptyPayloadIsOneFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, wire.CmdGET, 1, 0, nil))
	assert.Equal(t, wire.HeaderSize, buf.Len())

	f, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), f.Header.Size)
	assert.Empty(t, f.Payload)
}

func TestFragmentationRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, wire.MaxLen - 1, wire.MaxLen, wire.MaxLen + 1, 2 * wire.MaxLen, 2*wire.MaxLen + 5000} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}

		var buf bytes.Buffer
		require.NoError(t, wire.WriteMessage(&buf, wire.CmdSET, 42, 123, payload))

		reasm := wire.NewReassembler()
		var (
			gotTime uint64
			gotBody []byte
			done    bool
		)
		for buf.Len() > 0 {
			f, err := wire.ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, wire.CmdSET, f.Header.Command)
			assert.Equal(t, uint16(42), f.Header.TagID)
			if ts, body, ok := reasm.Feed(f); ok {
				gotTime, gotBody, done = ts, body, true
			}
		}
		require.True(t, done, "n=%d", n)
		assert.EqualValues(t, 123, gotTime)
		if n == 0 {
			assert.Empty(t, gotBody)
		} else {
			assert.Equal(t, payload, gotBody)
		}
	}
}

func TestFragmentSizesMatchSpecExample(t *testing.T) {
	// A 200000-byte payload is larger than 3*MaxLen, so it splits into
	// three full MaxLen fragments plus a trailing remainder fragment.
	payload := make([]byte, 200000)
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, wire.CmdSET, 42, 1, payload))

	var sizes []int
	for buf.Len() > 0 {
		f, err := wire.ReadFrame(&buf)
		require.NoError(t, err)
		sizes = append(sizes, int(f.Header.Size))
	}
	assert.Equal(t, []int{wire.MaxLen, wire.MaxLen, wire.MaxLen, 200000 - 3*wire.MaxLen}, sizes)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	dec, err := wire.Unpack(wire.PackInt(-7))
	require.NoError(t, err)
	assert.Equal(t, wire.TypeINT, dec.Type)
	assert.EqualValues(t, -7, dec.Int)

	dec, err = wire.Unpack(wire.PackFloat(23.5))
	require.NoError(t, err)
	assert.Equal(t, wire.TypeFLOAT, dec.Type)
	assert.InDelta(t, 23.5, dec.Float, 1e-9)

	dec, err = wire.Unpack(wire.PackStr("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", dec.Str)

	dec, err = wire.Unpack(wire.PackBytes([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, dec.Bytes)

	packed, err := wire.PackJSON(map[string]int{"a": 1})
	require.NoError(t, err)
	dec, err = wire.Unpack(packed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(dec.JSON))
}

func TestUnpackRejectsUnknownType(t *testing.T) {
	_, err := wire.Unpack([]byte{0xee, 1, 2, 3})
	assert.Error(t, err)
}

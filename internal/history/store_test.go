// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package history

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamie0walton/pymscada-sub000/internal/client"
)

func f64(v float64) *float64 { return &v }

func decodeRecords(t *testing.T, data []byte) ([]uint64, []float64) {
	t.Helper()
	require.Zero(t, len(data)%ItemSize)
	n := len(data) / ItemSize
	times := make([]uint64, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		times[i] = binary.BigEndian.Uint64(data[i*ItemSize : i*ItemSize+8])
		values[i] = math.Float64frombits(binary.BigEndian.Uint64(data[i*ItemSize+8 : i*ItemSize+16]))
	}
	return times, values
}

// TestHistoryWriteAndReadSpecScenario5 reproduces the bus specification's
// literal scenario 5: deadband=0.5 on tag "flow", four appends, of which
// one is suppressed, then a half-open range read.
func TestHistoryWriteAndReadSpecScenario5(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "flow", client.KindFloat, nil, nil, f64(0.5), nil)

	require.NoError(t, s.Append(1000, 10.0))
	require.NoError(t, s.Append(2000, 10.2)) // |10.2-10.0|=0.2 < 0.5, suppressed
	require.NoError(t, s.Append(3000, 11.0)) // |11.0-10.0|=1.0 >= 0.5, retained
	require.NoError(t, s.Append(4000, 15.0)) // retained

	data, err := s.ReadBytes(0, -1)
	require.NoError(t, err)
	times, values := decodeRecords(t, data)
	assert.Equal(t, []uint64{1000, 3000, 4000}, times)
	assert.Equal(t, []float64{10.0, 11.0, 15.0}, values)

	data, err = s.ReadBytes(2500, -1)
	require.NoError(t, err)
	times, values = decodeRecords(t, data)
	assert.Equal(t, []uint64{3000, 4000}, times)
	assert.Equal(t, []float64{11.0, 15.0}, values)
}

func TestReadBytesHalfOpenRightBoundary(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "flow2", client.KindFloat, nil, nil, nil, nil)
	require.NoError(t, s.Append(1000, 1.0))
	require.NoError(t, s.Append(2000, 2.0))
	require.NoError(t, s.Append(3000, 3.0))

	data, err := s.ReadBytes(1000, 3000)
	require.NoError(t, err)
	times, _ := decodeRecords(t, data)
	assert.Equal(t, []uint64{1000, 2000}, times, "end_us is exclusive")
}

func TestClampDisablesDeadbandAtRail(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "level", client.KindFloat, f64(0), f64(100), f64(10), nil)

	require.NoError(t, s.Append(1000, 50.0))
	require.NoError(t, s.Append(2000, 105.0)) // clamps to 100, rail disables deadband for this write only
	require.NoError(t, s.Append(3000, 98.0))  // not at a rail: |98-100|=2 < 10, deadband suppresses it

	data, err := s.ReadBytes(0, -1)
	require.NoError(t, err)
	_, values := decodeRecords(t, data)
	require.Len(t, values, 2)
	assert.Equal(t, 100.0, values[1])
}

func TestChunkAndFileRollBoundaries(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "counter", client.KindInt, nil, nil, nil, nil)

	// Fill exactly one chunk (ItemCount records) to force a roll to disk.
	for i := 0; i < ItemCount; i++ {
		require.NoError(t, s.Append(uint64(i+1)*1000, float64(i)))
	}
	require.Equal(t, 0, s.chunkIdx, "chunk rolled to file at the boundary")
	require.Equal(t, 1, s.chunks)

	data, err := s.ReadBytes(0, -1)
	require.NoError(t, err)
	times, _ := decodeRecords(t, data)
	require.Len(t, times, ItemCount)
	assert.Equal(t, uint64(1000), times[0])
	assert.Equal(t, uint64(ItemCount)*1000, times[ItemCount-1])

	// Fill the rest of the first file (FileChunks chunks in all) so the
	// file counter wraps; the next record then starts a new file.
	for i := ItemCount; i < FileChunks*ItemCount; i++ {
		require.NoError(t, s.Append(uint64(i+1)*1000, float64(i)))
	}
	require.Equal(t, 0, s.chunks, "file chunk counter wrapped at FileChunks")
	require.True(t, s.needNewFile)
	assert.Equal(t, "counter_1000.dat", s.CurrentFile())

	nextTime := uint64(FileChunks*ItemCount+1) * 1000
	require.NoError(t, s.Append(nextTime, 0))
	assert.Equal(t, fmt.Sprintf("counter_%d.dat", nextTime), s.CurrentFile(), "new file named after its first record")
}

func TestFlushPersistsPartialChunk(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "partial", client.KindFloat, nil, nil, nil, nil)
	require.NoError(t, s.Append(1000, 1.5))
	require.NoError(t, s.Append(2000, 2.5))
	require.NoError(t, s.Flush())

	fresh := NewStore(dir, "partial", client.KindFloat, nil, nil, nil, nil)
	data, err := fresh.ReadBytes(0, -1)
	require.NoError(t, err)
	times, values := decodeRecords(t, data)
	assert.Equal(t, []uint64{1000, 2000}, times)
	assert.Equal(t, []float64{1.5, 2.5}, values)
}

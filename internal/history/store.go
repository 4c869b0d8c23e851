// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package history implements the binary history store: spec.md section
// 4.4. Each tracked numeric tag gets its own Store, appending
// deadband/clamp-filtered (time_us, value) records to 16-KiB in-memory
// chunks that roll to disk every 1024 records and start a new file every
// 64 chunks (~1 MiB), the same chunk-chaining shape as the teacher's
// in-memory metric buffer (internal/memorystore/buffer.go).
package history

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/jamie0walton/pymscada-sub000/internal/client"
	"github.com/jamie0walton/pymscada-sub000/internal/metrics"
	"github.com/jamie0walton/pymscada-sub000/pkg/log"
)

const (
	// ItemSize is the fixed width, in bytes, of one history record: an
	// 8-byte big-endian time_us followed by 8 bytes of value.
	ItemSize = 16
	// ItemCount is the number of records held in one in-memory chunk.
	ItemCount = 1024
	// ChunkSize is the byte size of one in-memory chunk (16 KiB).
	ChunkSize = ItemSize * ItemCount
	// FileChunks is the number of full chunks appended to one file
	// before rolling to a new one (~1 MiB per file).
	FileChunks = 64
)

// Store is the append-only, file-backed log for one numeric tag.
type Store struct {
	dir     string
	tagName string
	kind    client.Kind // client.KindInt or client.KindFloat; also the wire packtype

	min, max, deadband *float64

	mu          sync.Mutex
	hasPrev     bool
	prevValue   float64
	chunk       []byte
	chunkIdx    int
	chunks      int
	currentFile string
	needNewFile bool

	metrics *metrics.History
}

// NewStore opens (logically; no file is created until the first record)
// a history store for tagName under dir. kind must be client.KindInt or
// client.KindFloat; any other kind is a configuration error and is
// fatal (spec.md section 7, "History pack error").
func NewStore(dir, tagName string, kind client.Kind, min, max, deadband *float64, m *metrics.History) *Store {
	if kind != client.KindInt && kind != client.KindFloat {
		log.Critf("history: tag %q: history store requires a numeric kind, got %s", tagName, kind)
	}
	return &Store{
		dir:         dir,
		tagName:     tagName,
		kind:        kind,
		min:         min,
		max:         max,
		deadband:    deadband,
		chunk:       make([]byte, 0, ChunkSize),
		needNewFile: true,
		metrics:     m,
	}
}

// CurrentFile returns the name of the file the store is presently
// appending to (empty if nothing has been written yet). Used by the
// archiver to avoid shipping a file mid-write.
func (s *Store) CurrentFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentFile
}

func packRecord(timeUs uint64, value float64, kind client.Kind) []byte {
	buf := make([]byte, ItemSize)
	binary.BigEndian.PutUint64(buf[0:8], timeUs)
	if kind == client.KindInt {
		binary.BigEndian.PutUint64(buf[8:16], uint64(int64(value)))
	} else {
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(value))
	}
	return buf
}

// Append applies the deadband/clamp filter and, if the value is
// retained, packs it into the current chunk, rolling to a new chunk or
// file as the chunk/file counters fill (spec.md section 4.4, "Append
// path").
func (s *Store) Append(timeUs uint64, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := value
	deadbandActive := s.deadband != nil
	switch {
	case s.min != nil && v <= *s.min:
		v = *s.min
		deadbandActive = false
		if s.metrics != nil {
			s.metrics.Clamped.Inc()
		}
	case s.max != nil && v >= *s.max:
		v = *s.max
		deadbandActive = false
		if s.metrics != nil {
			s.metrics.Clamped.Inc()
		}
	}

	if deadbandActive && s.hasPrev && math.Abs(v-s.prevValue) < *s.deadband {
		if s.metrics != nil {
			s.metrics.Suppressed.Inc()
		}
		return nil
	}

	if s.needNewFile {
		s.currentFile = fmt.Sprintf("%s_%d.dat", s.tagName, timeUs)
		s.needNewFile = false
	}

	s.chunk = append(s.chunk, packRecord(timeUs, v, s.kind)...)
	s.chunkIdx += ItemSize
	s.hasPrev, s.prevValue = true, v
	if s.metrics != nil {
		s.metrics.Appends.Inc()
	}

	if s.chunkIdx == ChunkSize {
		if err := s.appendToFile(s.chunk); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.ChunkRolls.Inc()
		}
		s.chunk = s.chunk[:0]
		s.chunkIdx = 0
		s.chunks++
		if s.chunks == FileChunks {
			s.chunks = 0
			s.needNewFile = true
			if s.metrics != nil {
				s.metrics.FileRolls.Inc()
			}
		}
	}
	return nil
}

// Flush appends the partial current chunk to disk and resets the
// chunk/file counters (spec.md section 4.4, invoked on process
// shutdown).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunkIdx == 0 {
		return nil
	}
	if err := s.appendToFile(s.chunk[:s.chunkIdx]); err != nil {
		return err
	}
	s.chunk = s.chunk[:0]
	s.chunkIdx = 0
	s.chunks = 0
	return nil
}

func (s *Store) appendToFile(data []byte) error {
	if s.currentFile == "" {
		return fmt.Errorf("history: tag %q: no current file to append to", s.tagName)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("history: tag %q: mkdir %s: %w", s.tagName, s.dir, err)
	}
	path := filepath.Join(s.dir, s.currentFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history: tag %q: open %s: %w", s.tagName, path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("history: tag %q: write %s: %w", s.tagName, path, err)
	}
	return nil
}

// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package history

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type fileInfo struct {
	path        string
	firstTimeUs uint64
}

func (s *Store) listFiles() ([]fileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := s.tagName + "_"
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".dat") {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".dat")
		ts, err := strconv.ParseUint(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(s.dir, name), firstTimeUs: ts})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].firstTimeUs < files[j].firstTimeUs })
	return files, nil
}

func recordTimeAt(data []byte, i int) uint64 {
	return binary.BigEndian.Uint64(data[i*ItemSize : i*ItemSize+8])
}

// firstAtOrAfter returns the lowest record index whose time_us >= at.
func firstAtOrAfter(data []byte, at uint64) int {
	n := len(data) / ItemSize
	return sort.Search(n, func(i int) bool { return recordTimeAt(data, i) >= at })
}

// ReadBytes returns the contiguous 16-byte records satisfying
// start_us <= time_us < end_us (end_us == -1 meaning open-ended), per
// spec.md section 4.4's half-open range-read semantics. Files are
// enumerated by name, trimmed to the retained range, and the in-memory
// tail chunk is appended last.
func (s *Store) ReadBytes(startUs uint64, endUs int64) ([]byte, error) {
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}

	keepFrom := 0
	for i, f := range files {
		if f.firstTimeUs <= startUs {
			keepFrom = i
		} else {
			break
		}
	}
	files = files[keepFrom:]

	if endUs != -1 {
		cut := len(files)
		for i, f := range files {
			if f.firstTimeUs > uint64(endUs) {
				cut = i
				break
			}
		}
		files = files[:cut]
	}

	var out []byte
	for i, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, err
		}
		lo, hi := 0, len(data)/ItemSize
		if i == 0 {
			lo = firstAtOrAfter(data, startUs)
		}
		if endUs != -1 && i == len(files)-1 {
			hi = firstAtOrAfter(data, uint64(endUs))
		}
		if lo < hi {
			out = append(out, data[lo*ItemSize:hi*ItemSize]...)
		}
	}

	s.mu.Lock()
	memChunk := append([]byte(nil), s.chunk[:s.chunkIdx]...)
	s.mu.Unlock()

	lo := firstAtOrAfter(memChunk, startUs)
	hi := len(memChunk) / ItemSize
	if endUs != -1 {
		hi = firstAtOrAfter(memChunk, uint64(endUs))
	}
	if lo < hi {
		out = append(out, memChunk[lo*ItemSize:hi*ItemSize]...)
	}

	if s.metrics != nil {
		s.metrics.BytesRead.Add(float64(len(out)))
	}
	return out, nil
}

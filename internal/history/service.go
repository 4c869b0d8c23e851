// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jamie0walton/pymscada-sub000/internal/client"
	"github.com/jamie0walton/pymscada-sub000/internal/config"
	"github.com/jamie0walton/pymscada-sub000/internal/metrics"
	"github.com/jamie0walton/pymscada-sub000/pkg/log"
)

// historyTagName is the well-known bus tag answering range-read
// requests (spec.md section 4.4, "Bus interface").
const historyTagName = "__history__"

// sentinelLen is the width of the "clean slate" marker sent after every
// answer (spec.md section 4.4: "a six-byte sentinel").
const sentinelLen = 6

// Request is the JSON shape of an inbound range-read RTA (spec.md
// section 4.4).
type Request struct {
	TagName string `json:"tagname"`
	StartUs uint64 `json:"start_us"`
	EndUs   int64  `json:"end_us"`
	RTAID   uint16 `json:"__rta_id__"`
}

// tracked pairs a tag's bus handle with its on-disk store.
type tracked struct {
	tag   *client.Tag
	store *Store
}

// Service is the history daemon: it tracks a fixed set of numeric tags,
// appending every accepted bus value to its Store, and answers
// range-read requests addressed to __history__.
type Service struct {
	runtime    *client.Runtime
	historyTag *client.Tag
	tagsByName map[string]*tracked
	dir        string
	archiver   *Archiver
	metrics    *metrics.History
}

// kindFromTagInfoType maps the configuration file's "int"/"float" to the
// wire/client type tag, which doubles as the __history__ response's
// packtype (spec.md section 4.4: "packtype in {1=int,2=float}").
func kindFromTagInfoType(t string) (client.Kind, error) {
	switch t {
	case "int":
		return client.KindInt, nil
	case "float":
		return client.KindFloat, nil
	default:
		return 0, fmt.Errorf("history: unsupported tag type %q, want int or float", t)
	}
}

// NewService builds tracked tags and their stores from cfg.Tags. Each
// tag's declared kind is validated against cfg at construction time
// (the tag_info static type check in spec.md section 6, "Operational
// parameters" -- a supplement over the source, which discovers tag
// types lazily on first write).
func NewService(runtime *client.Runtime, dir string, tags map[string]config.TagInfo, m *metrics.History) (*Service, error) {
	s := &Service{
		runtime:    runtime,
		tagsByName: make(map[string]*tracked),
		dir:        dir,
		metrics:    m,
	}

	for name, info := range tags {
		kind, err := kindFromTagInfoType(info.Type)
		if err != nil {
			return nil, fmt.Errorf("history: tag %q: %w", name, err)
		}
		tag := runtime.GetOrCreate(name, kind)
		store := NewStore(dir, name, kind, info.Min, info.Max, info.Deadband, m)
		s.tagsByName[name] = &tracked{tag: tag, store: store}

		name, store := name, store // capture per-iteration
		tag.AddCallback(func(t *client.Tag, timeUs, fromBus uint64) {
			v, _ := t.Value()
			n, ok := numericValue(v)
			if !ok {
				log.Warnf("history: tag %q: non-numeric value from bus, dropping", name)
				return
			}
			if err := store.Append(timeUs, n); err != nil {
				log.Errorf("history: tag %q: append: %v", name, err)
			}
		})
	}

	s.historyTag = runtime.GetOrCreate(historyTagName, client.KindBytes)
	runtime.RegisterRTAHandler(historyTagName, s.handleRTA)
	return s, nil
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// SetArchiver attaches cold-archival. Called once at startup when
// config.ArchiveConfig.Enabled().
func (s *Service) SetArchiver(a *Archiver) { s.archiver = a }

// Sweep ships every rolled-off file (i.e. every *.dat file not currently
// being appended to by any tracked tag) to cold storage. It is a no-op
// if no archiver is attached; internal/schedule calls it periodically.
func (s *Service) Sweep(ctx context.Context) error {
	if s.archiver == nil {
		return nil
	}
	skip := make(map[string]bool, len(s.tagsByName))
	for _, tr := range s.tagsByName {
		if f := tr.store.CurrentFile(); f != "" {
			skip[f] = true
		}
	}
	return s.archiver.SweepDir(ctx, s.dir, skip)
}

// Flush flushes every tracked tag's partial chunk to disk (called on
// process shutdown, spec.md section 4.4).
func (s *Service) Flush() {
	for name, tr := range s.tagsByName {
		if err := tr.store.Flush(); err != nil {
			log.Errorf("history: tag %q: flush: %v", name, err)
		}
	}
}

// handleRTA answers one __history__ range-read request: look up the
// tag's store, read the range, and publish the packed response followed
// by the sentinel (spec.md section 4.4, "Bus interface").
func (s *Service) handleRTA(_ string, payload json.RawMessage) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warnf("history: decoding request: %v", err)
		return
	}

	tr, ok := s.tagsByName[req.TagName]
	if !ok {
		log.Warnf("history: request for untracked tag %q", req.TagName)
		return
	}
	tagID, hasID := tr.tag.ID()
	if !hasID {
		log.Warnf("history: tag %q has no broker id yet", req.TagName)
		return
	}

	data, err := tr.store.ReadBytes(req.StartUs, req.EndUs)
	if err != nil {
		log.Errorf("history: tag %q: read_bytes: %v", req.TagName, err)
		return
	}

	header := make([]byte, 6)
	binary.BigEndian.PutUint16(header[0:2], req.RTAID)
	binary.BigEndian.PutUint16(header[2:4], tagID)
	binary.BigEndian.PutUint16(header[4:6], uint16(tr.tag.Kind()))
	response := append(header, data...)

	now := uint64(time.Now().UnixMicro())
	if err := s.runtime.Set(s.historyTag, response, now); err != nil {
		log.Errorf("history: publishing response: %v", err)
		return
	}
	if err := s.runtime.Set(s.historyTag, make([]byte, sentinelLen), now); err != nil {
		log.Errorf("history: publishing sentinel: %v", err)
	}
}

// ClaimAuthorship sets __history__ to the sentinel once at startup so
// this process becomes its bus author before any RTA can arrive (spec.md
// section 4.2, "RTA" is relayed to whichever connection last SET the
// tag).
func (s *Service) ClaimAuthorship() error {
	return s.runtime.Set(s.historyTag, make([]byte, sentinelLen), uint64(time.Now().UnixMicro()))
}

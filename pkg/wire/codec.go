// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the 14-byte fixed frame header described in spec section 4.1.
type Header struct {
	Version byte
	Command Command
	TagID   uint16
	Size    uint16
	TimeUs  uint64
}

// Marshal packs h into a freshly allocated 14-byte slice.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Command)
	binary.BigEndian.PutUint16(buf[2:4], h.TagID)
	binary.BigEndian.PutUint16(buf[4:6], h.Size)
	binary.BigEndian.PutUint64(buf[6:14], h.TimeUs)
	return buf
}

// UnmarshalHeader decodes the first HeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header, got %d bytes, want %d", len(buf), HeaderSize)
	}
	h := Header{
		Version: buf[0],
		Command: Command(buf[1]),
		TagID:   binary.BigEndian.Uint16(buf[2:4]),
		Size:    binary.BigEndian.Uint16(buf[4:6]),
		TimeUs:  binary.BigEndian.Uint64(buf[6:14]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("wire: unsupported version 0x%02x", h.Version)
	}
	return h, nil
}

// Frame is one header plus its payload slice, exactly as seen on the wire
// (i.e. a single fragment, not a reassembled message).
type Frame struct {
	Header  Header
	Payload []byte
}

// WriteMessage writes command/tagID/timeUs/payload to w, splitting payload
// into successive MaxLen-sized fragments when it exceeds MaxLen. The final
// frame always has Size < MaxLen (a trailing empty frame when len(payload)
// is itself a multiple of MaxLen) so Reassembler.Feed can recognize it as
// terminal. A nil or empty payload produces exactly one frame with Size == 0.
func WriteMessage(w io.Writer, command Command, tagID uint16, timeUs uint64, payload []byte) error {
	n := len(payload)
	for i := 0; ; i += MaxLen {
		end := i + MaxLen
		if end > n {
			end = n
		}
		chunk := payload[i:end]
		h := Header{
			Version: Version,
			Command: command,
			TagID:   tagID,
			Size:    uint16(len(chunk)),
			TimeUs:  timeUs,
		}
		if _, err := w.Write(h.Marshal()); err != nil {
			return err
		}
		if len(chunk) > 0 {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
		if len(chunk) < MaxLen {
			return nil
		}
	}
}

// ReadFrame reads exactly one wire frame (header + payload) from r.
func ReadFrame(r io.Reader) (Frame, error) {
	hb := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return Frame{}, err
	}
	h, err := UnmarshalHeader(hb)
	if err != nil {
		return Frame{}, err
	}
	if h.Size == 0 {
		return Frame{Header: h}, nil
	}
	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Reassembler concatenates fragments sharing (command, tagID) into
// complete messages. It is not safe for concurrent use; pair one with
// each connection's single read loop.
type Reassembler struct {
	pending map[reassemblyKey][]byte
}

type reassemblyKey struct {
	command Command
	tagID   uint16
}

// NewReassembler returns a ready-to-use Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[reassemblyKey][]byte)}
}

// Feed adds one received frame. It returns ok == true and the full
// message payload once a non-MaxLen-sized fragment completes the
// sequence for this (command, tagID) pair; otherwise ok is false and
// the fragment is buffered.
func (r *Reassembler) Feed(f Frame) (timeUs uint64, payload []byte, ok bool) {
	key := reassemblyKey{command: f.Header.Command, tagID: f.Header.TagID}
	if f.Header.Size == MaxLen {
		r.pending[key] = append(r.pending[key], f.Payload...)
		return 0, nil, false
	}
	if buffered, has := r.pending[key]; has {
		delete(r.pending, key)
		return f.Header.TimeUs, append(buffered, f.Payload...), true
	}
	return f.Header.TimeUs, f.Payload, true
}

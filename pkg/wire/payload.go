// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// PackInt returns a SET/RTA payload carrying a typed int64.
func PackInt(v int64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(TypeINT)
	binary.BigEndian.PutUint64(buf[1:], uint64(v))
	return buf
}

// PackFloat returns a SET/RTA payload carrying a typed float64.
func PackFloat(v float64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(TypeFLOAT)
	binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v))
	return buf
}

// PackStr returns a SET/RTA payload carrying a typed utf-8 string.
func PackStr(v string) []byte {
	buf := make([]byte, 1+len(v))
	buf[0] = byte(TypeSTR)
	copy(buf[1:], v)
	return buf
}

// PackBytes returns a SET/RTA payload carrying typed opaque bytes.
func PackBytes(v []byte) []byte {
	buf := make([]byte, 1+len(v))
	buf[0] = byte(TypeBYTES)
	copy(buf[1:], v)
	return buf
}

// PackJSON returns a SET/RTA payload carrying a JSON-encoded value
// (used for the list/dict tag types and for RTA requests/replies).
func PackJSON(v interface{}) ([]byte, error) {
	enc, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 1+len(enc))
	buf[0] = byte(TypeJSON)
	copy(buf[1:], enc)
	return buf, nil
}

// Decoded is a typed payload decoded from its wire encoding.
type Decoded struct {
	Type  Type
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	JSON  json.RawMessage
}

// Unpack splits a typed payload into its Type tag and value. It is the
// client runtime's counterpart to the Pack* functions.
func Unpack(payload []byte) (Decoded, error) {
	if len(payload) < 1 {
		return Decoded{}, fmt.Errorf("wire: empty typed payload")
	}
	t := Type(payload[0])
	body := payload[1:]
	switch t {
	case TypeINT:
		if len(body) != 8 {
			return Decoded{}, fmt.Errorf("wire: INT payload wrong length %d", len(body))
		}
		return Decoded{Type: t, Int: int64(binary.BigEndian.Uint64(body))}, nil
	case TypeFLOAT:
		if len(body) != 8 {
			return Decoded{}, fmt.Errorf("wire: FLOAT payload wrong length %d", len(body))
		}
		return Decoded{Type: t, Float: math.Float64frombits(binary.BigEndian.Uint64(body))}, nil
	case TypeSTR:
		return Decoded{Type: t, Str: string(body)}, nil
	case TypeBYTES:
		b := make([]byte, len(body))
		copy(b, body)
		return Decoded{Type: t, Bytes: b}, nil
	case TypeJSON:
		return Decoded{Type: t, JSON: json.RawMessage(body)}, nil
	default:
		return Decoded{}, fmt.Errorf("wire: unknown type tag 0x%02x", payload[0])
	}
}

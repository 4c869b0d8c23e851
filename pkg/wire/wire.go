// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the bus wire protocol: a fixed 14-byte
// big-endian header followed by a payload, with fragmentation for
// payloads over MAX_LEN bytes. See the bus specification, section 4.1.
package wire

// HeaderSize is the fixed size, in bytes, of every frame's header.
const HeaderSize = 14

// MaxLen is the largest payload a single frame may carry. Payloads
// longer than this are split into successive frames sharing the same
// Command and TagID; every non-terminal fragment has Size == MaxLen.
const MaxLen = 65535 - HeaderSize

// Version is the only wire protocol version this package speaks.
const Version byte = 0x01

// Command identifies the purpose of a frame.
type Command byte

const (
	CmdID    Command = 1
	CmdSET   Command = 2
	CmdGET   Command = 3
	CmdRTA   Command = 4
	CmdSUB   Command = 5
	CmdUNSUB Command = 6
	CmdLIST  Command = 7
	CmdERR   Command = 8
	CmdLOG   Command = 9
)

func (c Command) String() string {
	switch c {
	case CmdID:
		return "ID"
	case CmdSET:
		return "SET"
	case CmdGET:
		return "GET"
	case CmdRTA:
		return "RTA"
	case CmdSUB:
		return "SUB"
	case CmdUNSUB:
		return "UNSUB"
	case CmdLIST:
		return "LIST"
	case CmdERR:
		return "ERR"
	case CmdLOG:
		return "LOG"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether c is one of the nine defined commands.
func (c Command) Valid() bool {
	return c >= CmdID && c <= CmdLOG
}

// Type is the leading byte of a SET/RTA payload, identifying how the
// remaining bytes are encoded.
type Type byte

const (
	TypeINT   Type = 1
	TypeFLOAT Type = 2
	TypeSTR   Type = 3
	TypeBYTES Type = 4
	TypeJSON  Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeINT:
		return "INT"
	case TypeFLOAT:
		return "FLOAT"
	case TypeSTR:
		return "STR"
	case TypeBYTES:
		return "BYTES"
	case TypeJSON:
		return "JSON"
	default:
		return "UNKNOWN"
	}
}

// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Provides a simple way of logging with different levels.
// Time/Date are not logged by default because most deployments run
// under systemd, which timestamps for us (flag '-logdate' overrides).
//
// Uses these prefixes: https://www.freedesktop.org/software/systemd/man/sd-daemon.html

var logDateTime bool

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
	CritWriter  io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]    "
	InfoPrefix  string = "<6>[INFO]     "
	WarnPrefix  string = "<4>[WARNING]  "
	ErrPrefix   string = "<3>[ERROR]    "
	CritPrefix  string = "<2>[CRITICAL] "
)

var (
	DebugLog *log.Logger = log.New(DebugWriter, DebugPrefix, 0)
	InfoLog  *log.Logger = log.New(InfoWriter, InfoPrefix, 0)
	WarnLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.Lshortfile)
	ErrLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.Llongfile)
	CritLog  *log.Logger = log.New(CritWriter, CritPrefix, log.Llongfile)

	DebugTimeLog *log.Logger = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	InfoTimeLog  *log.Logger = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	WarnTimeLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	ErrTimeLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
	CritTimeLog  *log.Logger = log.New(CritWriter, CritPrefix, log.LstdFlags|log.Llongfile)
)

// SetLevel discards writers for anything below lvl.
func SetLevel(lvl string) {
	switch lvl {
	case "crit":
		ErrWriter = io.Discard
		fallthrough
	case "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
		// nothing discarded
	default:
		fmt.Fprintf(os.Stderr, "pkg/log: invalid loglevel %q, using 'debug'\n", lvl)
		SetLevel("debug")
	}
}

// SetDateTime switches every logger between stripped-down (systemd adds the
// clock) and the stdlib's `log.LstdFlags` timestamps.
func SetDateTime(logdate bool) {
	logDateTime = logdate
}

func printStr(v ...interface{}) string {
	return fmt.Sprint(v...)
}

func Debug(v ...interface{}) {
	if DebugWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		DebugTimeLog.Output(2, out)
	} else {
		DebugLog.Output(2, out)
	}
}

func Debugf(format string, v ...interface{}) { Debug(fmt.Sprintf(format, v...)) }

func Info(v ...interface{}) {
	if InfoWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		InfoTimeLog.Output(2, out)
	} else {
		InfoLog.Output(2, out)
	}
}

func Infof(format string, v ...interface{}) { Info(fmt.Sprintf(format, v...)) }

func Warn(v ...interface{}) {
	if WarnWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		WarnTimeLog.Output(2, out)
	} else {
		WarnLog.Output(2, out)
	}
}

func Warnf(format string, v ...interface{}) { Warn(fmt.Sprintf(format, v...)) }

func Error(v ...interface{}) {
	if ErrWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		ErrTimeLog.Output(2, out)
	} else {
		ErrLog.Output(2, out)
	}
}

func Errorf(format string, v ...interface{}) { Error(fmt.Sprintf(format, v...)) }

// Crit logs at critical level and exits the process. Reserved for
// structural programming errors (type mismatch, reentrant write) that
// spec.md mandates be fatal to the offending process.
func Crit(v ...interface{}) {
	out := printStr(v...)
	if logDateTime {
		CritTimeLog.Output(2, out)
	} else {
		CritLog.Output(2, out)
	}
	os.Exit(1)
}

func Critf(format string, v ...interface{}) { Crit(fmt.Sprintf(format, v...)) }

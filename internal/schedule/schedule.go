// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schedule runs the history daemon's periodic housekeeping --
// flushing partial chunks to disk and, when configured, shipping
// rolled-off files to cold storage -- on a gocron scheduler, the same
// shape the teacher uses for its background task manager
// (internal/taskmanager/taskManager.go).
package schedule

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/jamie0walton/pymscada-sub000/internal/history"
	"github.com/jamie0walton/pymscada-sub000/pkg/log"
)

// Scheduler owns the history daemon's gocron instance.
type Scheduler struct {
	s gocron.Scheduler
}

// New creates the underlying gocron scheduler but does not start it.
func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{s: s}, nil
}

// RegisterFlush runs svc.Flush every interval (spec.md section 4.4,
// periodic durability flush; SPEC_FULL.md section 2.6's "flush-interval"
// config key).
func (sch *Scheduler) RegisterFlush(svc *history.Service, interval time.Duration) {
	log.Infof("schedule: registering flush service with %s interval", interval)
	_, err := sch.s.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			svc.Flush()
			log.Debugf("schedule: flush took %s", time.Since(start))
		}))
	if err != nil {
		log.Errorf("schedule: registering flush job: %v", err)
	}
}

// RegisterArchiveSweep runs svc.Sweep(ctx) once daily (SPEC_FULL.md
// section 2.8, cold archival). A no-op inside Service.Sweep when no
// archiver is attached, so callers may register this unconditionally.
func (sch *Scheduler) RegisterArchiveSweep(svc *history.Service) {
	log.Info("schedule: registering daily archive sweep")
	_, err := sch.s.NewJob(gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() {
			start := time.Now()
			if err := svc.Sweep(context.Background()); err != nil {
				log.Errorf("schedule: archive sweep: %v", err)
				return
			}
			log.Debugf("schedule: archive sweep took %s", time.Since(start))
		}))
	if err != nil {
		log.Errorf("schedule: registering archive sweep job: %v", err)
	}
}

// Start begins running registered jobs.
func (sch *Scheduler) Start() { sch.s.Start() }

// Shutdown stops the scheduler, waiting for in-flight jobs to finish.
func (sch *Scheduler) Shutdown() error { return sch.s.Shutdown() }

// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command pymscada-history runs the history daemon: spec.md section 4.4.
// It connects to the broker as an ordinary client, tracks a configured
// set of numeric tags, appends every accepted value to a binary store,
// and answers __history__ range-read requests.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jamie0walton/pymscada-sub000/internal/client"
	"github.com/jamie0walton/pymscada-sub000/internal/config"
	"github.com/jamie0walton/pymscada-sub000/internal/history"
	"github.com/jamie0walton/pymscada-sub000/internal/metrics"
	"github.com/jamie0walton/pymscada-sub000/internal/opsapi"
	"github.com/jamie0walton/pymscada-sub000/internal/schedule"
	"github.com/jamie0walton/pymscada-sub000/pkg/log"
)

var version = "dev"

func main() {
	cliInit()

	if flagVersion {
		fmt.Printf("pymscada-history %s\n", version)
		return
	}

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Critf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	config.LoadEnv("./.env")

	cfg, err := config.LoadHistory(flagConfigFile)
	if err != nil {
		log.Critf("loading %s: %v", flagConfigFile, err)
	}
	if flagLogLevel != "info" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogDateTime {
		cfg.LogDate = true
	}
	log.SetLevel(cfg.LogLevel)
	log.SetDateTime(cfg.LogDate)

	flushInterval, err := time.ParseDuration(cfg.FlushInterval)
	if err != nil {
		log.Critf("history: invalid flush-interval %q: %v", cfg.FlushInterval, err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewHistory(reg)

	rt := client.New(cfg.Module, cfg.Tags)
	ctx, cancel := context.WithCancel(context.Background())
	brokerAddr := fmt.Sprintf("%s:%d", cfg.BrokerAddress, cfg.BrokerPort)
	if err := rt.Start(ctx, brokerAddr); err != nil {
		log.Critf("history: connecting to broker at %s: %v", brokerAddr, err)
	}

	svc, err := history.NewService(rt, cfg.Directory, cfg.Tags, m)
	if err != nil {
		log.Critf("history: %v", err)
	}
	if err := svc.ClaimAuthorship(); err != nil {
		log.Critf("history: claiming __history__ authorship: %v", err)
	}

	if cfg.Archive.Enabled() {
		arc, err := history.NewArchiver(cfg.Archive, m)
		if err != nil {
			log.Errorf("history: archive disabled, could not initialize: %v", err)
		} else {
			svc.SetArchiver(arc)
		}
	}

	sch, err := schedule.New()
	if err != nil {
		log.Critf("history: creating scheduler: %v", err)
	}
	sch.RegisterFlush(svc, flushInterval)
	sch.RegisterArchiveSweep(svc)
	sch.Start()

	ops := opsapi.New(cfg.OpsAddr, reg, func() interface{} {
		return struct {
			Tags int `json:"tracked_tags"`
		}{Tags: len(cfg.Tags)}
	})
	opsServer := &http.Server{Addr: cfg.OpsAddr, Handler: ops.Handler()}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("history: ops server listening on %s", cfg.OpsAddr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("history: ops server: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("history: shutting down")

	cancel()
	rt.Close()
	svc.Flush()
	if err := sch.Shutdown(); err != nil {
		log.Warnf("history: scheduler shutdown: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = opsServer.Shutdown(shutdownCtx)

	wg.Wait()
	log.Info("history: graceful shutdown complete")
}

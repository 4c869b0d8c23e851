// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command pymscada-broker runs the bus server: spec.md section 4.2.
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

	"github.com/jamie0walton/pymscada-sub000/internal/broker"
	"github.com/jamie0walton/pymscada-sub000/internal/config"
	"github.com/jamie0walton/pymscada-sub000/internal/metrics"
	"github.com/jamie0walton/pymscada-sub000/internal/opsapi"
	"github.com/jamie0walton/pymscada-sub000/pkg/log"
)

var version = "dev"

func main() {
	cliInit()

	if flagVersion {
		fmt.Printf("pymscada-broker %s\n", version)
		return
	}

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Critf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	config.LoadEnv("./.env")

	cfg, err := config.LoadBroker(flagConfigFile)
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

	reg := prometheus.NewRegistry()
	m := metrics.NewBroker(reg)

	b := broker.New(broker.Options{
		Address:        cfg.Address,
		Port:           cfg.Port,
		SendQueueLen:   cfg.SendQueueLen,
		SendRatePerSec: cfg.SendRatePerSec,
	}, m)

	ops := opsapi.New(cfg.OpsAddr, reg, func() interface{} { return b.Stats() })
	opsServer := &http.Server{Addr: cfg.OpsAddr, Handler: ops.Handler()}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := b.ListenAndServe(ctx); err != nil {
			log.Errorf("broker: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		log.Infof("broker: ops server listening on %s", cfg.OpsAddr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("broker: ops server: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("broker: shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = opsServer.Shutdown(shutdownCtx)

	wg.Wait()
	log.Info("broker: graceful shutdown complete")
}

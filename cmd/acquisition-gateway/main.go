// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command acquisition-gateway runs the industrial data acquisition
// gateway: it loads configuration, opens the repository, starts the
// background stale-session recovery sweep and serves the Lifecycle
// Supervisor HTTP/WS API until signalled to shut down.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/clustercockpit/acquisition-gateway/internal/adapter/mc"
	_ "github.com/clustercockpit/acquisition-gateway/internal/adapter/modbus"
	_ "github.com/clustercockpit/acquisition-gateway/internal/adapter/mqtt"
	"github.com/clustercockpit/acquisition-gateway/internal/bus"
	"github.com/clustercockpit/acquisition-gateway/internal/config"
	"github.com/clustercockpit/acquisition-gateway/internal/lifecycle"
	"github.com/clustercockpit/acquisition-gateway/internal/repository"
	"github.com/clustercockpit/acquisition-gateway/internal/scheduler"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

// recoverySweepInterval is how often the scheduler re-checks for Sessions
// left Running by a crashed prior process, independent of the immediate
// sweep run once at every startup.
const recoverySweepInterval = 5 * time.Minute

func main() {
	var flagConfigFile string
	var flagLogLevel string
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default configuration options by those specified in `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "One of: debug, notice, info, warn, err, crit")
	flag.Parse()

	log.SetLogLevel(flagLogLevel)

	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		log.Fatalf("loading configuration failed: %s", err.Error())
	}

	if _, err := repository.Connect(cfg.DBDriver, cfg.DB, repository.Config{}); err != nil {
		log.Fatalf("connecting to database failed: %s", err.Error())
	}
	if err := repository.MigrateDB(cfg.DBDriver, repository.GetConnection().DB); err != nil {
		log.Fatalf("applying database schema failed: %s", err.Error())
	}

	b, err := bus.Connect(cfg.Bus)
	if err != nil {
		log.Fatalf("connecting to message bus failed: %s", err.Error())
	}

	svc := lifecycle.NewService(
		repository.NewTaskRepository(),
		repository.NewSessionRepository(),
		b,
		cfg.EngineConfig,
	)

	if err := scheduler.Start(svc, recoverySweepInterval); err != nil {
		log.Fatalf("starting scheduler failed: %s", err.Error())
	}

	r := mux.NewRouter()
	lifecycle.NewServer(svc).MountRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedOrigins([]string{"*"}),
	))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("starting http listener failed: %s", err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("lifecycle API listening at %s", cfg.ListenAddr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("lifecycle API server failed: %s", err.Error())
		}
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		log.Info("shutdown signal received, draining lifecycle API")
		server.Shutdown(context.Background())
		if err := scheduler.Shutdown(); err != nil {
			log.Warnf("scheduler shutdown: %s", err)
		}
	}()

	wg.Wait()
	log.Info("graceful shutdown completed")
}

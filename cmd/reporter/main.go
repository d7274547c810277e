/* Copyright (c) 2025 Salvus Warez
 * SPDX-License-Identifier: BSD-3-Clause */
package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/joho/godotenv"

    "github.com/salvuswarez/jira-api/internal/adapters/jira"
    "github.com/salvuswarez/jira-api/internal/adapters/openai"
    "github.com/salvuswarez/jira-api/internal/adapters/telegram"
    "github.com/salvuswarez/jira-api/internal/config"
    httpapi "github.com/salvuswarez/jira-api/internal/http"
    "github.com/salvuswarez/jira-api/internal/jobs"
    "github.com/salvuswarez/jira-api/internal/logger"
    "github.com/salvuswarez/jira-api/internal/repo"
    "github.com/salvuswarez/jira-api/internal/report"
    "github.com/salvuswarez/jira-api/internal/services"
)

func main() {
    _ = godotenv.Load()
    cfg := config.Load()
    log := logger.New(cfg)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    // DB
    db := repo.MustOpen(ctx, cfg, log)
    defer db.Close()

    // Adapters
    jc := jira.NewClient(cfg, log)
    llm := openai.NewClient(cfg, log)
    tg := telegram.NewClient(cfg, log)

    // Services
    repository := repo.NewRepository(db, log)
    writer := report.NewWriter(cfg.ReportDir, log)
    svc := services.New(cfg, log, repository, jc, llm, tg, writer)

    // HTTP server (Gin)
    router := httpapi.NewRouter(cfg, log, svc)

    // Cron
    cr := jobs.NewCron(cfg, log, svc, repository)
    cr.Start()
    defer cr.Stop()

    // graceful shutdown
    errCh := make(chan error, 1)
    go func() { errCh <- router.Run(cfg.HTTPAddr) }()

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

    select {
    case <-sigCh:
        log.Info().Msg("shutting down...")
    case err := <-errCh:
        if err != nil { log.Error().Err(err).Msg("http server error") }
    }

    time.Sleep(500 * time.Millisecond)
}

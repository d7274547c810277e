/* Copyright (c) 2025 Salvus Warez
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
    "context"
    "net/http"
    "strings"

    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/salvuswarez/jira-api/internal/config"
    "github.com/salvuswarez/jira-api/internal/repo"
)

type service interface {
    RunExport(ctx context.Context, forceRefresh bool) error
    ExportReport(ctx context.Context, project, name string, forceRefresh bool) (string, error)
    GetLastRun(ctx context.Context) (*repo.JobRun, error)
}

type Handlers struct {
    cfg config.Config
    log zerolog.Logger
    svc service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc any) *Handlers {
    return &Handlers{cfg: cfg, log: log, svc: svc.(service)}
}

func (h *Handlers) Healthz(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) LastRun(c *gin.Context) {
    lr, err := h.svc.GetLastRun(c.Request.Context())
    if err != nil {
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    if lr == nil {
        c.JSON(http.StatusOK, gin.H{"runs": 0})
        return
    }
    c.JSON(http.StatusOK, lr)
}

func (h *Handlers) RunNow(c *gin.Context) {
    force := c.Query("refresh") != "false"
    // Run in background detached from the HTTP request to avoid context cancellation
    go func(){ _ = h.svc.RunExport(context.Background(), force) }()
    c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handlers) ExportReport(c *gin.Context) {
    name := c.Param("report")
    project := c.Query("project")
    if project == "" && len(h.cfg.JiraProjects) > 0 { project = h.cfg.JiraProjects[0] }
    force := c.Query("refresh") == "true"
    path, err := h.svc.ExportReport(c.Request.Context(), project, name, force)
    if err != nil {
        if strings.Contains(err.Error(), "unknown report") {
            c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
            return
        }
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, gin.H{"file": path})
}

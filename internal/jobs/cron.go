package jobs

import (
    "context"
    "time"

    "github.com/robfig/cron/v3"
    "github.com/rs/zerolog"

    "github.com/salvuswarez/jira-api/internal/config"
    "github.com/salvuswarez/jira-api/internal/repo"
)

type service interface { RunExport(ctx context.Context, forceRefresh bool) error }

type Cron struct {
    cfg  config.Config
    log  zerolog.Logger
    svc  service
    repo *repo.Repository
    c    *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, svc service, r *repo.Repository) *Cron {
    loc, _ := time.LoadLocation(cfg.TZ)
    c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
    cr := &Cron{cfg: cfg, log: log, svc: svc, repo: r, c: c}
    _, _ = c.AddFunc(cfg.ExportCron, cr.export)
    return cr
}

func (cr *Cron) Start(){ cr.c.Start() }
func (cr *Cron) Stop(){ cr.c.Stop() }

func (cr *Cron) export(){
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute); defer cancel()
    ok, err := cr.repo.TryAdvisoryLock(ctx, repo.ExportLockKey)
    if err != nil { cr.log.Error().Err(err).Msg("cron: lock error"); return }
    if !ok { cr.log.Info().Msg("cron: already running elsewhere"); return }
    defer func(){ _ = cr.repo.AdvisoryUnlock(context.Background(), repo.ExportLockKey) }()
    cr.log.Info().Msg("cron: scheduled export")
    // scheduled runs always pull fresh data
    if err := cr.svc.RunExport(ctx, true); err != nil { cr.log.Error().Err(err).Msg("cron: export failed") }
}

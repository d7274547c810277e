package repo

import (
    "context"
    "errors"
    "time"

    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"

    "github.com/salvuswarez/jira-api/internal/config"
    "github.com/salvuswarez/jira-api/internal/domain"
)

type DB struct {
    Pool *pgxpool.Pool
    log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
    pool, err := pgxpool.New(ctx, cfg.DBDSN)
    if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
    ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
    if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
    return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
    db  *DB
    log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

// ExportLockKey serializes scheduled exports across replicas.
const ExportLockKey int64 = 7411

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
    return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
    if !ok && err == nil { return errors.New("advisory unlock returned false") }
    return err
}

func (r *Repository) StartJobRun(ctx context.Context, project string) (int64, error) {
    const q = `INSERT INTO job_runs(started_at, project, success) VALUES(now(), $1, false) RETURNING id`
    var id int64
    if err := r.db.Pool.QueryRow(ctx, q, project).Scan(&id); err != nil { return 0, err }
    return id, nil
}

func (r *Repository) FinishJobRun(ctx context.Context, id int64, issues int, success bool, errStr string) error {
    const q = `UPDATE job_runs SET finished_at=now(), issues=$2, success=$3, error=$4 WHERE id=$1`
    _, err := r.db.Pool.Exec(ctx, q, id, issues, success, errStr)
    return err
}

type JobRun struct {
    StartedAt  time.Time  `json:"started_at"`
    FinishedAt *time.Time `json:"finished_at"`
    Project    string     `json:"project"`
    Issues     int        `json:"issues"`
    Success    bool       `json:"success"`
    Error      string     `json:"error"`
}

func (r *Repository) GetLastRun(ctx context.Context) (*JobRun, error) {
    const q = `SELECT started_at, finished_at, coalesce(project,''),
        coalesce(issues,0), coalesce(success,false), coalesce(error,'')
        FROM job_runs ORDER BY id DESC LIMIT 1`
    row := r.db.Pool.QueryRow(ctx, q)
    jr := &JobRun{}
    if err := row.Scan(&jr.StartedAt, &jr.FinishedAt, &jr.Project, &jr.Issues, &jr.Success, &jr.Error); err != nil {
        if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
        return nil, err
    }
    return jr, nil
}

// UpsertIssueRecords keeps the latest flat record per issue so runs can be
// compared across refreshes without reparsing spreadsheets.
func (r *Repository) UpsertIssueRecords(ctx context.Context, project string, issues []domain.Issue, refreshedAt time.Time) error {
    if len(issues) == 0 { return nil }
    batch := &pgx.Batch{}
    const q = `
        INSERT INTO issue_records(key, project, summary, status, priority, issue_type, is_subtask,
            assignee, reporter, epic_key, created_at_jira, open_days,
            watcher_count, comment_count, linked_issue_count, label_count, vote_count, refreshed_at)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
        ON CONFLICT(key) DO UPDATE SET
            project=EXCLUDED.project,
            summary=EXCLUDED.summary,
            status=EXCLUDED.status,
            priority=EXCLUDED.priority,
            issue_type=EXCLUDED.issue_type,
            is_subtask=EXCLUDED.is_subtask,
            assignee=EXCLUDED.assignee,
            reporter=EXCLUDED.reporter,
            epic_key=EXCLUDED.epic_key,
            created_at_jira=EXCLUDED.created_at_jira,
            open_days=EXCLUDED.open_days,
            watcher_count=EXCLUDED.watcher_count,
            comment_count=EXCLUDED.comment_count,
            linked_issue_count=EXCLUDED.linked_issue_count,
            label_count=EXCLUDED.label_count,
            vote_count=EXCLUDED.vote_count,
            refreshed_at=EXCLUDED.refreshed_at`
    for _, i := range issues {
        rec := i.Record
        batch.Queue(q, rec.Key, project, rec.Summary, rec.CurrentStatus, rec.Priority, rec.IssueType, rec.IsSubtask,
            rec.AssigneeName, rec.ReporterName, rec.EpicKey, rec.CreatedDate, rec.OpenDays,
            rec.WatcherCount, rec.CommentCount, rec.LinkedIssueCount, rec.LabelCount, rec.VoteCount, refreshedAt)
    }
    br := r.db.Pool.SendBatch(ctx, batch)
    defer br.Close()
    for range issues { if _, err := br.Exec(); err != nil { return err } }
    return nil
}

// BulkInsertStatusDurations appends the per-status rollups of one refresh.
// Rows are keyed by refresh time so historical runs stay queryable.
func (r *Repository) BulkInsertStatusDurations(ctx context.Context, project string, issues []domain.Issue, refreshedAt time.Time) error {
    batch := &pgx.Batch{}
    const q = `INSERT INTO status_durations(key, project, status, days, hours, minutes, refreshed_at)
        VALUES($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (key, status, refreshed_at) DO NOTHING`
    n := 0
    for _, i := range issues {
        for st, d := range i.TimeInStatus {
            batch.Queue(q, i.Key(), project, st, d.Days, d.Hours, d.Minutes, refreshedAt)
            n++
        }
    }
    if n == 0 { return nil }
    br := r.db.Pool.SendBatch(ctx, batch)
    defer br.Close()
    for j := 0; j < n; j++ { if _, err := br.Exec(); err != nil { return err } }
    return nil
}

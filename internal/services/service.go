/* Copyright (c) 2025 Salvus Warez
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "fmt"
    "regexp"
    "strings"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "github.com/salvuswarez/jira-api/internal/config"
    "github.com/salvuswarez/jira-api/internal/domain"
    "github.com/salvuswarez/jira-api/internal/intervals"
    "github.com/salvuswarez/jira-api/internal/repo"
    "github.com/salvuswarez/jira-api/internal/report"
)

type JiraClient interface {
    Search(ctx context.Context, jql string, startAt, max int) (map[string]any, error)
    Issue(ctx context.Context, key string, expandChangelog bool) (map[string]any, error)
    Comments(ctx context.Context, key string, startAt, max int) (map[string]any, error)
    Changelog(ctx context.Context, key string, startAt, max int) (map[string]any, error)
    Watchers(ctx context.Context, key string) (map[string]any, error)
}

type LLM interface {
    Summarize(ctx context.Context, project string, stats map[string]any) (string, error)
}

type Notifier interface {
    SendMessage(ctx context.Context, chatID int64, text string) error
    SendMessagePlain(ctx context.Context, chatID int64, text string) error
}

// Snapshot is one fully derived view of a project: every issue with its
// history, per-status durations, and open-day counts, all evaluated against
// the same instant.
type Snapshot struct {
    Project     string
    RefreshedAt time.Time
    Issues      []domain.Issue
    Failed      int
}

type Service struct {
    cfg  config.Config
    log  zerolog.Logger
    repo *repo.Repository
    jira JiraClient
    llm  LLM
    tg   Notifier
    rep  *report.Writer

    mu        sync.Mutex
    snapshots map[string]*Snapshot
}

func New(cfg config.Config, log zerolog.Logger, r *repo.Repository, jira JiraClient, llm LLM, tg Notifier, rep *report.Writer) *Service {
    return &Service{cfg: cfg, log: log, repo: r, jira: jira, llm: llm, tg: tg, rep: rep, snapshots: map[string]*Snapshot{}}
}

// Snapshot returns the cached project snapshot, refetching from Jira only
// when forceRefresh is set or nothing is cached yet. Callers asking for
// different reports off the same snapshot share one fetch.
func (s *Service) Snapshot(ctx context.Context, project string, forceRefresh bool) (*Snapshot, error) {
    if strings.TrimSpace(project) == "" { return nil, fmt.Errorf("services: empty project key") }
    s.mu.Lock()
    if !forceRefresh {
        if sn, ok := s.snapshots[project]; ok { s.mu.Unlock(); return sn, nil }
    }
    s.mu.Unlock()

    sn, err := s.fetchProject(ctx, project)
    if err != nil { return nil, err }
    s.mu.Lock()
    s.snapshots[project] = sn
    s.mu.Unlock()
    return sn, nil
}

// fetchProject pulls every issue of a project page by page, then derives
// each issue's history metrics on a bounded worker pool. Issues that fail
// to build are logged and dropped; the rest of the snapshot survives.
func (s *Service) fetchProject(ctx context.Context, project string) (*Snapshot, error) {
    jql := s.cfg.JiraDefaultJQL
    if strings.TrimSpace(jql) == "" { jql = fmt.Sprintf("project = %s ORDER BY key ASC", project) }

    pageSize := s.cfg.PageSize
    if pageSize <= 0 { pageSize = 100 }
    var raw []map[string]any
    startAt := 0
    for {
        page, err := s.jira.Search(ctx, jql, startAt, pageSize)
        if err != nil { return nil, fmt.Errorf("services: search %s: %w", project, err) }
        arr, _ := page["issues"].([]any)
        if len(arr) == 0 { break }
        for _, it := range arr { if im, _ := it.(map[string]any); im != nil { raw = append(raw, im) } }
        total := 0
        if t, ok := page["total"].(float64); ok { total = int(t) }
        startAt += len(arr)
        if total > 0 && startAt >= total { break }
        if len(arr) < pageSize { break }
    }

    now := time.Now().UTC()
    workerCount := s.cfg.WorkersJira
    if workerCount <= 0 { workerCount = 6 }
    type result struct { issue *domain.Issue; key string; err error }
    jobs := make(chan map[string]any)
    results := make(chan result)
    for w := 0; w < workerCount; w++ {
        go func() {
            for im := range jobs {
                iss, err := s.buildIssue(ctx, im, now)
                results <- result{issue: iss, key: toStrAny(im["key"]), err: err}
            }
        }()
    }
    go func(){ for _, im := range raw { jobs <- im }; close(jobs) }()

    sn := &Snapshot{Project: project, RefreshedAt: now}
    for i := 0; i < len(raw); i++ {
        r := <-results
        if r.err != nil {
            sn.Failed++
            s.log.Error().Err(r.err).Str("key", r.key).Msg("issue aggregation failed, excluded from snapshot")
            continue
        }
        sn.Issues = append(sn.Issues, *r.issue)
    }
    s.log.Info().Str("project", project).Int("issues", len(sn.Issues)).Int("failed", sn.Failed).Msg("snapshot built")
    return sn, nil
}

// buildIssue turns one search hit into a fully derived issue: full fields,
// ordered change history, comments, watchers, and the three history-derived
// measures. A malformed changelog timestamp fails the whole issue.
func (s *Service) buildIssue(ctx context.Context, im map[string]any, now time.Time) (*domain.Issue, error) {
    key := toStrAny(im["key"])
    if key == "" { return nil, fmt.Errorf("services: issue without key") }

    full, err := s.jira.Issue(ctx, key, true)
    if err != nil { return nil, fmt.Errorf("services: fetch %s: %w", key, err) }
    fields, _ := full["fields"].(map[string]any)
    if fields == nil { return nil, fmt.Errorf("services: issue %s without fields", key) }

    issue := &domain.Issue{TimeInStatus: map[string]domain.StatusDuration{}}
    issue.Record = buildRecord(key, fields, now)
    history, err := s.fetchHistory(ctx, key, full)
    if err != nil { return nil, err }
    issue.History = history
    issue.Labels = buildLabels(fields)
    issue.Components = buildComponents(fields)
    issue.Links = buildLinks(fields)

    comments, err := s.fetchComments(ctx, key)
    if err != nil { return nil, err }
    issue.Comments = comments
    issue.Record.CommentCount = len(comments)
    if n := len(comments); n > 0 {
        issue.Record.LatestComment = cleanHTML(comments[n-1].Body)
        issue.Record.LatestCommentAt = comments[n-1].At
    }

    watchers, err := s.fetchWatchers(ctx, key)
    if err != nil { return nil, err }
    issue.Watchers = watchers
    issue.Record.WatcherCount = len(watchers)
    issue.Record.LabelCount = len(issue.Labels)
    issue.Record.LinkedIssueCount = len(issue.Links)

    // derive the three history measures against one shared instant
    if err := intervals.AssignIntervals(issue.History, now); err != nil {
        return nil, fmt.Errorf("services: intervals %s: %w", key, err)
    }
    tis, err := intervals.TimeInStatus(issue.History, now)
    if err != nil { return nil, fmt.Errorf("services: time in status %s: %w", key, err) }
    issue.TimeInStatus = tis
    openDays, err := intervals.OpenDays(issue.History, s.cfg.OpenStatuses, s.cfg.OpenDaysOffset, now)
    if err != nil { return nil, fmt.Errorf("services: open days %s: %w", key, err) }
    issue.Record.OpenDays = openDays
    return issue, nil
}

func buildRecord(key string, fields map[string]any, now time.Time) domain.IssueRecord {
    rec := domain.IssueRecord{Key: key}
    rec.Summary = toStrAny(fields["summary"])
    rec.CreatedDate = parseTimeUTC(fields["created"])
    if st, ok := fields["status"].(map[string]any); ok { rec.CurrentStatus = toStrAny(st["name"]) }
    if pr, ok := fields["priority"].(map[string]any); ok { rec.Priority = toStrAny(pr["name"]) }
    if pj, ok := fields["project"].(map[string]any); ok {
        rec.ProjectKey = toStrAny(pj["key"])
        rec.ProjectName = toStrAny(pj["name"])
    }
    if it, ok := fields["issuetype"].(map[string]any); ok {
        rec.IssueType = toStrAny(it["name"])
        if b, ok := it["subtask"].(bool); ok { rec.IsSubtask = b }
    }
    if as, ok := fields["assignee"].(map[string]any); ok {
        rec.AssigneeName = toStrAny(as["displayName"])
        rec.AssigneeKey = toStrAny(as["accountId"])
        if rec.AssigneeKey == "" { rec.AssigneeKey = toStrAny(as["name"]) }
    }
    if rp, ok := fields["reporter"].(map[string]any); ok {
        rec.ReporterName = toStrAny(rp["displayName"])
        rec.ReporterKey = toStrAny(rp["accountId"])
        if rec.ReporterKey == "" { rec.ReporterKey = toStrAny(rp["name"]) }
    }
    if cr, ok := fields["creator"].(map[string]any); ok {
        rec.CreatorName = toStrAny(cr["displayName"])
        rec.CreatorKey = toStrAny(cr["accountId"])
        if rec.CreatorKey == "" { rec.CreatorKey = toStrAny(cr["name"]) }
    }
    if pg, ok := fields["progress"].(map[string]any); ok {
        if v, ok := pg["progress"].(float64); ok { rec.Progress = int64(v) }
        if v, ok := pg["total"].(float64); ok { rec.ProgressTotal = int64(v) }
    }
    if ap, ok := fields["aggregateprogress"].(map[string]any); ok {
        if v, ok := ap["progress"].(float64); ok { rec.AggProgress = int64(v) }
        if v, ok := ap["total"].(float64); ok { rec.AggProgressTotal = int64(v) }
    }
    if vt, ok := fields["votes"].(map[string]any); ok {
        if v, ok := vt["votes"].(float64); ok { rec.VoteCount = int(v) }
    }
    if ep, ok := fields["epic"].(map[string]any); ok { rec.EpicKey = toStrAny(ep["key"]) }
    if rec.EpicKey == "" { rec.EpicKey = toStrAny(fields["customfield_10014"]) }
    if rec.CreatedDate != nil { rec.AgeText = humanAge(*rec.CreatedDate, now) }
    return rec
}

// fetchHistory flattens the expanded changelog into ordered change events.
// The expand=changelog payload carries at most one page of histories, so
// when its total says more exist the remainder is paged in through the
// changelog endpoint; a truncated history would understate every duration
// derived from it.
func (s *Service) fetchHistory(ctx context.Context, key string, full map[string]any) ([]domain.ChangeEvent, error) {
    ch, _ := full["changelog"].(map[string]any)
    if ch == nil { return nil, nil }
    hs, _ := ch["histories"].([]any)
    events := historyEvents(key, hs)
    total := 0
    if t, ok := ch["total"].(float64); ok { total = int(t) }
    startAt := len(hs)
    for total > startAt {
        page, err := s.jira.Changelog(ctx, key, startAt, 100)
        if err != nil { return nil, fmt.Errorf("services: changelog %s: %w", key, err) }
        // cloud serves the page under "values", server under "histories"
        vals, _ := page["values"].([]any)
        if len(vals) == 0 { vals, _ = page["histories"].([]any) }
        if len(vals) == 0 { break }
        events = append(events, historyEvents(key, vals)...)
        startAt += len(vals)
        if t, ok := page["total"].(float64); ok && int(t) > 0 { total = int(t) }
    }
    return events, nil
}

// historyEvents converts one page of changelog histories, timestamps
// reformatted to the minute-resolution layout the calculators consume.
func historyEvents(key string, hs []any) []domain.ChangeEvent {
    events := make([]domain.ChangeEvent, 0, len(hs))
    for _, h0 := range hs {
        hv, _ := h0.(map[string]any)
        if hv == nil { continue }
        ts := ""
        if at := parseTimeUTC(hv["created"]); at != nil { ts = at.Format(domain.TimestampLayout) } else { ts = toStrAny(hv["created"]) }
        author := ""
        if a, ok := hv["author"].(map[string]any); ok { author = toStrAny(a["displayName"]) }
        items, _ := hv["items"].([]any)
        for _, it0 := range items {
            itm, _ := it0.(map[string]any)
            if itm == nil { continue }
            events = append(events, domain.ChangeEvent{
                IssueKey:  key,
                UpdatedAt: ts,
                Field:     toStrAny(itm["field"]),
                OldValue:  toStrAny(itm["fromString"]),
                NewValue:  toStrAny(itm["toString"]),
                Author:    author,
            })
        }
    }
    return events
}

func buildLabels(fields map[string]any) []string {
    var labels []string
    if lv, ok := fields["labels"].([]any); ok {
        for _, x := range lv { if s, ok := x.(string); ok { labels = append(labels, s) } }
    }
    return labels
}

func buildComponents(fields map[string]any) []domain.Component {
    var comps []domain.Component
    if cv, ok := fields["components"].([]any); ok {
        for _, c0 := range cv {
            if cm, _ := c0.(map[string]any); cm != nil {
                comps = append(comps, domain.Component{ID: toStrAny(cm["id"]), Name: toStrAny(cm["name"])})
            }
        }
    }
    return comps
}

func buildLinks(fields map[string]any) []domain.IssueLink {
    var links []domain.IssueLink
    lv, _ := fields["issuelinks"].([]any)
    for _, l0 := range lv {
        lm, _ := l0.(map[string]any)
        if lm == nil { continue }
        link := domain.IssueLink{LinkID: toStrAny(lm["id"])}
        if t, ok := lm["type"].(map[string]any); ok {
            link.LinkType = toStrAny(t["name"])
            link.InwardDesc = toStrAny(t["inward"])
            link.OutwardDesc = toStrAny(t["outward"])
        }
        if in, ok := lm["inwardIssue"].(map[string]any); ok { link.InwardKey = toStrAny(in["key"]) }
        if out, ok := lm["outwardIssue"].(map[string]any); ok { link.OutwardKey = toStrAny(out["key"]) }
        links = append(links, link)
    }
    return links
}

func (s *Service) fetchComments(ctx context.Context, key string) ([]domain.Comment, error) {
    var out []domain.Comment
    cStart := 0
    for {
        cm, err := s.jira.Comments(ctx, key, cStart, 100)
        if err != nil { return nil, fmt.Errorf("services: comments %s: %w", key, err) }
        carr, _ := cm["comments"].([]any)
        if len(carr) == 0 { break }
        for _, c0 := range carr {
            cmi, _ := c0.(map[string]any)
            if cmi == nil { continue }
            author := ""
            if a, ok := cmi["author"].(map[string]any); ok { author = toStrAny(a["displayName"]) }
            out = append(out, domain.Comment{
                ID:     toStrAny(cmi["id"]),
                Author: author,
                Body:   toStrAny(cmi["body"]),
                At:     parseTimeUTC(cmi["created"]),
            })
        }
        total, _ := cm["total"].(float64)
        startResp, _ := cm["startAt"].(float64)
        maxResp, _ := cm["maxResults"].(float64)
        if total == 0 { break }
        next := int(startResp) + int(maxResp)
        if float64(next) >= total { break }
        cStart = next
    }
    return out, nil
}

func (s *Service) fetchWatchers(ctx context.Context, key string) ([]domain.Watcher, error) {
    wm, err := s.jira.Watchers(ctx, key)
    if err != nil { return nil, fmt.Errorf("services: watchers %s: %w", key, err) }
    warr, _ := wm["watchers"].([]any)
    out := make([]domain.Watcher, 0, len(warr))
    for _, w0 := range warr {
        wi, _ := w0.(map[string]any)
        if wi == nil { continue }
        w := domain.Watcher{
            Key:         toStrAny(wi["accountId"]),
            Name:        toStrAny(wi["name"]),
            Email:       toStrAny(wi["emailAddress"]),
            DisplayName: toStrAny(wi["displayName"]),
        }
        if w.Key == "" { w.Key = toStrAny(wi["key"]) }
        if b, ok := wi["active"].(bool); ok { w.Active = b }
        out = append(out, w)
    }
    return out, nil
}

// RunExport is the scheduled entry point: one snapshot per configured
// project, the full spreadsheet suite written from it, bookkeeping rows
// persisted, and a completion note sent if Telegram is configured.
func (s *Service) RunExport(ctx context.Context, forceRefresh bool) error {
    var firstErr error
    for _, project := range s.cfg.JiraProjects {
        if err := s.exportProject(ctx, project, forceRefresh); err != nil {
            if firstErr == nil { firstErr = err }
            s.log.Error().Err(err).Str("project", project).Msg("export failed")
        }
    }
    return firstErr
}

func (s *Service) exportProject(ctx context.Context, project string, forceRefresh bool) error {
    runID, err := s.repo.StartJobRun(ctx, project)
    if err != nil { s.log.Error().Err(err).Msg("start job run failed") }

    var exportErr error
    var issueCount int
    defer func(){
        if runID != 0 {
            note := ""
            if exportErr != nil { note = exportErr.Error() }
            _ = s.repo.FinishJobRun(ctx, runID, issueCount, exportErr == nil, note)
        }
    }()

    sn, err := s.Snapshot(ctx, project, forceRefresh)
    if err != nil { exportErr = err; return err }
    issueCount = len(sn.Issues)

    files, err := s.rep.WriteAll(project, sn.Issues, sn.RefreshedAt)
    if err != nil { exportErr = err; return err }
    s.log.Info().Str("project", project).Strs("files", files).Msg("reports written")

    if err := s.repo.UpsertIssueRecords(ctx, project, sn.Issues, sn.RefreshedAt); err != nil {
        s.log.Error().Err(err).Str("project", project).Msg("persist issue records failed")
    }
    if err := s.repo.BulkInsertStatusDurations(ctx, project, sn.Issues, sn.RefreshedAt); err != nil {
        s.log.Error().Err(err).Str("project", project).Msg("persist status durations failed")
    }

    s.notify(ctx, project, sn, files)
    return nil
}

func (s *Service) notify(ctx context.Context, project string, sn *Snapshot, files []string) {
    if s.tg == nil || len(s.cfg.TelegramChatIDs) == 0 { return }
    totalOpenDays := 0
    for _, i := range sn.Issues { totalOpenDays += i.Record.OpenDays }
    head := fmt.Sprintf("Report run for %s", project)
    body := fmt.Sprintf(": %d issues (%d failed), %d files, total open days %d",
        len(sn.Issues), sn.Failed, len(files), totalOpenDays)
    msg := head + body
    if s.llm != nil && strings.TrimSpace(s.cfg.OpenAIKey) != "" {
        stats := map[string]any{
            "issues":          len(sn.Issues),
            "failed":          sn.Failed,
            "total_open_days": totalOpenDays,
            "refreshed_at":    sn.RefreshedAt.Format(time.RFC3339),
        }
        if sum, err := s.llm.Summarize(ctx, project, stats); err == nil && sum != "" {
            msg += "\n\n" + sum
        } else if err != nil {
            s.log.Error().Err(err).Msg("summary generation failed")
        }
    }
    md := "*" + head + "*" + strings.TrimPrefix(msg, head)
    for _, chat := range s.cfg.TelegramChatIDs {
        if err := s.tg.SendMessage(ctx, chat, md); err == nil { continue }
        // Markdown parse failures come back as 400s; resend without formatting
        if err := s.tg.SendMessagePlain(ctx, chat, msg); err != nil {
            s.log.Error().Err(err).Int64("chat", chat).Msg("telegram send failed")
        }
    }
}

// ExportReport writes a single named report for a project, reusing the
// cached snapshot unless forceRefresh is set.
func (s *Service) ExportReport(ctx context.Context, project, name string, forceRefresh bool) (string, error) {
    sn, err := s.Snapshot(ctx, project, forceRefresh)
    if err != nil { return "", err }
    return s.rep.WriteOne(project, name, sn.Issues, sn.RefreshedAt)
}

func (s *Service) GetLastRun(ctx context.Context) (*repo.JobRun, error) {
    return s.repo.GetLastRun(ctx)
}

// ---- field helpers ----
func parseTimeUTC(v any) *time.Time {
    s, _ := v.(string)
    if s == "" { return nil }
    layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700", "2006-01-02"}
    for _, l := range layouts {
        if t, err := time.Parse(l, s); err == nil {
            tt := t.UTC(); return &tt
        }
    }
    return nil
}

func toStrAny(v any) string {
    if v == nil { return "" }
    if s, ok := v.(string); ok { return s }
    return fmt.Sprintf("%v", v)
}

var tagRe = regexp.MustCompile(`<[^>]+>`)

// cleanHTML strips markup tags from rendered comment bodies so spreadsheet
// cells carry plain text.
func cleanHTML(s string) string {
    if s == "" { return s }
    out := tagRe.ReplaceAllString(s, "")
    out = strings.ReplaceAll(out, "&nbsp;", " ")
    out = strings.ReplaceAll(out, "&amp;", "&")
    out = strings.ReplaceAll(out, "&lt;", "<")
    out = strings.ReplaceAll(out, "&gt;", ">")
    return strings.TrimSpace(out)
}

func humanAge(created, now time.Time) string {
    d := now.Sub(created)
    if d < 0 { d = 0 }
    days := int(d.Hours()) / 24
    hours := int(d.Hours()) % 24
    if days == 0 { return fmt.Sprintf("%dh", hours) }
    return fmt.Sprintf("%dd %dh", days, hours)
}

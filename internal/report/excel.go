/* Copyright (c) 2025 Salvus Warez
 * SPDX-License-Identifier: BSD-3-Clause */
package report

import (
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "time"

    "github.com/rs/zerolog"
    "github.com/xuri/excelize/v2"

    "github.com/salvuswarez/jira-api/internal/domain"
)

const cellTimeLayout = "2006/01/02 15:04"

// Writer renders project snapshots into the spreadsheet suite, one xlsx file
// per report, named <PROJECT>_<Report>.xlsx under the configured directory.
type Writer struct {
    dir string
    log zerolog.Logger
}

func NewWriter(dir string, log zerolog.Logger) *Writer {
    return &Writer{dir: dir, log: log}
}

type reportDef struct {
    name    string
    headers []string
    rows    func(issues []domain.Issue, refresh string) [][]any
}

var reports = []reportDef{
    {"Issues", issueHeaders, issueRows},
    {"ChangeHistory", changeHistoryHeaders, changeHistoryRows},
    {"Comments", commentHeaders, commentRows},
    {"Components", componentHeaders, componentRows},
    {"Labels", labelHeaders, labelRows},
    {"Watchers", watcherHeaders, watcherRows},
    {"IssueLinks", linkHeaders, linkRows},
    {"TimeInStatus", timeInStatusHeaders, timeInStatusRows},
    {"IssueCountTimeSeries", timeSeriesHeaders, timeSeriesRows},
}

// WriteAll renders every report off the same snapshot and returns the file
// paths written. A failure on one report aborts the run so a half-written
// suite is never reported as complete.
func (w *Writer) WriteAll(project string, issues []domain.Issue, refreshedAt time.Time) ([]string, error) {
    if err := os.MkdirAll(w.dir, 0o755); err != nil {
        return nil, fmt.Errorf("report: create dir %s: %w", w.dir, err)
    }
    refresh := refreshedAt.Format(cellTimeLayout)
    files := make([]string, 0, len(reports))
    for _, def := range reports {
        path := filepath.Join(w.dir, fmt.Sprintf("%s_%s.xlsx", project, def.name))
        if err := writeSheet(path, def.headers, def.rows(issues, refresh)); err != nil {
            return files, fmt.Errorf("report: write %s: %w", def.name, err)
        }
        w.log.Debug().Str("file", path).Msg("report written")
        files = append(files, path)
    }
    return files, nil
}

// WriteOne renders a single named report. Unknown names get an error listing
// nothing; callers surface the 404.
func (w *Writer) WriteOne(project, name string, issues []domain.Issue, refreshedAt time.Time) (string, error) {
    for _, def := range reports {
        if def.name != name { continue }
        if err := os.MkdirAll(w.dir, 0o755); err != nil {
            return "", fmt.Errorf("report: create dir %s: %w", w.dir, err)
        }
        path := filepath.Join(w.dir, fmt.Sprintf("%s_%s.xlsx", project, def.name))
        if err := writeSheet(path, def.headers, def.rows(issues, refreshedAt.Format(cellTimeLayout))); err != nil {
            return "", fmt.Errorf("report: write %s: %w", def.name, err)
        }
        return path, nil
    }
    return "", fmt.Errorf("report: unknown report %q", name)
}

// Names lists the reports in the suite, in write order.
func Names() []string {
    out := make([]string, len(reports))
    for i, def := range reports { out[i] = def.name }
    return out
}

func writeSheet(path string, headers []string, rows [][]any) error {
    f := excelize.NewFile()
    defer f.Close()
    sheet := f.GetSheetName(0)
    hdr := make([]any, len(headers))
    for i, h := range headers { hdr[i] = h }
    if err := f.SetSheetRow(sheet, "A1", &hdr); err != nil { return err }
    for i, row := range rows {
        cell, err := excelize.CoordinatesToCellName(1, i+2)
        if err != nil { return err }
        if err := f.SetSheetRow(sheet, cell, &row); err != nil { return err }
    }
    return f.SaveAs(path)
}

func cellTime(t *time.Time) string {
    if t == nil { return "" }
    return t.Format(cellTimeLayout)
}

var issueHeaders = []string{
    "issue_key", "created_date", "summary", "current_status", "priority", "issue_type", "is_subtask",
    "project_key", "project_name", "epic_key",
    "assignee_key", "assignee_name", "reporter_key", "reporter_name", "creator_key", "creator_name",
    "progress", "progress_total", "agg_progress", "agg_progress_total",
    "age", "days_open", "watcher_count", "comment_count", "linked_issue_count", "label_count", "vote_count",
    "latest_comment", "latest_comment_date", "refresh_date",
}

func issueRows(issues []domain.Issue, refresh string) [][]any {
    rows := make([][]any, 0, len(issues))
    for _, i := range issues {
        r := i.Record
        rows = append(rows, []any{
            r.Key, cellTime(r.CreatedDate), r.Summary, r.CurrentStatus, r.Priority, r.IssueType, r.IsSubtask,
            r.ProjectKey, r.ProjectName, r.EpicKey,
            r.AssigneeKey, r.AssigneeName, r.ReporterKey, r.ReporterName, r.CreatorKey, r.CreatorName,
            r.Progress, r.ProgressTotal, r.AggProgress, r.AggProgressTotal,
            r.AgeText, r.OpenDays, r.WatcherCount, r.CommentCount, r.LinkedIssueCount, r.LabelCount, r.VoteCount,
            r.LatestComment, cellTime(r.LatestCommentAt), refresh,
        })
    }
    return rows
}

var changeHistoryHeaders = []string{
    "issue_key", "updated_date", "field", "old_value", "new_value", "author",
    "interval_start", "interval_end", "refresh_date",
}

func changeHistoryRows(issues []domain.Issue, refresh string) [][]any {
    var rows [][]any
    for _, i := range issues {
        for _, e := range i.History {
            start, end := "", ""
            if !e.IntervalStart.IsZero() { start = e.IntervalStart.Format(cellTimeLayout) }
            if !e.IntervalEnd.IsZero() { end = e.IntervalEnd.Format(cellTimeLayout) }
            rows = append(rows, []any{i.Key(), e.UpdatedAt, e.Field, e.OldValue, e.NewValue, e.Author, start, end, refresh})
        }
    }
    return rows
}

var commentHeaders = []string{"issue_key", "comment_id", "author", "body", "created_date", "refresh_date"}

func commentRows(issues []domain.Issue, refresh string) [][]any {
    var rows [][]any
    for _, i := range issues {
        for _, c := range i.Comments {
            rows = append(rows, []any{i.Key(), c.ID, c.Author, c.Body, cellTime(c.At), refresh})
        }
    }
    return rows
}

var componentHeaders = []string{"issue_key", "component_id", "component_name", "refresh_date"}

func componentRows(issues []domain.Issue, refresh string) [][]any {
    var rows [][]any
    for _, i := range issues {
        for _, c := range i.Components {
            rows = append(rows, []any{i.Key(), c.ID, c.Name, refresh})
        }
    }
    return rows
}

var labelHeaders = []string{"issue_key", "label", "refresh_date"}

func labelRows(issues []domain.Issue, refresh string) [][]any {
    var rows [][]any
    for _, i := range issues {
        for _, l := range i.Labels {
            rows = append(rows, []any{i.Key(), l, refresh})
        }
    }
    return rows
}

var watcherHeaders = []string{"issue_key", "watcher_key", "name", "email", "display_name", "active", "refresh_date"}

func watcherRows(issues []domain.Issue, refresh string) [][]any {
    var rows [][]any
    for _, i := range issues {
        for _, w := range i.Watchers {
            rows = append(rows, []any{i.Key(), w.Key, w.Name, w.Email, w.DisplayName, w.Active, refresh})
        }
    }
    return rows
}

var linkHeaders = []string{
    "issue_key", "link_id", "link_type", "inward_desc", "outward_desc", "inward_issue", "outward_issue", "refresh_date",
}

func linkRows(issues []domain.Issue, refresh string) [][]any {
    var rows [][]any
    for _, i := range issues {
        for _, l := range i.Links {
            rows = append(rows, []any{i.Key(), l.LinkID, l.LinkType, l.InwardDesc, l.OutwardDesc, l.InwardKey, l.OutwardKey, refresh})
        }
    }
    return rows
}

var timeInStatusHeaders = []string{"issue_key", "status", "days", "hours", "minutes", "refresh_date"}

func timeInStatusRows(issues []domain.Issue, refresh string) [][]any {
    var rows [][]any
    for _, i := range issues {
        statuses := make([]string, 0, len(i.TimeInStatus))
        for st := range i.TimeInStatus { statuses = append(statuses, st) }
        sort.Strings(statuses)
        for _, st := range statuses {
            d := i.TimeInStatus[st]
            rows = append(rows, []any{i.Key(), st, d.Days, d.Hours, d.Minutes, refresh})
        }
    }
    return rows
}

var timeSeriesHeaders = []string{"date", "status", "issue_count", "refresh_date"}

// timeSeriesRows counts, for each calendar day and status, how many issues
// held that status on that day, derived from the stamped status windows.
func timeSeriesRows(issues []domain.Issue, refresh string) [][]any {
    type dayStatus struct { day, status string }
    counts := map[dayStatus]int{}
    for _, i := range issues {
        for _, e := range i.History {
            if e.IntervalStart.IsZero() || e.IntervalEnd.IsZero() { continue }
            status := e.NewValue
            day := e.IntervalStart.Truncate(24 * time.Hour)
            last := e.IntervalEnd.Truncate(24 * time.Hour)
            for !day.After(last) {
                counts[dayStatus{day.Format("2006/01/02"), status}]++
                day = day.Add(24 * time.Hour)
            }
        }
    }
    keys := make([]dayStatus, 0, len(counts))
    for k := range counts { keys = append(keys, k) }
    sort.Slice(keys, func(a, b int) bool {
        if keys[a].day != keys[b].day { return keys[a].day < keys[b].day }
        return keys[a].status < keys[b].status
    })
    rows := make([][]any, 0, len(keys))
    for _, k := range keys {
        rows = append(rows, []any{k.day, k.status, counts[k], refresh})
    }
    return rows
}

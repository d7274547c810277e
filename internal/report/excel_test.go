package report

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/rs/zerolog"

    "github.com/salvuswarez/jira-api/internal/domain"
)

func sampleIssues() []domain.Issue {
    created := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
    return []domain.Issue{
        {
            Record: domain.IssueRecord{
                Key: "FRD-1", Summary: "stalled feed", CurrentStatus: "In Progress",
                CreatedDate: &created, OpenDays: 3,
            },
            History: []domain.ChangeEvent{
                {
                    IssueKey: "FRD-1", UpdatedAt: "2024/01/01 08:00", Field: "status",
                    OldValue: "Open", NewValue: "In Progress",
                    IntervalStart: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
                    IntervalEnd:   time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC),
                },
            },
            Labels: []string{"feed"},
            TimeInStatus: map[string]domain.StatusDuration{
                "in progress": {Days: 2},
            },
        },
    }
}

func TestWriteAll_WritesEveryReport(t *testing.T) {
    dir := t.TempDir()
    w := NewWriter(dir, zerolog.Nop())
    files, err := w.WriteAll("FRD", sampleIssues(), time.Date(2024, 1, 5, 6, 0, 0, 0, time.UTC))
    if err != nil { t.Fatalf("WriteAll: %v", err) }
    if len(files) != len(Names()) {
        t.Fatalf("wrote %d files, want %d", len(files), len(Names()))
    }
    for _, f := range files {
        if _, err := os.Stat(f); err != nil { t.Fatalf("missing file %s: %v", f, err) }
    }
    want := filepath.Join(dir, "FRD_TimeInStatus.xlsx")
    found := false
    for _, f := range files { if f == want { found = true } }
    if !found { t.Fatalf("expected %s in %v", want, files) }
}

func TestWriteOne_UnknownReport(t *testing.T) {
    w := NewWriter(t.TempDir(), zerolog.Nop())
    if _, err := w.WriteOne("FRD", "Nope", nil, time.Now()); err == nil {
        t.Fatal("expected error for unknown report name")
    }
}

func TestTimeSeriesRows_CountsDaysPerStatusWindow(t *testing.T) {
    rows := timeSeriesRows(sampleIssues(), "2024/01/05 06:00")
    if len(rows) != 3 {
        t.Fatalf("expected one row per covered day, got %d: %v", len(rows), rows)
    }
    if rows[0][0] != "2024/01/01" || rows[0][1] != "In Progress" || rows[0][2] != 1 {
        t.Fatalf("first row = %v", rows[0])
    }
    if rows[2][0] != "2024/01/03" {
        t.Fatalf("last covered day = %v", rows[2][0])
    }
}

func TestIssueRows_CarriesRefreshDate(t *testing.T) {
    rows := issueRows(sampleIssues(), "2024/01/05 06:00")
    if len(rows) != 1 { t.Fatalf("expected 1 row, got %d", len(rows)) }
    row := rows[0]
    if row[0] != "FRD-1" { t.Fatalf("key cell = %v", row[0]) }
    if row[len(row)-1] != "2024/01/05 06:00" {
        t.Fatalf("refresh cell = %v", row[len(row)-1])
    }
    if len(row) != len(issueHeaders) {
        t.Fatalf("row width %d != header width %d", len(row), len(issueHeaders))
    }
}

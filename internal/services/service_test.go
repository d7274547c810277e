package services

import (
    "context"
    "errors"
    "strings"
    "testing"
    "time"

    "github.com/rs/zerolog"

    "github.com/salvuswarez/jira-api/internal/config"
)

type fakeJira struct {
    pages []map[string]any
    calls []int
}

func (f *fakeJira) Search(ctx context.Context, jql string, startAt, max int) (map[string]any, error) {
    return map[string]any{}, nil
}

func (f *fakeJira) Issue(ctx context.Context, key string, expandChangelog bool) (map[string]any, error) {
    return map[string]any{}, nil
}

func (f *fakeJira) Comments(ctx context.Context, key string, startAt, max int) (map[string]any, error) {
    return map[string]any{}, nil
}

func (f *fakeJira) Changelog(ctx context.Context, key string, startAt, max int) (map[string]any, error) {
    f.calls = append(f.calls, startAt)
    if len(f.pages) == 0 { return map[string]any{}, nil }
    p := f.pages[0]
    f.pages = f.pages[1:]
    return p, nil
}

func (f *fakeJira) Watchers(ctx context.Context, key string) (map[string]any, error) {
    return map[string]any{}, nil
}

func newTestService(jc JiraClient, tg Notifier, cfg config.Config) *Service {
    return New(cfg, zerolog.Nop(), nil, jc, nil, tg, nil)
}

func changelogEntry(created, field, from, to string) map[string]any {
    return map[string]any{
        "created": created,
        "author":  map[string]any{"displayName": "Dana Cole"},
        "items":   []any{map[string]any{"field": field, "fromString": from, "toString": to}},
    }
}

func TestBuildRecord_MapsCoreFields(t *testing.T) {
    now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
    fields := map[string]any{
        "summary": "Data feed stalls overnight",
        "created": "2024-03-01T12:00:00.000+0000",
        "status":  map[string]any{"name": "In Progress"},
        "priority": map[string]any{"name": "High"},
        "project": map[string]any{"key": "FRD", "name": "Fraud Detection"},
        "issuetype": map[string]any{"name": "Bug", "subtask": false},
        "assignee": map[string]any{"displayName": "Dana Cole", "name": "dcole"},
        "reporter": map[string]any{"displayName": "Sam Ortiz", "accountId": "abc123"},
        "progress": map[string]any{"progress": float64(3600), "total": float64(7200)},
        "aggregateprogress": map[string]any{"progress": float64(3600), "total": float64(14400)},
        "votes": map[string]any{"votes": float64(2)},
        "labels": []any{"feed", "night-batch"},
    }
    rec := buildRecord("FRD-42", fields, now)
    if rec.Key != "FRD-42" { t.Fatalf("key = %q", rec.Key) }
    if rec.CurrentStatus != "In Progress" { t.Fatalf("status = %q", rec.CurrentStatus) }
    if rec.ProjectKey != "FRD" || rec.ProjectName != "Fraud Detection" {
        t.Fatalf("project = %q/%q", rec.ProjectKey, rec.ProjectName)
    }
    if rec.AssigneeKey != "dcole" { t.Fatalf("assignee key fallback = %q", rec.AssigneeKey) }
    if rec.ReporterKey != "abc123" { t.Fatalf("reporter key = %q", rec.ReporterKey) }
    if rec.Progress != 3600 || rec.AggProgressTotal != 14400 {
        t.Fatalf("progress = %d agg total = %d", rec.Progress, rec.AggProgressTotal)
    }
    if rec.VoteCount != 2 { t.Fatalf("votes = %d", rec.VoteCount) }
    if rec.CreatedDate == nil { t.Fatal("created date not parsed") }
    if rec.AgeText != "9d 0h" { t.Fatalf("age = %q", rec.AgeText) }
}

func TestBuildRecord_ToleratesMissingOptionalFields(t *testing.T) {
    rec := buildRecord("FRD-7", map[string]any{"summary": "bare"}, time.Now().UTC())
    if rec.Key != "FRD-7" || rec.Summary != "bare" { t.Fatalf("rec = %+v", rec) }
    if rec.CurrentStatus != "" || rec.AssigneeName != "" || rec.CreatedDate != nil {
        t.Fatalf("missing fields should stay zero-valued: %+v", rec)
    }
}

func TestFetchHistory_FlattensChangelog(t *testing.T) {
    jc := &fakeJira{}
    svc := newTestService(jc, nil, config.Config{})
    full := map[string]any{
        "changelog": map[string]any{
            "total": float64(1),
            "histories": []any{
                map[string]any{
                    "created": "2024-01-01T08:00:00.000+0000",
                    "author":  map[string]any{"displayName": "Dana Cole"},
                    "items": []any{
                        map[string]any{"field": "status", "fromString": "Open", "toString": "In Progress"},
                        map[string]any{"field": "assignee", "fromString": "", "toString": "dcole"},
                    },
                },
            },
        },
    }
    events, err := svc.fetchHistory(context.Background(), "FRD-42", full)
    if err != nil { t.Fatal(err) }
    if len(events) != 2 { t.Fatalf("expected 2 events, got %d", len(events)) }
    if events[0].UpdatedAt != "2024/01/01 08:00" {
        t.Fatalf("timestamp layout = %q", events[0].UpdatedAt)
    }
    if events[0].Field != "status" || events[0].NewValue != "In Progress" {
        t.Fatalf("event = %+v", events[0])
    }
    if events[1].Author != "Dana Cole" { t.Fatalf("author = %q", events[1].Author) }
    at, err := events[0].At()
    if err != nil { t.Fatalf("At() should parse its own output: %v", err) }
    if at.Hour() != 8 { t.Fatalf("parsed hour = %d", at.Hour()) }
    if len(jc.calls) != 0 {
        t.Fatalf("complete embedded changelog should not hit the changelog endpoint: %v", jc.calls)
    }
}

func TestFetchHistory_PagesPastEmbeddedWindow(t *testing.T) {
    jc := &fakeJira{pages: []map[string]any{
        {
            "total":  float64(3),
            "values": []any{changelogEntry("2024-01-03T09:00:00.000+0000", "status", "In Progress", "In Review")},
        },
        {
            "total":     float64(3),
            "histories": []any{changelogEntry("2024-01-05T09:00:00.000+0000", "status", "In Review", "Done")},
        },
    }}
    svc := newTestService(jc, nil, config.Config{})
    full := map[string]any{
        "changelog": map[string]any{
            "total":     float64(3),
            "histories": []any{changelogEntry("2024-01-01T09:00:00.000+0000", "status", "Open", "In Progress")},
        },
    }
    events, err := svc.fetchHistory(context.Background(), "FRD-42", full)
    if err != nil { t.Fatal(err) }
    if len(events) != 3 { t.Fatalf("expected 3 events across pages, got %d", len(events)) }
    if events[2].NewValue != "Done" { t.Fatalf("last event = %+v", events[2]) }
    if len(jc.calls) != 2 || jc.calls[0] != 1 || jc.calls[1] != 2 {
        t.Fatalf("startAt sequence = %v", jc.calls)
    }
}

func TestFetchHistory_NoChangelog(t *testing.T) {
    svc := newTestService(&fakeJira{}, nil, config.Config{})
    got, err := svc.fetchHistory(context.Background(), "FRD-1", map[string]any{})
    if err != nil { t.Fatal(err) }
    if len(got) != 0 { t.Fatalf("expected no events, got %#v", got) }
}

func TestBuildLinks(t *testing.T) {
    fields := map[string]any{
        "issuelinks": []any{
            map[string]any{
                "id": "1001",
                "type": map[string]any{"name": "Blocks", "inward": "is blocked by", "outward": "blocks"},
                "outwardIssue": map[string]any{"key": "FRD-9"},
            },
        },
    }
    links := buildLinks(fields)
    if len(links) != 1 { t.Fatalf("expected 1 link, got %d", len(links)) }
    l := links[0]
    if l.LinkType != "Blocks" || l.OutwardKey != "FRD-9" || l.InwardKey != "" {
        t.Fatalf("link = %+v", l)
    }
}

type fakeNotifier struct {
    mdErr error
    md    []string
    plain []string
}

func (f *fakeNotifier) SendMessage(ctx context.Context, chatID int64, text string) error {
    f.md = append(f.md, text)
    return f.mdErr
}

func (f *fakeNotifier) SendMessagePlain(ctx context.Context, chatID int64, text string) error {
    f.plain = append(f.plain, text)
    return nil
}

func TestNotify_SendsMarkdown(t *testing.T) {
    tg := &fakeNotifier{}
    svc := newTestService(&fakeJira{}, tg, config.Config{TelegramChatIDs: []int64{7}})
    sn := &Snapshot{Project: "FRD", RefreshedAt: time.Now().UTC()}
    svc.notify(context.Background(), "FRD", sn, []string{"FRD_Issues.xlsx"})
    if len(tg.md) != 1 { t.Fatalf("markdown sends = %d", len(tg.md)) }
    if !strings.HasPrefix(tg.md[0], "*Report run for FRD*") {
        t.Fatalf("markdown message = %q", tg.md[0])
    }
    if len(tg.plain) != 0 { t.Fatalf("plain fallback should stay unused: %v", tg.plain) }
}

func TestNotify_FallsBackToPlainOnMarkdownError(t *testing.T) {
    tg := &fakeNotifier{mdErr: errors.New("bad request: can't parse entities")}
    svc := newTestService(&fakeJira{}, tg, config.Config{TelegramChatIDs: []int64{7}})
    sn := &Snapshot{Project: "FRD", RefreshedAt: time.Now().UTC()}
    svc.notify(context.Background(), "FRD", sn, nil)
    if len(tg.plain) != 1 { t.Fatalf("plain sends = %d", len(tg.plain)) }
    if !strings.HasPrefix(tg.plain[0], "Report run for FRD:") {
        t.Fatalf("plain message = %q", tg.plain[0])
    }
}

func TestCleanHTML(t *testing.T) {
    in := `<p>Deploy is <b>blocked</b>&nbsp;&mdash; see &lt;runbook&gt;</p>`
    got := cleanHTML(in)
    if got != "Deploy is blocked &mdash; see <runbook>" {
        t.Fatalf("cleanHTML = %q", got)
    }
    if cleanHTML("") != "" { t.Fatal("empty input should stay empty") }
}

func TestHumanAge(t *testing.T) {
    now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
    if got := humanAge(now.Add(-26*time.Hour), now); got != "1d 2h" {
        t.Fatalf("age = %q", got)
    }
    if got := humanAge(now.Add(-30*time.Minute), now); got != "0h" {
        t.Fatalf("sub-hour age = %q", got)
    }
    if got := humanAge(now.Add(time.Hour), now); got != "0h" {
        t.Fatalf("future created date should clamp: %q", got)
    }
}

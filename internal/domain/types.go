package domain

import (
    "fmt"
    "time"
)

// TimestampLayout is the minute-resolution layout change events carry.
// Jira changelog timestamps are normalized to this at load time.
const TimestampLayout = "2006/01/02 15:04"

// ChangeEvent is one historical field transition on an issue. Value fields
// are set once at load time; IntervalStart/IntervalEnd are assigned by a
// single post-processing pass once the full ordered history is known.
type ChangeEvent struct {
    IssueKey  string
    UpdatedAt string // TimestampLayout, minute resolution
    Field     string
    OldValue  string
    NewValue  string
    Author    string

    IntervalStart time.Time
    IntervalEnd   time.Time
}

// At parses the event timestamp. A malformed timestamp is fatal for the
// owning issue's interval arithmetic, so the error is surfaced, not skipped.
func (e ChangeEvent) At() (time.Time, error) {
    t, err := time.Parse(TimestampLayout, e.UpdatedAt)
    if err != nil {
        return time.Time{}, fmt.Errorf("change event %q at %q: %w", e.Field, e.UpdatedAt, err)
    }
    return t, nil
}

// StatusDuration accumulates time spent under one status label across every
// visit. Fields are additive and never normalized into each other; an issue
// that revisits a status sums all spans.
type StatusDuration struct {
    Days    int
    Hours   int
    Minutes int
}

type Comment struct {
    ID     string
    Author string
    Body   string
    At     *time.Time
}

type Watcher struct {
    Key         string
    Name        string
    Email       string
    DisplayName string
    Active      bool
}

type Component struct {
    ID   string
    Name string
}

type IssueLink struct {
    LinkID      string
    LinkType    string
    InwardDesc  string
    OutwardDesc string
    InwardKey   string
    OutwardKey  string
}

// IssueRecord is the flat per-issue row the report layer consumes. Optional
// fields stay at their zero value when Jira has nothing for them.
type IssueRecord struct {
    Key              string
    CreatedDate      *time.Time
    AggProgress      int64
    AggProgressTotal int64
    LatestComment    string
    LatestCommentAt  *time.Time
    EpicKey          string
    Summary          string
    Priority         string
    ProjectKey       string
    ProjectName      string
    Progress         int64
    ProgressTotal    int64
    ReporterKey      string
    ReporterName     string
    CreatorKey       string
    CreatorName      string
    CurrentStatus    string
    AgeText          string
    AssigneeKey      string
    AssigneeName     string
    IssueType        string
    IsSubtask        bool
    WatcherCount     int
    CommentCount     int
    LinkedIssueCount int
    LabelCount       int
    VoteCount        int
    OpenDays         int
}

// Issue bundles everything pulled and computed for one issue: the flat
// record, the raw collections behind the counters, and the two calculator
// outputs. Recomputed in full on every aggregation pass.
type Issue struct {
    Record       IssueRecord
    History      []ChangeEvent
    Comments     []Comment
    Watchers     []Watcher
    Components   []Component
    Labels       []string
    Links        []IssueLink
    TimeInStatus map[string]StatusDuration
}

func (i *Issue) Key() string { return i.Record.Key }

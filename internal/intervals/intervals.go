/* Copyright (c) 2025 Salvus Warez
 * SPDX-License-Identifier: BSD-3-Clause */

// Package intervals derives per-status time accounting from an issue's
// ordered change history. All calculations are pure over the event list and
// an evaluation instant captured once by the caller; results are snapshots,
// not immutable history.
package intervals

import (
    "strings"
    "time"

    "github.com/salvuswarez/jira-api/internal/domain"
)

// DefaultOpenStatuses are the labels counted as "work in progress" for
// open-day accounting. Everything else is treated as closed.
var DefaultOpenStatuses = []string{"in progress", "in review", "needs follow up", "scheduled"}

// DefaultBoundaryOffset is subtracted from every open/close boundary before
// day arithmetic. It compensates a timezone skew in the source data; keep it
// configurable rather than baked in.
const DefaultBoundaryOffset = 4 * time.Hour

// FilterStatus returns the subsequence of events whose field is "status",
// preserving input order. Events sharing a timestamp keep their relative
// order; the calculators never re-sort.
func FilterStatus(events []domain.ChangeEvent) []domain.ChangeEvent {
    out := make([]domain.ChangeEvent, 0, len(events))
    for _, e := range events {
        if strings.EqualFold(e.Field, "status") {
            out = append(out, e)
        }
    }
    return out
}

// walkStatus visits the window during which each status event's NewValue was
// held, in order. With a single event the window runs from its timestamp to
// now; with several, event i holds until event i+1's timestamp and the last
// one until now. Both calculators and the interval assignment ride this walk
// so their span arithmetic cannot drift apart.
func walkStatus(events []domain.ChangeEvent, now time.Time, fn func(i int, start, end time.Time)) error {
    n := len(events)
    if n == 0 {
        return nil
    }
    if n == 1 {
        t, err := events[0].At()
        if err != nil { return err }
        fn(0, t, now)
        return nil
    }
    prev, err := events[0].At()
    if err != nil { return err }
    for i := 1; i < n; i++ {
        cur, err := events[i].At()
        if err != nil { return err }
        fn(i-1, prev, cur)
        prev = cur
    }
    fn(n-1, prev, now)
    return nil
}

// TimeInStatus computes cumulative {days,hours,minutes} per status label for
// one issue, labels lower-cased and pre-seeded at zero for every label that
// appears as a NewValue. An empty history yields an empty map, which is a
// valid terminal case rather than an error. Fields accumulate per visit and
// are never carried into each other, so a much-revisited status can hold more
// than 23 hours.
func TimeInStatus(events []domain.ChangeEvent, now time.Time) (map[string]domain.StatusDuration, error) {
    status := FilterStatus(events)
    out := make(map[string]domain.StatusDuration, len(status))
    for _, e := range status {
        out[strings.ToLower(e.NewValue)] = domain.StatusDuration{}
    }
    err := walkStatus(status, now, func(i int, start, end time.Time) {
        label := strings.ToLower(status[i].NewValue)
        d := out[label]
        addSpan(&d, end.Sub(start))
        out[label] = d
    })
    if err != nil {
        return nil, err
    }
    return out, nil
}

// addSpan decomposes a span into whole days, then whole hours and minutes
// from the remainder. Seconds below a minute are dropped, not rounded.
func addSpan(d *domain.StatusDuration, span time.Duration) {
    total := int64(span / time.Second)
    days := total / 86400
    rem := total % 86400
    d.Days += int(days)
    d.Hours += int(rem / 3600)
    d.Minutes += int((rem / 60) % 60)
}

// OpenDays counts whole days an issue spent in any open-classified status,
// across reopen/close cycles. offset is subtracted from every boundary
// (see DefaultBoundaryOffset); now closes a still-active span.
//
// Conventions carried over from the report this feeds:
//   - no status history at all: 0 days
//   - only closed statuses recorded: 1 day
//   - only open statuses recorded: days from the first open boundary to now
func OpenDays(events []domain.ChangeEvent, openStatuses []string, offset time.Duration, now time.Time) (int, error) {
    open := make(map[string]struct{}, len(openStatuses))
    for _, s := range openStatuses {
        open[strings.ToLower(s)] = struct{}{}
    }
    isOpen := func(e domain.ChangeEvent) bool {
        _, ok := open[strings.ToLower(e.NewValue)]
        return ok
    }

    status := FilterStatus(events)
    if len(status) == 0 {
        return 0, nil
    }
    openRecs, closedRecs := 0, 0
    for _, e := range status {
        if isOpen(e) { openRecs++ } else { closedRecs++ }
    }

    if openRecs == 0 {
        // a closed issue with no recorded open period is credited one day
        return 1, nil
    }
    if closedRecs == 0 {
        // never closed: only the first open boundary matters
        for _, e := range status {
            if !isOpen(e) { continue }
            t, err := e.At()
            if err != nil { return 0, err }
            return wholeDays(t.Add(-offset), now), nil
        }
    }

    daysOpen := 0
    var start, end *time.Time
    last := len(status) - 1
    for idx, e := range status {
        t, err := e.At()
        if err != nil { return 0, err }
        boundary := t.Add(-offset)
        if isOpen(e) {
            if start == nil { start = &boundary }
        } else if start != nil {
            end = &boundary
        }
        if start != nil && end != nil {
            daysOpen += wholeDays(*start, *end)
            start, end = nil, nil
        } else if idx == last && start != nil {
            // sequence ends reopened; close the span against now
            daysOpen += wholeDays(*start, now)
        }
    }
    return daysOpen, nil
}

func wholeDays(start, end time.Time) int {
    return int(end.Sub(start).Hours() / 24)
}

// AssignIntervals stamps every status event with the window its NewValue was
// held: event i runs from its own timestamp to event i+1's, the last one to
// now. Assigned exactly once per aggregation pass; non-status events are left
// untouched. The issue-count time series is built from these windows.
func AssignIntervals(events []domain.ChangeEvent, now time.Time) error {
    idx := make([]int, 0, len(events))
    for i, e := range events {
        if strings.EqualFold(e.Field, "status") {
            idx = append(idx, i)
        }
    }
    status := make([]domain.ChangeEvent, len(idx))
    for j, i := range idx {
        status[j] = events[i]
    }
    return walkStatus(status, now, func(j int, start, end time.Time) {
        events[idx[j]].IntervalStart = start
        events[idx[j]].IntervalEnd = end
    })
}

// Package view derives read-time fields for tasks and work items. Every
// function is pure and depends only on its arguments, including now.
package view

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertdesk/internal/domain"
)

// DateLayout is the canonical stored form of letter dates and deadlines.
const DateLayout = "2006-01-02"

// DisplayLayout is the day-first form shown to users.
const DisplayLayout = "02-01-2006"

var ErrInvalidDate = errors.New("invalid date")

var acceptedLayouts = []string{
	DateLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	DisplayLayout,
}

// ParseDate accepts ISO dates and timestamps, or the day-first display form,
// and returns the UTC midnight of that day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	for _, layout := range acceptedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Midnight(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// NormalizeDate rewrites s into DateLayout.
func NormalizeDate(s string) (string, error) {
	t, err := ParseDate(s)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}

// Midnight truncates t to the start of its UTC day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// dayDelta is deadline minus today in whole UTC days; negative once passed.
func dayDelta(deadline string, now time.Time) (int, bool) {
	d, err := ParseDate(deadline)
	if err != nil {
		return 0, false
	}
	return int(d.Sub(Midnight(now)).Hours() / 24), true
}

// DaysLeft is the number of days until deadline, floored at zero. ok is
// false when deadline is empty or unparsable.
func DaysLeft(deadline string, now time.Time) (days int, ok bool) {
	delta, ok := dayDelta(deadline, now)
	if !ok {
		return 0, false
	}
	if delta < 0 {
		delta = 0
	}
	return delta, true
}

// Overdue reports whether deadline is before today and status is not resolved.
func Overdue(deadline, status string, now time.Time) bool {
	if status == string(domain.TaskResolved) {
		return false
	}
	delta, ok := dayDelta(deadline, now)
	return ok && delta < 0
}

// DisplayStatus is status, or "overdue" when Overdue holds.
func DisplayStatus(status, deadline string, now time.Time) string {
	if Overdue(deadline, status, now) {
		return domain.StatusOverdue
	}
	return status
}

// FormatDate renders a stored date day-first; unparsable input is returned as is.
func FormatDate(s string) string {
	t, err := ParseDate(s)
	if err != nil {
		return s
	}
	return t.Format(DisplayLayout)
}

// NormalizeAssignedTo turns a legacy assigned_to column into a list of
// identifiers. It accepts a JSON array (of strings or numbers) or a JSON
// string, and otherwise falls back to splitting on commas.
func NormalizeAssignedTo(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	var list []any
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		out := make([]string, 0, len(list))
		for _, v := range list {
			var s string
			switch x := v.(type) {
			case string:
				s = x
			case float64:
				s = strconv.FormatFloat(x, 'f', -1, 64)
			default:
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	var single string
	if err := json.Unmarshal([]byte(raw), &single); err == nil {
		raw = single
	}
	raw = strings.Trim(raw, "[]")
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

type TaskView struct {
	domain.Task
	AssignedTo      []string `json:"assigned_to"`
	DaysLeft        *int     `json:"days_left,omitempty"`
	Overdue         bool     `json:"overdue"`
	DisplayStatus   string   `json:"display_status"`
	DeadlineDisplay string   `json:"deadline_display,omitempty"`
}

// Task builds the read model for t. assignees are the officer ids holding
// work items on the task; when there are none the legacy column is used.
func Task(t domain.Task, assignees []string, now time.Time) TaskView {
	v := TaskView{Task: t, DisplayStatus: string(t.Status)}
	switch {
	case len(assignees) > 0:
		v.AssignedTo = append([]string(nil), assignees...)
	case t.LegacyAssignedTo != nil:
		v.AssignedTo = NormalizeAssignedTo(*t.LegacyAssignedTo)
	default:
		v.AssignedTo = []string{}
	}
	if t.Deadline != nil {
		if days, ok := DaysLeft(*t.Deadline, now); ok {
			v.DaysLeft = &days
		}
		v.Overdue = Overdue(*t.Deadline, string(t.Status), now)
		v.DisplayStatus = DisplayStatus(string(t.Status), *t.Deadline, now)
		v.DeadlineDisplay = FormatDate(*t.Deadline)
	}
	return v
}

func Tasks(ts []domain.Task, assignees map[int64][]string, now time.Time) []TaskView {
	out := make([]TaskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, Task(t, assignees[t.ID], now))
	}
	return out
}

type WorkItemView struct {
	domain.WorkItem
	DaysLeft        *int   `json:"days_left,omitempty"`
	Overdue         bool   `json:"overdue"`
	DisplayStatus   string `json:"display_status"`
	DeadlineDisplay string `json:"deadline_display,omitempty"`
}

func WorkItem(w domain.WorkItem, now time.Time) WorkItemView {
	v := WorkItemView{WorkItem: w, DisplayStatus: string(w.Status)}
	if days, ok := DaysLeft(w.Deadline, now); ok {
		v.DaysLeft = &days
	}
	v.Overdue = Overdue(w.Deadline, string(w.Status), now)
	v.DisplayStatus = DisplayStatus(string(w.Status), w.Deadline, now)
	v.DeadlineDisplay = FormatDate(w.Deadline)
	return v
}

func WorkItems(ws []domain.WorkItem, now time.Time) []WorkItemView {
	out := make([]WorkItemView, 0, len(ws))
	for _, w := range ws {
		out = append(out, WorkItem(w, now))
	}
	return out
}

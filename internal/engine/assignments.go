package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"alertdesk/internal/domain"
	"alertdesk/internal/events"
	"alertdesk/internal/view"
)

type AssignRequest struct {
	TaskID          int64   `json:"task_id"`
	DepartmentID    int64   `json:"department_id"`
	OfficerIDs      []int64 `json:"officer_ids"`
	Deadline        string  `json:"deadline"`
	WorkTitle       string  `json:"work_title"`
	WorkDescription string  `json:"work_description"`
	ActorID         string  `json:"-"`
}

type AssignResult struct {
	Created         []domain.WorkItem `json:"created"`
	Skipped         []int64           `json:"skipped"`
	AlreadyAssigned bool              `json:"already_assigned"`
}

func (r AssignRequest) missing() string {
	switch {
	case r.TaskID <= 0:
		return "task_id"
	case r.DepartmentID <= 0:
		return "department_id"
	case len(r.OfficerIDs) == 0:
		return "officer_ids"
	case strings.TrimSpace(r.Deadline) == "":
		return "deadline"
	case strings.TrimSpace(r.WorkTitle) == "":
		return "work_title"
	}
	return ""
}

func uniqueIDs(ids []int64) []int64 {
	seen := map[int64]bool{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Assign creates one pending work item per officer not yet assigned to the
// task. Officers already holding a work item are skipped, so repeating a
// request is safe; if every officer is skipped the result reports
// AlreadyAssigned.
func (e Engine) Assign(ctx context.Context, req AssignRequest) (AssignResult, error) {
	if field := req.missing(); field != "" {
		return AssignResult{}, fmt.Errorf("%w: %s is required", ErrInvalidAssignmentRequest, field)
	}
	deadline, err := view.NormalizeDate(req.Deadline)
	if err != nil {
		return AssignResult{}, fmt.Errorf("%w: %q", ErrInvalidDeadlineFormat, req.Deadline)
	}
	officerIDs := uniqueIDs(req.OfficerIDs)

	tx, err := e.begin(ctx, "assign")
	if err != nil {
		return AssignResult{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTask(ctx, tx, req.TaskID)
	if err != nil {
		return AssignResult{}, classify("assign", err, fmt.Errorf("%w: task %d not found", ErrInvalidAssignmentRequest, req.TaskID))
	}
	if task.DepartmentID != req.DepartmentID {
		return AssignResult{}, fmt.Errorf("%w: task %d belongs to another department", ErrInvalidAssignmentRequest, req.TaskID)
	}
	officers, err := e.Repo.OfficersByIDsTx(ctx, tx, officerIDs)
	if err != nil {
		return AssignResult{}, storageErr("assign", err)
	}
	for _, id := range officerIDs {
		o, ok := officers[id]
		if !ok {
			return AssignResult{}, fmt.Errorf("%w: officer %d not found", ErrInvalidAssignmentRequest, id)
		}
		if o.DepartmentID != req.DepartmentID {
			return AssignResult{}, fmt.Errorf("%w: officer %s belongs to another department", ErrInvalidAssignmentRequest, o.UniqueID)
		}
	}
	existing, err := e.Repo.AssignedOfficersTx(ctx, tx, req.TaskID, officerIDs)
	if err != nil {
		return AssignResult{}, storageErr("assign", err)
	}

	res := AssignResult{Created: []domain.WorkItem{}, Skipped: []int64{}}
	ts := e.timestamp()
	for _, id := range officerIDs {
		if existing[id] {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		o := officers[id]
		w := domain.WorkItem{
			OfficerID:       id,
			OfficerUniqueID: o.UniqueID,
			OfficerName:     o.Name,
			OfficerDesig:    o.Designation,
			DepartmentID:    req.DepartmentID,
			DepartmentName:  task.DepartmentName,
			TaskID:          req.TaskID,
			WorkTitle:       strings.TrimSpace(req.WorkTitle),
			WorkDescription: strings.TrimSpace(req.WorkDescription),
			Deadline:        deadline,
			Status:          domain.WorkPending,
			AssignedAt:      ts,
		}
		if w.ID, err = e.Repo.InsertWorkItemTx(ctx, tx, w); err != nil {
			return AssignResult{}, storageErr("assign", err)
		}
		if err := e.events().Append(ctx, tx, events.WorkAssigned, "work", fmt.Sprint(w.ID), req.ActorID,
			events.EventPayload{"task_id": req.TaskID, "officer": o.UniqueID, "deadline": deadline}); err != nil {
			return AssignResult{}, storageErr("assign", err)
		}
		res.Created = append(res.Created, w)
	}
	if len(res.Created) == 0 {
		res.AlreadyAssigned = true
		return res, nil
	}
	if err := e.commit("assign", tx); err != nil {
		return AssignResult{}, err
	}
	e.log().WithFields(logrus.Fields{"op": "work.assign", "task_id": req.TaskID, "created": len(res.Created), "skipped": len(res.Skipped)}).Info("officers assigned")
	return res, nil
}

// AssignOfficers assigns officers using the task's own subject and deadline.
func (e Engine) AssignOfficers(ctx context.Context, taskID int64, officerIDs []int64, actorID string) (AssignResult, error) {
	t, err := e.Repo.GetTask(ctx, e.DB, taskID)
	if err != nil {
		return AssignResult{}, classify("assign", err, fmt.Errorf("%w: task %d not found", ErrInvalidAssignmentRequest, taskID))
	}
	if t.Deadline == nil {
		return AssignResult{}, fmt.Errorf("%w: task %d has no deadline", ErrInvalidAssignmentRequest, taskID)
	}
	return e.Assign(ctx, AssignRequest{
		TaskID:       taskID,
		DepartmentID: t.DepartmentID,
		OfficerIDs:   officerIDs,
		Deadline:     *t.Deadline,
		WorkTitle:    t.Subject,
		ActorID:      actorID,
	})
}

// RemoveAssignment deletes one officer's work item. The task is unaffected.
func (e Engine) RemoveAssignment(ctx context.Context, taskID, officerID int64, actorID string) error {
	tx, err := e.begin(ctx, "remove assignment")
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteWorkItemTx(ctx, tx, taskID, officerID); err != nil {
		return classify("remove assignment", err, ErrNotFound)
	}
	if err := e.events().Append(ctx, tx, events.WorkUnassigned, "task", fmt.Sprint(taskID), actorID,
		events.EventPayload{"officer_id": officerID}); err != nil {
		return storageErr("remove assignment", err)
	}
	return e.commit("remove assignment", tx)
}

func (e Engine) ListAssignments(ctx context.Context, taskID int64) ([]view.WorkItemView, error) {
	ws, err := e.Repo.ListWorkByTask(ctx, taskID)
	if err != nil {
		return nil, storageErr("list assignments", err)
	}
	return view.WorkItems(ws, e.now()), nil
}

func (e Engine) ListByOfficer(ctx context.Context, officerID int64) ([]view.WorkItemView, error) {
	ws, err := e.Repo.ListWorkByOfficer(ctx, officerID)
	if err != nil {
		return nil, storageErr("list work", err)
	}
	return view.WorkItems(ws, e.now()), nil
}

// ListDepartmentReports returns the department's work items that carry a report.
func (e Engine) ListDepartmentReports(ctx context.Context, departmentID int64) ([]view.WorkItemView, error) {
	ws, err := e.Repo.ListReportedWorkByDepartment(ctx, departmentID)
	if err != nil {
		return nil, storageErr("list reports", err)
	}
	return view.WorkItems(ws, e.now()), nil
}

func (e Engine) GetWorkItem(ctx context.Context, id int64) (view.WorkItemView, error) {
	w, err := e.Repo.GetWorkItem(ctx, e.DB, id)
	if err != nil {
		return view.WorkItemView{}, classify("get work", err, ErrNotFound)
	}
	return view.WorkItem(w, e.now()), nil
}

// WorkStatuses lists the accepted work item statuses.
func WorkStatuses() []string {
	out := []string{string(domain.WorkPending), string(domain.WorkInProgress), string(domain.WorkResolved)}
	sort.Strings(out)
	return out
}

// SetWorkStatus overwrites a work item's status. Unknown statuses are
// rejected; completed_at follows the resolved state.
func (e Engine) SetWorkStatus(ctx context.Context, id int64, status string, actorID string) (view.WorkItemView, error) {
	s := domain.WorkStatus(strings.TrimSpace(status))
	if !s.Valid() {
		return view.WorkItemView{}, fmt.Errorf("%w: %q (want one of %s)", ErrInvalidStatus, status, strings.Join(WorkStatuses(), ", "))
	}
	tx, err := e.begin(ctx, "set work status")
	if err != nil {
		return view.WorkItemView{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItem(ctx, tx, id)
	if err != nil {
		return view.WorkItemView{}, classify("set work status", err, ErrNotFound)
	}
	var completed *string
	if s == domain.WorkResolved {
		ts := e.timestamp()
		if w.CompletedAt != nil {
			ts = *w.CompletedAt
		}
		completed = &ts
	}
	if err := e.Repo.UpdateWorkStatusTx(ctx, tx, id, s, completed); err != nil {
		return view.WorkItemView{}, classify("set work status", err, ErrNotFound)
	}
	if err := e.events().Append(ctx, tx, events.WorkStatusChanged, "work", fmt.Sprint(id), actorID,
		events.EventPayload{"from": w.Status, "to": s}); err != nil {
		return view.WorkItemView{}, storageErr("set work status", err)
	}
	if err := e.commit("set work status", tx); err != nil {
		return view.WorkItemView{}, err
	}
	w.Status, w.CompletedAt = s, completed
	return view.WorkItem(w, e.now()), nil
}

// AttachWorkReport records an officer's report on a work item.
func (e Engine) AttachWorkReport(ctx context.Context, id int64, r Report, actorID string) (view.WorkItemView, error) {
	desc := r.description()
	if desc == nil && r.File == nil {
		return view.WorkItemView{}, ErrNoReportData
	}
	prev, err := e.Repo.GetWorkItem(ctx, e.DB, id)
	if err != nil {
		return view.WorkItemView{}, classify("attach work report", err, ErrNotFound)
	}
	var file *string
	if r.File != nil {
		ref, err := e.savePDF("report_file", reportFileName(), r.File)
		if err != nil {
			return view.WorkItemView{}, err
		}
		file = &ref
	}
	fail := func(err error) (view.WorkItemView, error) {
		if file != nil {
			e.removeFile(*file)
		}
		return view.WorkItemView{}, err
	}
	tx, err := e.begin(ctx, "attach work report")
	if err != nil {
		return fail(err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkReportTx(ctx, tx, id, file, desc); err != nil {
		return fail(classify("attach work report", err, ErrNotFound))
	}
	if err := e.events().Append(ctx, tx, events.WorkReportAttached, "work", fmt.Sprint(id), actorID,
		events.EventPayload{"file": file != nil, "description": desc != nil}); err != nil {
		return fail(storageErr("attach work report", err))
	}
	if err := e.commit("attach work report", tx); err != nil {
		return fail(err)
	}
	e.replacedFile(prev.ReportFile, file)
	return e.GetWorkItem(ctx, id)
}

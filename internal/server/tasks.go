package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"alertdesk/internal/domain"
	"alertdesk/internal/engine"
	"alertdesk/internal/engine/auth"
	"alertdesk/internal/view"
)

type taskPath struct {
	ID int64 `path:"id"`
}

// taskInScope loads a task the caller may act on with perm.
func (h handlers) taskInScope(ctx context.Context, perm string, id int64) (view.TaskView, auth.Principal, error) {
	p, err := authorize(ctx, h.e.Policy, perm)
	if err != nil {
		return view.TaskView{}, p, handleError(err)
	}
	t, err := h.e.GetTask(ctx, id)
	if err != nil {
		return view.TaskView{}, p, handleError(err)
	}
	if err := p.RequireDepartment(t.DepartmentID); err != nil {
		return view.TaskView{}, p, handleError(err)
	}
	return t, p, nil
}

func (h handlers) workInScope(ctx context.Context, perm string, id int64) (view.WorkItemView, auth.Principal, error) {
	p, err := authorize(ctx, h.e.Policy, perm)
	if err != nil {
		return view.WorkItemView{}, p, handleError(err)
	}
	w, err := h.e.GetWorkItem(ctx, id)
	if err != nil {
		return view.WorkItemView{}, p, handleError(err)
	}
	if err := p.RequireDepartment(w.DepartmentID); err != nil {
		return view.WorkItemView{}, p, handleError(err)
	}
	if err := p.RequireOfficer(w.OfficerID); err != nil {
		return view.WorkItemView{}, p, handleError(err)
	}
	return w, p, nil
}

// scopedDepartment resolves the department filter for a listing: global
// callers may pick any, everyone else is pinned to their own.
func scopedDepartment(p auth.Principal, requested int64) (*int64, error) {
	if p.Global() {
		if requested == 0 {
			return nil, nil
		}
		return &requested, nil
	}
	if p.DepartmentID == nil {
		return nil, auth.ScopeError{Resource: "department"}
	}
	if requested != 0 && requested != *p.DepartmentID {
		return nil, auth.ScopeError{Resource: "department"}
	}
	own := *p.DepartmentID
	return &own, nil
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks with derived status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DepartmentID int64  `query:"department_id"`
		Status       string `query:"status" enum:"pending,in_progress,resolved,overdue"`
	}) (*bodyOut[[]TaskResponse], error) {
		p, err := authorize(ctx, h.e.Policy, "task.read")
		if err != nil {
			return nil, handleError(err)
		}
		dept, err := scopedDepartment(p, input.DepartmentID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListTasks(ctx, engine.TaskFilter{DepartmentID: dept, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponses(h.e.Files, items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOut[TaskResponse], error) {
		t, _, err := h.taskInScope(ctx, "task.read", input.ID)
		if err != nil {
			return nil, err
		}
		return reply(taskResponse(h.e.Files, t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-task-in-progress",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/in-progress",
		Summary:     "Move a pending task to in progress",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*bodyOut[TaskResponse], error) {
		_, p, err := h.taskInScope(ctx, "task.progress", input.ID)
		if err != nil {
			return nil, err
		}
		if _, err := h.e.MarkInProgress(ctx, input.ID, p.UniqueID); err != nil {
			return nil, handleError(err)
		}
		return h.taskReply(ctx, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Resolve a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOut[TaskResponse], error) {
		_, p, err := h.taskInScope(ctx, "task.approve", input.ID)
		if err != nil {
			return nil, err
		}
		if _, err := h.e.Approve(ctx, input.ID, p.UniqueID); err != nil {
			return nil, handleError(err)
		}
		return h.taskReply(ctx, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-officers",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assignments",
		Summary:     "Create work items for officers",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*bodyOut[AssignResponse], error) {
		p, err := authorize(ctx, h.e.Policy, "task.assign")
		if err != nil {
			return nil, handleError(err)
		}
		// The department is the caller's for department accounts; global
		// callers act on the task's own department.
		var deptID int64
		if p.DepartmentID != nil {
			deptID = *p.DepartmentID
		} else if t, err := h.e.GetTask(ctx, input.ID); err == nil {
			deptID = t.DepartmentID
		}
		b := input.Body
		var res engine.AssignResult
		if strings.TrimSpace(b.Deadline) == "" && strings.TrimSpace(b.WorkTitle) == "" {
			if _, _, err := h.taskInScope(ctx, "task.assign", input.ID); err != nil {
				return nil, err
			}
			res, err = h.e.AssignOfficers(ctx, input.ID, b.OfficerIDs, p.UniqueID)
		} else {
			res, err = h.e.Assign(ctx, engine.AssignRequest{
				TaskID:          input.ID,
				DepartmentID:    deptID,
				OfficerIDs:      b.OfficerIDs,
				Deadline:        b.Deadline,
				WorkTitle:       b.WorkTitle,
				WorkDescription: b.WorkDescription,
				ActorID:         p.UniqueID,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AssignResponse{
			Created:         workResponses(h.e.Files, view.WorkItems(res.Created, h.now())),
			Skipped:         nonNilSlice(res.Skipped),
			AlreadyAssigned: res.AlreadyAssigned,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/assignments",
		Summary:     "Work items on a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOut[[]WorkItemResponse], error) {
		if _, _, err := h.taskInScope(ctx, "work.read", input.ID); err != nil {
			return nil, err
		}
		items, err := h.e.ListAssignments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(workResponses(h.e.Files, items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-assignment",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}/assignments/{officer_id}",
		Summary:       "Remove an officer's work item",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID        int64 `path:"id"`
		OfficerID int64 `path:"officer_id"`
	}) (*struct{}, error) {
		_, p, err := h.taskInScope(ctx, "task.assign", input.ID)
		if err != nil {
			return nil, err
		}
		if err := h.e.RemoveAssignment(ctx, input.ID, input.OfficerID, p.UniqueID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func (h handlers) taskReply(ctx context.Context, id int64) (*bodyOut[TaskResponse], error) {
	t, err := h.e.GetTask(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	return reply(taskResponse(h.e.Files, t)), nil
}

func (h handlers) registerWork(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work",
		Method:      http.MethodGet,
		Path:        "/work",
		Summary:     "An officer's work items",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OfficerID int64 `query:"officer_id" doc:"Officer row id; defaults to the caller"`
	}) (*bodyOut[[]WorkItemResponse], error) {
		p, err := authorize(ctx, h.e.Policy, "work.read")
		if err != nil {
			return nil, handleError(err)
		}
		officerID := input.OfficerID
		if officerID == 0 && p.Kind == domain.KindOfficer {
			officerID = p.RowID
		}
		if officerID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "officer_id is required", nil)
		}
		if err := p.RequireOfficer(officerID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListByOfficer(ctx, officerID)
		if err != nil {
			return nil, handleError(err)
		}
		visible := make([]view.WorkItemView, 0, len(items))
		for _, w := range items {
			if p.RequireDepartment(w.DepartmentID) == nil {
				visible = append(visible, w)
			}
		}
		return reply(workResponses(h.e.Files, visible)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/work/{id}",
		Summary:     "Get a work item",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOut[WorkItemResponse], error) {
		w, _, err := h.workInScope(ctx, "work.read", input.ID)
		if err != nil {
			return nil, err
		}
		return reply(workResponse(h.e.Files, w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-work-status",
		Method:      http.MethodPatch,
		Path:        "/work/{id}/status",
		Summary:     "Set a work item's status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body WorkStatusRequest `json:"body"`
	}) (*bodyOut[WorkItemResponse], error) {
		_, p, err := h.workInScope(ctx, "work.update", input.ID)
		if err != nil {
			return nil, err
		}
		w, err := h.e.SetWorkStatus(ctx, input.ID, input.Body.Status, p.UniqueID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(workResponse(h.e.Files, w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-department-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "Work items that carry a report",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DepartmentID int64 `query:"department_id"`
	}) (*bodyOut[[]WorkItemResponse], error) {
		p, err := authorize(ctx, h.e.Policy, "work.read")
		if err != nil {
			return nil, handleError(err)
		}
		if p.Kind == domain.KindOfficer {
			return nil, handleError(auth.ScopeError{Resource: "department reports"})
		}
		dept, err := scopedDepartment(p, input.DepartmentID)
		if err != nil {
			return nil, handleError(err)
		}
		if dept == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "department_id is required", nil)
		}
		items, err := h.e.ListDepartmentReports(ctx, *dept)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(workResponses(h.e.Files, items)), nil
	})
}

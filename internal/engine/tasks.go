package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"alertdesk/internal/domain"
	"alertdesk/internal/events"
	"alertdesk/internal/repo"
	"alertdesk/internal/storage"
	"alertdesk/internal/view"
)

func (e Engine) today() string {
	return view.Midnight(e.now()).Format(view.DateLayout)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func letterFileName(taskID int64, letterID string) string {
	safe := strings.Trim(unsafeFileChars.ReplaceAllString(letterID, "_"), "._")
	if safe == "" {
		return fmt.Sprintf("letter-%d.pdf", taskID)
	}
	return fmt.Sprintf("letter-%d-%s.pdf", taskID, safe)
}

func reportFileName() string {
	return "report-" + uuid.NewString() + ".pdf"
}

// savePDF stores a PDF upload. Non-PDF content is a validation error; any
// other failure means storage is unavailable.
func (e Engine) savePDF(field, name string, r io.Reader) (string, error) {
	ref, err := e.Files.SavePDF(name, r)
	switch {
	case err == nil:
		return ref, nil
	case errors.Is(err, storage.ErrNotPDF):
		return "", invalid(field, "must be a PDF file")
	case errors.Is(err, storage.ErrTooLarge):
		return "", invalid(field, "file too large")
	}
	return "", storageErr("save "+field, err)
}

type TaskCreateOptions struct {
	LetterID     string `json:"letter_id" validate:"required"`
	Subject      string `json:"subject" validate:"required"`
	DepartmentID int64  `json:"department_id" validate:"required"`
	AssignedBy   string `json:"assigned_by"`
	AddressedTo  string `json:"addressed_to"`
	LetterDate   string `json:"letter_date"`
	Deadline     string `json:"deadline"`
	ActorID      string `json:"-"`
	// Letter is an optional PDF attachment.
	Letter io.Reader `json:"-"`
}

// CreateTask registers a letter against a department as a pending task.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	opts.LetterID = strings.TrimSpace(opts.LetterID)
	opts.Subject = strings.TrimSpace(opts.Subject)
	if err := check(opts); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		LetterID:     opts.LetterID,
		Subject:      opts.Subject,
		DepartmentID: opts.DepartmentID,
		AssignedBy:   opts.AssignedBy,
		AddressedTo:  opts.AddressedTo,
		Status:       domain.TaskPending,
	}
	if opts.LetterDate != "" {
		d, err := view.NormalizeDate(opts.LetterDate)
		if err != nil {
			return domain.Task{}, invalid("letter_date", "must be a date")
		}
		t.LetterDate = &d
	}
	if opts.Deadline != "" {
		d, err := view.NormalizeDate(opts.Deadline)
		if err != nil {
			return domain.Task{}, fmt.Errorf("%w: %q", ErrInvalidDeadlineFormat, opts.Deadline)
		}
		t.Deadline = &d
	}

	tx, err := e.begin(ctx, "create task")
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	dept, err := e.Repo.GetDepartment(ctx, tx, opts.DepartmentID)
	if err != nil {
		return domain.Task{}, classify("create task", err, fmt.Errorf("department %d: %w", opts.DepartmentID, ErrNotFound))
	}
	ts := e.timestamp()
	t.CreatedAt, t.UpdatedAt = ts, ts
	t.ID, err = e.Repo.InsertTaskTx(ctx, tx, t)
	if errors.Is(err, repo.ErrDuplicate) {
		return domain.Task{}, ErrDuplicateLetter
	}
	if err != nil {
		return domain.Task{}, storageErr("create task", err)
	}
	var saved string
	if opts.Letter != nil {
		saved, err = e.savePDF("letter_file", letterFileName(t.ID, t.LetterID), opts.Letter)
		if err != nil {
			return domain.Task{}, err
		}
		if err := e.Repo.SetLetterFileTx(ctx, tx, t.ID, saved, ts); err != nil {
			e.removeFile(saved)
			return domain.Task{}, storageErr("create task", err)
		}
		t.LetterFile = &saved
	}
	if err := e.events().Append(ctx, tx, events.TaskCreated, "task", fmt.Sprint(t.ID), opts.ActorID,
		events.EventPayload{"letter_id": t.LetterID, "department_id": t.DepartmentID}); err != nil {
		e.removeFile(saved)
		return domain.Task{}, storageErr("create task", err)
	}
	if err := e.commit("create task", tx); err != nil {
		e.removeFile(saved)
		return domain.Task{}, err
	}
	t.DeptID, t.DepartmentName = dept.DeptID, dept.Name
	e.log().WithFields(logrus.Fields{"op": "task.create", "task_id": t.ID, "letter_id": t.LetterID}).Info("task created")
	return t, nil
}

// replacedFile removes the previous upload once a new one has been committed in its place.
func (e Engine) replacedFile(prev, next *string) {
	if prev == nil || next == nil || *prev == *next {
		return
	}
	e.removeFile(*prev)
}

func (e Engine) removeFile(ref string) {
	if ref == "" {
		return
	}
	if err := e.Files.Remove(ref); err != nil {
		e.log().WithError(err).WithField("file", ref).Warn("remove orphaned upload")
	}
}

// GetTask returns the task with its derived fields.
func (e Engine) GetTask(ctx context.Context, id int64) (view.TaskView, error) {
	t, err := e.Repo.GetTask(ctx, e.DB, id)
	if err != nil {
		return view.TaskView{}, classify("get task", err, ErrNotFound)
	}
	assignees, err := e.Repo.AssigneesByTask(ctx, []int64{id})
	if err != nil {
		return view.TaskView{}, storageErr("get task", err)
	}
	return view.Task(t, assignees[id], e.now()), nil
}

type TaskFilter struct {
	DepartmentID *int64
	// Status is a stored status or "overdue".
	Status string
}

// ListTasks returns tasks newest first with derived fields.
func (e Engine) ListTasks(ctx context.Context, f TaskFilter) ([]view.TaskView, error) {
	rf := repo.TaskFilter{DepartmentID: f.DepartmentID}
	switch f.Status {
	case "", domain.StatusOverdue:
	default:
		if !domain.TaskStatus(f.Status).Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
		}
		rf.Status = f.Status
	}
	tasks, err := e.Repo.ListTasks(ctx, rf)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	assignees, err := e.Repo.AssigneesByTask(ctx, ids)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	views := view.Tasks(tasks, assignees, e.now())
	if f.Status != domain.StatusOverdue {
		return views, nil
	}
	overdue := views[:0]
	for _, v := range views {
		if v.Overdue {
			overdue = append(overdue, v)
		}
	}
	return overdue, nil
}

// MarkInProgress moves a pending task to in_progress. It is a no-op for a
// task already in progress; a resolved task cannot be reopened.
func (e Engine) MarkInProgress(ctx context.Context, id int64, actorID string) (domain.Task, error) {
	tx, err := e.begin(ctx, "mark in progress")
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, classify("mark in progress", err, ErrNotFound)
	}
	switch t.Status {
	case domain.TaskInProgress:
		return t, nil
	case domain.TaskResolved:
		return domain.Task{}, fmt.Errorf("%w: task %d is resolved", ErrInvalidTransition, id)
	}
	ts := e.timestamp()
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, id, domain.TaskInProgress, nil, ts); err != nil {
		return domain.Task{}, classify("mark in progress", err, ErrNotFound)
	}
	if err := e.events().Append(ctx, tx, events.TaskInProgress, "task", fmt.Sprint(id), actorID,
		events.EventPayload{"from": t.Status}); err != nil {
		return domain.Task{}, storageErr("mark in progress", err)
	}
	if err := e.commit("mark in progress", tx); err != nil {
		return domain.Task{}, err
	}
	t.Status, t.UpdatedAt = domain.TaskInProgress, ts
	e.log().WithFields(logrus.Fields{"op": "task.in_progress", "task_id": id}).Info("task in progress")
	return t, nil
}

// Approve resolves a task and stamps date_resolved. Approving a resolved
// task keeps its original resolution date.
func (e Engine) Approve(ctx context.Context, id int64, actorID string) (domain.Task, error) {
	tx, err := e.begin(ctx, "approve task")
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, classify("approve task", err, ErrNotFound)
	}
	if t.Status == domain.TaskResolved {
		return t, nil
	}
	ts := e.timestamp()
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, id, domain.TaskResolved, &ts, ts); err != nil {
		return domain.Task{}, classify("approve task", err, ErrNotFound)
	}
	if err := e.events().Append(ctx, tx, events.TaskResolved, "task", fmt.Sprint(id), actorID,
		events.EventPayload{"from": t.Status}); err != nil {
		return domain.Task{}, storageErr("approve task", err)
	}
	if err := e.commit("approve task", tx); err != nil {
		return domain.Task{}, err
	}
	t.Status, t.DateResolved, t.UpdatedAt = domain.TaskResolved, &ts, ts
	e.log().WithFields(logrus.Fields{"op": "task.resolve", "task_id": id}).Info("task resolved")
	return t, nil
}

// Report is a partial report update; at least one field must be set.
type Report struct {
	Description *string
	File        io.Reader
}

func (r Report) description() *string {
	if r.Description == nil {
		return nil
	}
	d := strings.TrimSpace(*r.Description)
	if d == "" {
		return nil
	}
	return &d
}

// AttachTaskReport records the department's report on a task without
// changing its status.
func (e Engine) AttachTaskReport(ctx context.Context, id int64, r Report, actorID string) (domain.Task, error) {
	desc := r.description()
	if desc == nil && r.File == nil {
		return domain.Task{}, ErrNoReportData
	}
	prev, err := e.Repo.GetTask(ctx, e.DB, id)
	if err != nil {
		return domain.Task{}, classify("attach report", err, ErrNotFound)
	}
	var file *string
	if r.File != nil {
		ref, err := e.savePDF("report_file", reportFileName(), r.File)
		if err != nil {
			return domain.Task{}, err
		}
		file = &ref
	}
	fail := func(err error) (domain.Task, error) {
		if file != nil {
			e.removeFile(*file)
		}
		return domain.Task{}, err
	}
	tx, err := e.begin(ctx, "attach report")
	if err != nil {
		return fail(err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskReportTx(ctx, tx, id, file, desc, e.timestamp()); err != nil {
		return fail(classify("attach report", err, ErrNotFound))
	}
	if err := e.events().Append(ctx, tx, events.TaskReportAttached, "task", fmt.Sprint(id), actorID,
		events.EventPayload{"file": file != nil, "description": desc != nil}); err != nil {
		return fail(storageErr("attach report", err))
	}
	if err := e.commit("attach report", tx); err != nil {
		return fail(err)
	}
	e.replacedFile(prev.ReportFile, file)
	t, err := e.Repo.GetTask(ctx, e.DB, id)
	return t, classify("attach report", err, ErrNotFound)
}

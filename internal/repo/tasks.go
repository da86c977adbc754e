package repo

import (
	"context"
	"database/sql"

	"alertdesk/internal/domain"
)

const taskSelect = `SELECT t.id,t.letter_id,t.subject,t.department_id,d.dept_id,d.name,
	COALESCE(t.assigned_by,''),COALESCE(t.addressed_to,''),t.letter_date,t.deadline,t.letter_file,t.status,
	t.report_file,t.report_description,t.legacy_assigned_to,t.date_resolved,t.created_at,t.updated_at
	FROM department_tasks t JOIN departments d ON d.id=t.department_id`

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                                        domain.Task
		status                                   string
		letterDate, deadline, letterFile         sql.NullString
		reportFile, reportDesc, legacy, resolved sql.NullString
	)
	err := s.Scan(&t.ID, &t.LetterID, &t.Subject, &t.DepartmentID, &t.DeptID, &t.DepartmentName,
		&t.AssignedBy, &t.AddressedTo, &letterDate, &deadline, &letterFile, &status,
		&reportFile, &reportDesc, &legacy, &resolved, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, wrap(err)
	}
	t.Status = domain.TaskStatus(status)
	t.LetterDate = optionalString(letterDate)
	t.Deadline = optionalString(deadline)
	t.LetterFile = optionalString(letterFile)
	t.ReportFile = optionalString(reportFile)
	t.ReportDescription = optionalString(reportDesc)
	t.LegacyAssignedTo = optionalString(legacy)
	t.DateResolved = optionalString(resolved)
	return t, nil
}

// InsertTaskTx returns ErrDuplicate when the letter id is already registered
// for the department.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO department_tasks(letter_id,subject,department_id,assigned_by,addressed_to,letter_date,deadline,letter_file,status,report_file,report_description,legacy_assigned_to,date_resolved,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.LetterID, t.Subject, t.DepartmentID, nullable(t.AssignedBy), nullable(t.AddressedTo),
		nullableStr(t.LetterDate), nullableStr(t.Deadline), nullableStr(t.LetterFile), string(t.Status),
		nullableStr(t.ReportFile), nullableStr(t.ReportDescription), nullableStr(t.LegacyAssignedTo),
		nullableStr(t.DateResolved), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, wrap(err)
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, q Queryer, id int64) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, taskSelect+` WHERE t.id=?`, id))
}

type TaskFilter struct {
	DepartmentID *int64
	Status       string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	query := taskSelect + ` WHERE 1=1`
	var args []any
	if f.DepartmentID != nil {
		query += ` AND t.department_id=?`
		args = append(args, *f.DepartmentID)
	}
	if f.Status != "" {
		query += ` AND t.status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY t.created_at DESC, t.id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id int64, status domain.TaskStatus, dateResolved *string, updatedAt string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE department_tasks SET status=?, date_resolved=?, updated_at=? WHERE id=?`,
		string(status), nullableStr(dateResolved), updatedAt, id))
}

// UpdateTaskReportTx sets only the non-nil fields.
func (r Repo) UpdateTaskReportTx(ctx context.Context, tx *sql.Tx, id int64, file, description *string, updatedAt string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE department_tasks SET
		report_file=COALESCE(?, report_file),
		report_description=COALESCE(?, report_description),
		updated_at=? WHERE id=?`, nullableStr(file), nullableStr(description), updatedAt, id))
}

func (r Repo) SetLetterFileTx(ctx context.Context, tx *sql.Tx, id int64, ref, updatedAt string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE department_tasks SET letter_file=?, updated_at=? WHERE id=?`, ref, updatedAt, id))
}

type StatusCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Resolved   int `json:"resolved"`
	Overdue    int `json:"overdue"`
	Total      int `json:"total"`
}

// CountTasks tallies a department's tasks. A task is overdue when its
// deadline is before today and it is not resolved; overdue tasks are also
// counted under their stored status.
func (r Repo) CountTasks(ctx context.Context, departmentID int64, today string) (StatusCounts, error) {
	var c StatusCounts
	err := r.DB.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(status='pending'),0),
		COALESCE(SUM(status='in_progress'),0),
		COALESCE(SUM(status='resolved'),0),
		COALESCE(SUM(status<>'resolved' AND deadline IS NOT NULL AND deadline < ?),0),
		COUNT(1)
		FROM department_tasks WHERE department_id=?`, today, departmentID).
		Scan(&c.Pending, &c.InProgress, &c.Resolved, &c.Overdue, &c.Total)
	return c, err
}

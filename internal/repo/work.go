package repo

import (
	"context"
	"database/sql"

	"alertdesk/internal/domain"
)

const workSelect = `SELECT w.id,w.officer_id,o.unique_id,o.name,COALESCE(o.designation,''),w.department_id,d.name,w.task_id,
	w.work_title,COALESCE(w.work_description,''),w.deadline,w.status,w.report_file,w.report_description,w.assigned_at,w.completed_at
	FROM officer_work w
	JOIN officers o ON o.id=w.officer_id
	JOIN departments d ON d.id=w.department_id`

func scanWorkItem(s scanner) (domain.WorkItem, error) {
	var (
		w                                  domain.WorkItem
		status                             string
		reportFile, reportDesc, completeAt sql.NullString
	)
	err := s.Scan(&w.ID, &w.OfficerID, &w.OfficerUniqueID, &w.OfficerName, &w.OfficerDesig, &w.DepartmentID, &w.DepartmentName, &w.TaskID,
		&w.WorkTitle, &w.WorkDescription, &w.Deadline, &status, &reportFile, &reportDesc, &w.AssignedAt, &completeAt)
	if err != nil {
		return w, wrap(err)
	}
	w.Status = domain.WorkStatus(status)
	w.ReportFile = optionalString(reportFile)
	w.ReportDescription = optionalString(reportDesc)
	w.CompletedAt = optionalString(completeAt)
	return w, nil
}

func collectWork(rows *sql.Rows, err error) ([]domain.WorkItem, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// AssignedOfficersTx returns which of officerIDs already hold a work item on the task.
func (r Repo) AssignedOfficersTx(ctx context.Context, tx *sql.Tx, taskID int64, officerIDs []int64) (map[int64]bool, error) {
	res := map[int64]bool{}
	if len(officerIDs) == 0 {
		return res, nil
	}
	args := append([]any{taskID}, int64Args(officerIDs)...)
	rows, err := tx.QueryContext(ctx, `SELECT officer_id FROM officer_work WHERE task_id=? AND officer_id IN (`+placeholders(len(officerIDs))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO officer_work(officer_id,department_id,task_id,work_title,work_description,deadline,status,assigned_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		w.OfficerID, w.DepartmentID, w.TaskID, w.WorkTitle, nullable(w.WorkDescription), w.Deadline, string(w.Status), w.AssignedAt)
	if err != nil {
		return 0, wrap(err)
	}
	return res.LastInsertId()
}

func (r Repo) DeleteWorkItemTx(ctx context.Context, tx *sql.Tx, taskID, officerID int64) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `DELETE FROM officer_work WHERE task_id=? AND officer_id=?`, taskID, officerID))
}

func (r Repo) GetWorkItem(ctx context.Context, q Queryer, id int64) (domain.WorkItem, error) {
	return scanWorkItem(q.QueryRowContext(ctx, workSelect+` WHERE w.id=?`, id))
}

func (r Repo) ListWorkByTask(ctx context.Context, taskID int64) ([]domain.WorkItem, error) {
	return collectWork(r.DB.QueryContext(ctx, workSelect+` WHERE w.task_id=? ORDER BY w.assigned_at, w.id`, taskID))
}

func (r Repo) ListWorkByOfficer(ctx context.Context, officerID int64) ([]domain.WorkItem, error) {
	return collectWork(r.DB.QueryContext(ctx, workSelect+` WHERE w.officer_id=? ORDER BY w.assigned_at DESC, w.id DESC`, officerID))
}

// ListReportedWorkByDepartment returns the department's work items that carry a report.
func (r Repo) ListReportedWorkByDepartment(ctx context.Context, departmentID int64) ([]domain.WorkItem, error) {
	return collectWork(r.DB.QueryContext(ctx, workSelect+` WHERE w.department_id=? AND (w.report_file IS NOT NULL OR w.report_description IS NOT NULL)
		ORDER BY w.assigned_at DESC, w.id DESC`, departmentID))
}

// AssigneesByTask maps each task id to its officers' unique ids in assignment order.
func (r Repo) AssigneesByTask(ctx context.Context, taskIDs []int64) (map[int64][]string, error) {
	res := map[int64][]string{}
	if len(taskIDs) == 0 {
		return res, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT w.task_id, o.unique_id FROM officer_work w JOIN officers o ON o.id=w.officer_id
		WHERE w.task_id IN (`+placeholders(len(taskIDs))+`) ORDER BY w.task_id, w.assigned_at, w.id`, int64Args(taskIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			taskID int64
			uid    string
		)
		if err := rows.Scan(&taskID, &uid); err != nil {
			return nil, err
		}
		res[taskID] = append(res[taskID], uid)
	}
	return res, rows.Err()
}

func (r Repo) UpdateWorkStatusTx(ctx context.Context, tx *sql.Tx, id int64, status domain.WorkStatus, completedAt *string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE officer_work SET status=?, completed_at=? WHERE id=?`,
		string(status), nullableStr(completedAt), id))
}

func (r Repo) UpdateWorkReportTx(ctx context.Context, tx *sql.Tx, id int64, file, description *string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE officer_work SET
		report_file=COALESCE(?, report_file),
		report_description=COALESCE(?, report_description)
		WHERE id=?`, nullableStr(file), nullableStr(description), id))
}

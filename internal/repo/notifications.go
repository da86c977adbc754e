package repo

import (
	"context"
	"database/sql"

	"alertdesk/internal/domain"
)

const notificationColumns = `id,kind,recipient,subject,body,status,attempts,COALESCE(last_error,''),created_at,updated_at`

func scanNotification(s scanner) (domain.Notification, error) {
	var (
		n      domain.Notification
		status string
	)
	err := s.Scan(&n.ID, &n.Kind, &n.Recipient, &n.Subject, &n.Body, &status, &n.Attempts, &n.LastError, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return n, wrap(err)
	}
	n.Status = domain.NotificationStatus(status)
	return n, nil
}

// InsertNotificationTx queues a message in the outbox as pending.
func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO notifications(kind,recipient,subject,body,status,attempts,created_at,updated_at) VALUES (?,?,?,?,?,0,?,?)`,
		n.Kind, n.Recipient, n.Subject, n.Body, string(domain.NotificationPending), n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetNotification(ctx context.Context, id int64) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

// RecordDelivery stores the outcome of one send attempt.
func (r Repo) RecordDelivery(ctx context.Context, id int64, status domain.NotificationStatus, lastError, updatedAt string) error {
	return affectedOrNotFound(r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, attempts=attempts+1, last_error=?, updated_at=? WHERE id=?`,
		string(status), nullable(lastError), updatedAt, id))
}

func (r Repo) ListNotifications(ctx context.Context, status string, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"alertdesk/internal/domain"
	"alertdesk/internal/events"
	"alertdesk/internal/notify"
	"alertdesk/internal/repo"
)

const defaultListLimit = 50

// ListNotifications returns outbox entries newest first. An empty status
// lists every entry.
func (e Engine) ListNotifications(ctx context.Context, status string, limit int) ([]domain.Notification, error) {
	switch domain.NotificationStatus(status) {
	case "", domain.NotificationPending, domain.NotificationSent, domain.NotificationFailed:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	ns, err := e.Repo.ListNotifications(ctx, status, limit)
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	return ns, nil
}

// ResendNotification retries a pending or failed outbox entry.
func (e Engine) ResendNotification(ctx context.Context, id int64, actorID string) (domain.Notification, error) {
	n, err := e.Repo.GetNotification(ctx, id)
	if err != nil {
		return domain.Notification{}, classify("resend notification", err, ErrNotFound)
	}
	if n.Status == domain.NotificationSent {
		return domain.Notification{}, fmt.Errorf("%w: notification %d already sent", ErrInvalidTransition, id)
	}
	tx, err := e.begin(ctx, "resend notification")
	if err != nil {
		return domain.Notification{}, err
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, events.NotificationResendReq, "notification", fmt.Sprint(id), actorID,
		events.EventPayload{"attempts": n.Attempts}); err != nil {
		return domain.Notification{}, storageErr("resend notification", err)
	}
	if err := e.commit("resend notification", tx); err != nil {
		return domain.Notification{}, err
	}
	msg := notify.Message{Kind: n.Kind, To: n.Recipient, Subject: n.Subject, HTML: n.Body}
	sendErr := e.deliver(ctx, id, msg)
	e.log().WithFields(logrus.Fields{"op": "notification.resend", "outbox_id": id, "ok": sendErr == nil}).Info("notification resent")
	updated, err := e.Repo.GetNotification(ctx, id)
	if err != nil {
		return domain.Notification{}, classify("resend notification", err, ErrNotFound)
	}
	return updated, sendErr
}

type EventQuery struct {
	Limit      int
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns audit events newest first.
func (e Engine) LatestEvents(ctx context.Context, q EventQuery) ([]domain.Event, error) {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	evts, err := e.Repo.LatestEvents(ctx, q.Limit, repo.EventFilter{Type: q.Type, EntityKind: q.EntityKind, EntityID: q.EntityID})
	if err != nil {
		return nil, storageErr("list events", err)
	}
	return evts, nil
}

// EventsAfter returns events with id greater than afterID, oldest first.
func (e Engine) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	evts, err := e.Repo.EventsAfter(ctx, afterID, limit)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	return evts, nil
}

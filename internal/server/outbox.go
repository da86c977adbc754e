package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"alertdesk/internal/domain"
	"alertdesk/internal/engine"
)

type paginatedEvents struct {
	Items []domain.Event `json:"items"`
	// More is set when older events exist beyond limit.
	More bool `json:"more"`
}

func (h handlers) registerOutbox(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Notification outbox, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,sent,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*bodyOut[[]domain.Notification], error) {
		if _, err := authorize(ctx, h.e.Policy, "notification.manage"); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListNotifications(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resend-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/resend",
		Summary:     "Retry a pending or failed notification",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*bodyOut[domain.Notification], error) {
		p, err := authorize(ctx, h.e.Policy, "notification.manage")
		if err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.ResendNotification(ctx, input.ID, p.UniqueID)
		var ne *engine.NotificationError
		if errors.As(err, &ne) {
			return nil, newAPIError(http.StatusBadGateway, "notification_failed", "notification could not be delivered", map[string]any{
				"outbox_id": input.ID,
				"attempts":  n.Attempts,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*bodyOut[paginatedEvents], error) {
		if _, err := authorize(ctx, h.e.Policy, "event.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.LatestEvents(ctx, engine.EventQuery{
			Limit:      limit + 1,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.More = true
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}

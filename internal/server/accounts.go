package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"alertdesk/internal/domain"
	"alertdesk/internal/engine"
)

type bodyOut[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *bodyOut[T] {
	return &bodyOut[T]{Body: v}
}

// provisioned reports credentials that were committed. A failed mail still
// returns an error so the operator can resend from the outbox.
func provisioned(p engine.Provisioned, err error) (*bodyOut[ProvisionedResponse], error) {
	var ne *engine.NotificationError
	if errors.As(err, &ne) && p.UniqueID != "" {
		return nil, newAPIError(http.StatusBadGateway, "notification_failed", "account saved but the credentials mail failed", map[string]any{
			"outbox_id": ne.OutboxID,
			"unique_id": p.UniqueID,
		})
	}
	if err != nil {
		return nil, handleError(err)
	}
	return reply(ProvisionedResponse{Provisioned: p, Notified: true}), nil
}

func (h handlers) registerSession(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in with a unique id and password",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*bodyOut[LoginResponse], error) {
		res, err := h.e.Authenticate(ctx, input.Body.UniqueID, input.Body.Password)
		if err != nil {
			return nil, loginError(err)
		}
		token, exp, err := issueToken(h.auth, res.Account)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "could not issue token", nil)
		}
		return reply(LoginResponse{
			Token:      token,
			ExpiresAt:  exp.UTC().Format(time.RFC3339),
			MustChange: res.MustChange,
			Account:    res.Account,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[MeResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(MeResponse{
			Kind:         p.Kind,
			UniqueID:     p.UniqueID,
			ID:           p.RowID,
			DepartmentID: p.DepartmentID,
			Permissions:  nonNilSlice(h.e.Policy.Permissions(p.Kind)),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-password",
		Method:      http.MethodPost,
		Path:        "/auth/password/change",
		Summary:     "Replace the caller's password",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body PasswordChangeRequest `json:"body"`
	}) (*bodyOut[StatusResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		err := h.e.ChangePassword(ctx, engine.PasswordChange{
			UniqueID:        p.UniqueID,
			CurrentPassword: input.Body.CurrentPassword,
			NewPassword:     input.Body.NewPassword,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "changed"}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-password-reset",
		Method:        http.MethodPost,
		Path:          "/auth/password/forgot",
		Summary:       "Mail a password reset code",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body ResetRequest `json:"body"`
	}) (*bodyOut[StatusResponse], error) {
		if err := h.e.RequestPasswordReset(ctx, input.Body.Email, input.Body.UniqueID); err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "sent"}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-password-reset",
		Method:      http.MethodPost,
		Path:        "/auth/password/reset",
		Summary:     "Consume a reset code and mail a temp password",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body ResetConfirmRequest `json:"body"`
	}) (*bodyOut[ProvisionedResponse], error) {
		return provisioned(h.e.ConfirmPasswordReset(ctx, input.Body.Email, input.Body.UniqueID, input.Body.OTP))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-profile-otp",
		Method:        http.MethodPost,
		Path:          "/profile/otp",
		Summary:       "Mail a profile update code to the new address",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body ProfileOTPRequest `json:"body"`
	}) (*bodyOut[StatusResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		if err := h.e.RequestProfileOTP(ctx, p.UniqueID, input.Body.Email); err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "sent"}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPut,
		Path:        "/profile",
		Summary:     "Set email and password with a profile code",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ProfileUpdateRequest `json:"body"`
	}) (*bodyOut[StatusResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		err := h.e.UpdateProfile(ctx, engine.ProfileUpdate{
			UniqueID:    p.UniqueID,
			Email:       input.Body.Email,
			NewPassword: input.Body.NewPassword,
			Code:        input.Body.OTP,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "updated"}), nil
	})
}

func (h handlers) registerAccounts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "setup-admin",
		Method:        http.MethodPost,
		Path:          "/admin/setup",
		Summary:       "Provision the main admin (once)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body AdminSetupRequest `json:"body"`
	}) (*bodyOut[ProvisionedResponse], error) {
		b := input.Body
		return provisioned(h.e.SetupMainAdmin(ctx, engine.AdminSetup{Name: b.Name, Surname: b.Surname, Mobile: b.Mobile, Email: b.Email}))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-nodal",
		Method:        http.MethodPost,
		Path:          "/nodal/register",
		Summary:       "Request a nodal officer account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body NodalRegisterRequest `json:"body"`
	}) (*bodyOut[domain.Admin], error) {
		b := input.Body
		a, err := h.e.RegisterNodal(ctx, engine.NodalRegistration{
			Name: b.Name, Surname: b.Surname, Mobile: b.Mobile, Email: b.Email, DepartmentID: b.DepartmentID,
		})
		var ne *engine.NotificationError
		if errors.As(err, &ne) && a.UniqueID != "" {
			h.log.WithError(err).WithField("unique_id", a.UniqueID).Warn("nodal approval notice not delivered")
			return nil, newAPIError(http.StatusBadGateway, "notification_failed", "registration saved but the approval notice failed", map[string]any{
				"outbox_id": ne.OutboxID,
				"unique_id": a.UniqueID,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-nodal-token",
		Method:      http.MethodPost,
		Path:        "/nodal/verify",
		Summary:     "Approve a nodal registration by its token",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*bodyOut[ProvisionedResponse], error) {
		return provisioned(h.e.VerifyNodalByToken(ctx, input.Body.Token))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-nodals",
		Method:      http.MethodGet,
		Path:        "/nodal/pending",
		Summary:     "Unverified nodal registrations",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[[]domain.Admin], error) {
		if _, err := authorize(ctx, h.e.Policy, "nodal.review"); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListUnverifiedNodals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-nodal",
		Method:      http.MethodPost,
		Path:        "/nodal/{id}/approve",
		Summary:     "Approve a nodal registration",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*bodyOut[ProvisionedResponse], error) {
		p, err := authorize(ctx, h.e.Policy, "nodal.review")
		if err != nil {
			return nil, handleError(err)
		}
		return provisioned(h.e.VerifyNodal(ctx, input.ID, p.UniqueID))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deny-nodal",
		Method:        http.MethodDelete,
		Path:          "/nodal/{id}",
		Summary:       "Deny an unverified nodal registration",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		p, err := authorize(ctx, h.e.Policy, "nodal.review")
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.e.DenyNodal(ctx, input.ID, p.UniqueID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-department",
		Method:        http.MethodPost,
		Path:          "/departments",
		Summary:       "Register a department and mail its verification code",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body DepartmentRequest `json:"body"`
	}) (*bodyOut[domain.Department], error) {
		p, err := authorize(ctx, h.e.Policy, "department.create")
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		d, err := h.e.RegisterDepartment(ctx, engine.DepartmentRegistration{
			Name: b.Name, Head: b.Head, Email: b.Email, MobileNo: b.MobileNo, Address: b.Address,
		}, p.UniqueID)
		var ne *engine.NotificationError
		if errors.As(err, &ne) && d.DeptID != "" {
			return nil, newAPIError(http.StatusBadGateway, "notification_failed", "department saved but the verification code mail failed; resend the code", map[string]any{
				"dept_id": d.DeptID,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-departments",
		Method:      http.MethodGet,
		Path:        "/departments",
		Summary:     "List departments",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Verified bool `query:"verified" doc:"Only verified departments"`
	}) (*bodyOut[[]domain.Department], error) {
		p, err := authorize(ctx, h.e.Policy, "department.read")
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListDepartments(ctx, input.Verified)
		if err != nil {
			return nil, handleError(err)
		}
		if !p.Global() {
			own := []domain.Department{}
			for _, d := range items {
				if p.RequireDepartment(d.ID) == nil {
					own = append(own, d)
				}
			}
			items = own
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-department",
		Method:      http.MethodGet,
		Path:        "/departments/{dept_id}",
		Summary:     "Get a department by its DEPT code",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeptID string `path:"dept_id"`
	}) (*bodyOut[domain.Department], error) {
		d, err := h.departmentInScope(ctx, input.DeptID)
		if err != nil {
			return nil, err
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "department-dashboard",
		Method:      http.MethodGet,
		Path:        "/departments/{dept_id}/dashboard",
		Summary:     "Task counts by status",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeptID string `path:"dept_id"`
	}) (*bodyOut[engine.Dashboard], error) {
		if _, err := h.departmentInScope(ctx, input.DeptID); err != nil {
			return nil, err
		}
		dash, err := h.e.DepartmentDashboard(ctx, input.DeptID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(dash), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-department",
		Method:      http.MethodPost,
		Path:        "/departments/{dept_id}/verify",
		Summary:     "Verify a department with its mailed code",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		DeptID string      `path:"dept_id"`
		Body   CodeRequest `json:"body"`
	}) (*bodyOut[ProvisionedResponse], error) {
		return provisioned(h.e.VerifyDepartment(ctx, input.DeptID, input.Body.OTP))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resend-department-otp",
		Method:        http.MethodPost,
		Path:          "/departments/{dept_id}/otp",
		Summary:       "Mail a fresh department verification code",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		DeptID string `path:"dept_id"`
	}) (*bodyOut[StatusResponse], error) {
		if err := h.e.ResendDepartmentOTP(ctx, input.DeptID); err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "sent"}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-officer",
		Method:        http.MethodPost,
		Path:          "/officers",
		Summary:       "Mail a registration code to a prospective officer",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body OfficerRequest `json:"body"`
	}) (*bodyOut[StatusResponse], error) {
		p, err := authorize(ctx, h.e.Policy, "officer.register")
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		deptID := b.DepartmentID
		if deptID == 0 && p.DepartmentID != nil {
			deptID = *p.DepartmentID
		}
		if err := p.RequireDepartment(deptID); err != nil {
			return nil, handleError(err)
		}
		err = h.e.RequestOfficerRegistration(ctx, engine.OfficerRegistration{
			Name: b.Name, Email: b.Email, PhoneNo: b.PhoneNo, Designation: b.Designation, DepartmentID: deptID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "sent"}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-officer",
		Method:      http.MethodPost,
		Path:        "/officers/verify",
		Summary:     "Complete officer registration with the mailed code",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body OfficerVerifyRequest `json:"body"`
	}) (*bodyOut[ProvisionedResponse], error) {
		return provisioned(h.e.VerifyOfficer(ctx, input.Body.Email, input.Body.OTP))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-officers",
		Method:      http.MethodGet,
		Path:        "/officers",
		Summary:     "List a department's officers",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DepartmentID int64 `query:"department_id" doc:"Department row id; defaults to the caller's"`
	}) (*bodyOut[[]domain.Officer], error) {
		p, err := authorize(ctx, h.e.Policy, "officer.read")
		if err != nil {
			return nil, handleError(err)
		}
		deptID := input.DepartmentID
		if deptID == 0 && p.DepartmentID != nil {
			deptID = *p.DepartmentID
		}
		if deptID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "department_id is required", nil)
		}
		if err := p.RequireDepartment(deptID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListOfficers(ctx, deptID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-officer",
		Method:      http.MethodGet,
		Path:        "/officers/{unique_id}",
		Summary:     "Get an officer by unique id",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UniqueID string `path:"unique_id"`
	}) (*bodyOut[domain.Officer], error) {
		p, err := authorize(ctx, h.e.Policy, "officer.read")
		if err != nil {
			return nil, handleError(err)
		}
		o, err := h.e.GetOfficer(ctx, strings.TrimSpace(input.UniqueID))
		if err != nil {
			return nil, handleError(err)
		}
		if err := p.RequireDepartment(o.DepartmentID); err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})
}

func (h handlers) departmentInScope(ctx context.Context, deptID string) (domain.Department, error) {
	p, err := authorize(ctx, h.e.Policy, "department.read")
	if err != nil {
		return domain.Department{}, handleError(err)
	}
	d, err := h.e.GetDepartmentByCode(ctx, deptID)
	if err != nil {
		return domain.Department{}, handleError(err)
	}
	if err := p.RequireDepartment(d.ID); err != nil {
		return domain.Department{}, handleError(err)
	}
	return d, nil
}

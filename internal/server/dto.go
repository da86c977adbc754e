package server

import (
	"alertdesk/internal/domain"
	"alertdesk/internal/engine"
	"alertdesk/internal/storage"
	"alertdesk/internal/view"
)

// Request payloads

type LoginRequest struct {
	UniqueID string `json:"unique_id" minLength:"1"`
	Password string `json:"password" minLength:"1"`
}

type AdminSetupRequest struct {
	Name    string `json:"name"`
	Surname string `json:"surname,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
	Email   string `json:"email"`
}

type NodalRegisterRequest struct {
	Name         string `json:"name"`
	Surname      string `json:"surname,omitempty"`
	Mobile       string `json:"mobile,omitempty"`
	Email        string `json:"email"`
	DepartmentID *int64 `json:"department_id,omitempty"`
}

type TokenRequest struct {
	Token string `json:"token"`
}

type DepartmentRequest struct {
	Name     string `json:"name"`
	Head     string `json:"head"`
	Email    string `json:"email"`
	MobileNo string `json:"mobile_no,omitempty"`
	Address  string `json:"address,omitempty"`
}

type CodeRequest struct {
	OTP string `json:"otp"`
}

type OfficerRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNo     string `json:"phone_no,omitempty"`
	Designation string `json:"designation,omitempty"`
	// DepartmentID is the department row id; department callers may omit it.
	DepartmentID int64 `json:"department_id,omitempty"`
}

type OfficerVerifyRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type ResetRequest struct {
	Email    string `json:"email"`
	UniqueID string `json:"unique_id"`
}

type ResetConfirmRequest struct {
	Email    string `json:"email"`
	UniqueID string `json:"unique_id"`
	OTP      string `json:"otp"`
}

type ProfileOTPRequest struct {
	Email string `json:"email"`
}

type ProfileUpdateRequest struct {
	Email       string `json:"email"`
	NewPassword string `json:"new_password"`
	OTP         string `json:"otp"`
}

type CreateTaskRequest struct {
	LetterID     string `json:"letter_id"`
	Subject      string `json:"subject"`
	DepartmentID int64  `json:"department_id,omitempty"`
	AssignedBy   string `json:"assigned_by,omitempty"`
	AddressedTo  string `json:"addressed_to,omitempty"`
	LetterDate   string `json:"letter_date,omitempty"`
	Deadline     string `json:"deadline,omitempty"`
}

// AssignRequest carries either a full assignment or only officer ids, in
// which case the task's subject and deadline are used.
type AssignRequest struct {
	OfficerIDs      []int64 `json:"officer_ids"`
	Deadline        string  `json:"deadline,omitempty"`
	WorkTitle       string  `json:"work_title,omitempty"`
	WorkDescription string  `json:"work_description,omitempty"`
}

type WorkStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,resolved"`
}

// Response payloads

type StatusResponse struct {
	Status string `json:"status"`
}

type LoginResponse struct {
	Token      string         `json:"token"`
	ExpiresAt  string         `json:"expires_at" format:"date-time"`
	MustChange bool           `json:"must_change"`
	Account    domain.Account `json:"account"`
}

type ProvisionedResponse struct {
	engine.Provisioned
	Notified bool `json:"notified"`
}

type MeResponse struct {
	Kind         domain.AccountKind `json:"kind"`
	UniqueID     string             `json:"unique_id"`
	ID           int64              `json:"id"`
	DepartmentID *int64             `json:"department_id,omitempty"`
	Permissions  []string           `json:"permissions"`
}

type TaskResponse struct {
	view.TaskView
	LetterURL string `json:"letter_url,omitempty"`
	ReportURL string `json:"report_url,omitempty"`
}

type WorkItemResponse struct {
	view.WorkItemView
	ReportURL string `json:"report_url,omitempty"`
}

type AssignResponse struct {
	Created         []WorkItemResponse `json:"created"`
	Skipped         []int64            `json:"skipped"`
	AlreadyAssigned bool               `json:"already_assigned"`
}

func refURL(files storage.Store, ref *string) string {
	if ref == nil {
		return ""
	}
	return files.URL(*ref)
}

func taskResponse(files storage.Store, t view.TaskView) TaskResponse {
	return TaskResponse{
		TaskView:  t,
		LetterURL: refURL(files, t.LetterFile),
		ReportURL: refURL(files, t.ReportFile),
	}
}

func taskResponses(files storage.Store, ts []view.TaskView) []TaskResponse {
	out := make([]TaskResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, taskResponse(files, t))
	}
	return out
}

func workResponse(files storage.Store, w view.WorkItemView) WorkItemResponse {
	return WorkItemResponse{WorkItemView: w, ReportURL: refURL(files, w.ReportFile)}
}

func workResponses(files storage.Store, ws []view.WorkItemView) []WorkItemResponse {
	out := make([]WorkItemResponse, 0, len(ws))
	for _, w := range ws {
		out = append(out, workResponse(files, w))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

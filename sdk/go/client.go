// Package alertdesksdk is a small client for the alertdesk HTTP API.
package alertdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal alertdesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Account struct {
	Kind         string `json:"kind"`
	ID           int64  `json:"id"`
	UniqueID     string `json:"unique_id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	DepartmentID *int64 `json:"department_id,omitempty"`
}

type Session struct {
	Token      string  `json:"token"`
	ExpiresAt  string  `json:"expires_at"`
	MustChange bool    `json:"must_change"`
	Account    Account `json:"account"`
}

// Task represents the API task model (partial).
type Task struct {
	ID             int64    `json:"id"`
	LetterID       string   `json:"letter_id"`
	Subject        string   `json:"subject"`
	DepartmentID   int64    `json:"department_id"`
	DepartmentName string   `json:"department_name"`
	Deadline       *string  `json:"deadline"`
	Status         string   `json:"status"`
	DisplayStatus  string   `json:"display_status"`
	DaysLeft       *int     `json:"days_left"`
	Overdue        bool     `json:"overdue"`
	AssignedTo     []string `json:"assigned_to"`
	LetterURL      string   `json:"letter_url"`
	ReportURL      string   `json:"report_url"`
	DateResolved   *string  `json:"date_resolved"`
}

type WorkItem struct {
	ID                int64   `json:"id"`
	TaskID            int64   `json:"task_id"`
	OfficerID         int64   `json:"officer_id"`
	OfficerUniqueID   string  `json:"officer_unique_id"`
	WorkTitle         string  `json:"work_title"`
	Deadline          string  `json:"deadline"`
	Status            string  `json:"status"`
	DisplayStatus     string  `json:"display_status"`
	ReportDescription *string `json:"report_description"`
	ReportURL         string  `json:"report_url"`
	CompletedAt       *string `json:"completed_at"`
}

type AssignResult struct {
	Created         []WorkItem `json:"created"`
	Skipped         []int64    `json:"skipped"`
	AlreadyAssigned bool       `json:"already_assigned"`
}

type Notification struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// Login exchanges credentials for a bearer token and keeps it on the client.
func (c *Client) Login(ctx context.Context, uniqueID, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]string{"unique_id": uniqueID, "password": password}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	return c.do(ctx, http.MethodPost, "auth/password/change", map[string]string{"current_password": current, "new_password": next}, nil)
}

type TaskFilter struct {
	DepartmentID int64
	Status       string
}

func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := url.Values{}
	if f.DepartmentID > 0 {
		q.Set("department_id", fmt.Sprint(f.DepartmentID))
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

type NewTask struct {
	LetterID     string
	Subject      string
	DepartmentID int64
	AssignedBy   string
	AddressedTo  string
	LetterDate   string
	Deadline     string
	// Letter is an optional PDF.
	Letter io.Reader
}

// CreateTask registers a letter as a task, uploading the PDF when given.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	fields := map[string]string{
		"letter_id":     t.LetterID,
		"subject":       t.Subject,
		"department_id": fmt.Sprint(t.DepartmentID),
		"assigned_by":   t.AssignedBy,
		"addressed_to":  t.AddressedTo,
		"letter_date":   t.LetterDate,
		"deadline":      t.Deadline,
	}
	var resp Task
	err := c.upload(ctx, "tasks", fields, "letter_file", t.Letter, &resp)
	return resp, err
}

func (c *Client) MarkInProgress(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/in-progress", id), nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/approve", id), nil, &resp)
	return resp, err
}

type Assignment struct {
	OfficerIDs      []int64 `json:"officer_ids"`
	Deadline        string  `json:"deadline,omitempty"`
	WorkTitle       string  `json:"work_title,omitempty"`
	WorkDescription string  `json:"work_description,omitempty"`
}

func (c *Client) Assign(ctx context.Context, taskID int64, a Assignment) (AssignResult, error) {
	var resp AssignResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/assignments", taskID), a, &resp)
	return resp, err
}

// ListWork returns an officer's work items; zero means the caller's own.
func (c *Client) ListWork(ctx context.Context, officerID int64) ([]WorkItem, error) {
	q := url.Values{}
	if officerID > 0 {
		q.Set("officer_id", fmt.Sprint(officerID))
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, withQuery("work", q), nil, &resp)
	return resp, err
}

func (c *Client) SetWorkStatus(ctx context.Context, id int64, status string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("work/%d/status", id), map[string]string{"status": status}, &resp)
	return resp, err
}

// AttachWorkReport files a report; description, file or both may be set.
func (c *Client) AttachWorkReport(ctx context.Context, id int64, description string, file io.Reader) (WorkItem, error) {
	fields := map[string]string{}
	if description != "" {
		fields["report_description"] = description
	}
	var resp WorkItem
	err := c.upload(ctx, fmt.Sprintf("work/%d/report", id), fields, "report_file", file, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context, status string) ([]Notification, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, withQuery("notifications", q), nil, &resp)
	return resp, err
}

func (c *Client) ResendNotification(ctx context.Context, id int64) (Notification, error) {
	var resp Notification
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("notifications/%d/resend", id), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, eventType string, limit int) ([]Event, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) upload(ctx context.Context, endpoint string, fields map[string]string, fileField string, file io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile(fileField, fileField+".pdf")
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, file); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

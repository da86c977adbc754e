package domain

// AccountKind identifies which of the four account tables a record lives in.
type AccountKind string

const (
	KindMainAdmin  AccountKind = "main_admin"
	KindNodal      AccountKind = "nodal"
	KindDepartment AccountKind = "department"
	KindOfficer    AccountKind = "officer"
)

func (k AccountKind) Valid() bool {
	switch k {
	case KindMainAdmin, KindNodal, KindDepartment, KindOfficer:
		return true
	}
	return false
}

// CredentialState is derived from which password column is populated.
type CredentialState string

const (
	CredentialNone        CredentialState = "none"
	CredentialTemporary   CredentialState = "no_password_set"
	CredentialPasswordSet CredentialState = "password_set"
)

// Account is the shape shared by admins, nodal officers, departments and officers.
type Account struct {
	Kind         AccountKind `json:"kind"`
	ID           int64       `json:"id"`
	UniqueID     string      `json:"unique_id"`
	Name         string      `json:"name"`
	Email        string      `json:"email"`
	TempPassword *string     `json:"-"`
	PasswordHash *string     `json:"-"`
	IsVerified   bool        `json:"is_verified"`
	IsAdmin      bool        `json:"is_admin"`
	DepartmentID *int64      `json:"department_id,omitempty"`
}

func (a Account) CredentialState() CredentialState {
	switch {
	case a.PasswordHash != nil && *a.PasswordHash != "":
		return CredentialPasswordSet
	case a.TempPassword != nil && *a.TempPassword != "":
		return CredentialTemporary
	default:
		return CredentialNone
	}
}

type Admin struct {
	ID           int64   `json:"id"`
	UniqueID     string  `json:"unique_id"`
	Name         string  `json:"name"`
	Surname      string  `json:"surname,omitempty"`
	Mobile       string  `json:"mobile,omitempty"`
	Email        string  `json:"email"`
	DepartmentID *int64  `json:"department_id,omitempty"`
	TempPassword *string `json:"-"`
	PasswordHash *string `json:"-"`
	VerifyToken  *string `json:"-"`
	IsAdmin      bool    `json:"is_admin"`
	IsVerified   bool    `json:"is_verified"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

func (a Admin) Kind() AccountKind {
	if a.IsAdmin {
		return KindMainAdmin
	}
	return KindNodal
}

func (a Admin) Account() Account {
	return Account{
		Kind:         a.Kind(),
		ID:           a.ID,
		UniqueID:     a.UniqueID,
		Name:         a.Name,
		Email:        a.Email,
		TempPassword: a.TempPassword,
		PasswordHash: a.PasswordHash,
		IsVerified:   a.IsVerified,
		IsAdmin:      a.IsAdmin,
		DepartmentID: a.DepartmentID,
	}
}

type Department struct {
	ID           int64   `json:"id"`
	DeptID       string  `json:"dept_id"`
	Name         string  `json:"name"`
	Head         string  `json:"head"`
	Email        string  `json:"email"`
	MobileNo     string  `json:"mobile_no,omitempty"`
	Address      string  `json:"address,omitempty"`
	TempPassword *string `json:"-"`
	PasswordHash *string `json:"-"`
	IsVerified   bool    `json:"is_verified"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

func (d Department) Account() Account {
	id := d.ID
	return Account{
		Kind:         KindDepartment,
		ID:           d.ID,
		UniqueID:     d.DeptID,
		Name:         d.Name,
		Email:        d.Email,
		TempPassword: d.TempPassword,
		PasswordHash: d.PasswordHash,
		IsVerified:   d.IsVerified,
		DepartmentID: &id,
	}
}

type Officer struct {
	ID           int64   `json:"id"`
	UniqueID     string  `json:"unique_id"`
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	PhoneNo      string  `json:"phone_no,omitempty"`
	Designation  string  `json:"designation,omitempty"`
	DepartmentID int64   `json:"department_id"`
	TempPassword *string `json:"-"`
	PasswordHash *string `json:"-"`
	IsVerified   bool    `json:"is_verified"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

func (o Officer) Account() Account {
	dept := o.DepartmentID
	return Account{
		Kind:         KindOfficer,
		ID:           o.ID,
		UniqueID:     o.UniqueID,
		Name:         o.Name,
		Email:        o.Email,
		TempPassword: o.TempPassword,
		PasswordHash: o.PasswordHash,
		IsVerified:   o.IsVerified,
		DepartmentID: &dept,
	}
}

// TaskStatus is the persisted state of a department task. Overdue is never stored.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskResolved   TaskStatus = "resolved"

	// StatusOverdue is the read-time label applied by the view formatter.
	StatusOverdue = "overdue"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskResolved:
		return true
	}
	return false
}

type Task struct {
	ID                int64      `json:"id"`
	LetterID          string     `json:"letter_id"`
	Subject           string     `json:"subject"`
	DepartmentID      int64      `json:"department_id"`
	DeptID            string     `json:"dept_id,omitempty"`
	DepartmentName    string     `json:"department_name,omitempty"`
	AssignedBy        string     `json:"assigned_by,omitempty"`
	AddressedTo       string     `json:"addressed_to,omitempty"`
	LetterDate        *string    `json:"letter_date,omitempty"`
	Deadline          *string    `json:"deadline,omitempty"`
	LetterFile        *string    `json:"letter_file,omitempty"`
	Status            TaskStatus `json:"status"`
	ReportFile        *string    `json:"report_file,omitempty"`
	ReportDescription *string    `json:"report_description,omitempty"`
	LegacyAssignedTo  *string    `json:"-"`
	DateResolved      *string    `json:"date_resolved,omitempty" format:"date-time"`
	CreatedAt         string     `json:"created_at" format:"date-time"`
	UpdatedAt         string     `json:"updated_at" format:"date-time"`
}

// WorkStatus is the state of a per-officer work item.
type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkInProgress WorkStatus = "in_progress"
	WorkResolved   WorkStatus = "resolved"
)

func (s WorkStatus) Valid() bool {
	switch s {
	case WorkPending, WorkInProgress, WorkResolved:
		return true
	}
	return false
}

type WorkItem struct {
	ID                int64      `json:"id"`
	OfficerID         int64      `json:"officer_id"`
	OfficerUniqueID   string     `json:"officer_unique_id,omitempty"`
	OfficerName       string     `json:"officer_name,omitempty"`
	OfficerDesig      string     `json:"officer_designation,omitempty"`
	DepartmentID      int64      `json:"department_id"`
	DepartmentName    string     `json:"department_name,omitempty"`
	TaskID            int64      `json:"task_id"`
	WorkTitle         string     `json:"work_title"`
	WorkDescription   string     `json:"work_description,omitempty"`
	Deadline          string     `json:"deadline"`
	Status            WorkStatus `json:"status"`
	ReportFile        *string    `json:"report_file,omitempty"`
	ReportDescription *string    `json:"report_description,omitempty"`
	AssignedAt        string     `json:"assigned_at" format:"date-time"`
	CompletedAt       *string    `json:"completed_at,omitempty" format:"date-time"`
}

// NotificationStatus tracks an outbox entry.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

type Notification struct {
	ID        int64              `json:"id"`
	Kind      string             `json:"kind"`
	Recipient string             `json:"recipient"`
	Subject   string             `json:"subject"`
	Body      string             `json:"-"`
	Status    NotificationStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt string             `json:"created_at" format:"date-time"`
	UpdatedAt string             `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

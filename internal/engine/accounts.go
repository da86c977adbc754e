package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"alertdesk/internal/domain"
	"alertdesk/internal/events"
	"alertdesk/internal/identity"
	"alertdesk/internal/notify"
	"alertdesk/internal/otp"
	"alertdesk/internal/repo"
)

// Provisioned is returned when an account receives a credential. The temp
// password is also mailed to the account and never serialised.
type Provisioned struct {
	Kind         domain.AccountKind `json:"kind"`
	RowID        int64              `json:"id"`
	UniqueID     string             `json:"unique_id"`
	Email        string             `json:"email"`
	TempPassword string             `json:"-"`
	OutboxID     int64              `json:"outbox_id,omitempty"`
}

// reserveID draws identifiers from gen and claims one in the global
// namespace. A collision is reported, not retried.
func (e Engine) reserveID(ctx context.Context, tx *sql.Tx, kind domain.AccountKind, gen func() (string, error)) (string, error) {
	id, err := gen()
	if err != nil {
		return "", err
	}
	if err := e.Repo.ReserveIDTx(ctx, tx, id, kind, e.timestamp()); err != nil {
		return "", classify("reserve id", err, ErrNotFound)
	}
	return id, nil
}

func (e Engine) ensureEmailFree(ctx context.Context, q repo.Queryer, email string) error {
	used, err := e.Repo.EmailInUse(ctx, q, email)
	if err != nil {
		return storageErr("check email", err)
	}
	if used {
		return ErrDuplicateIdentity
	}
	return nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type AdminSetup struct {
	Name    string `json:"name" validate:"required"`
	Surname string `json:"surname"`
	Mobile  string `json:"mobile"`
	Email   string `json:"email" validate:"required,email"`
}

// SetupMainAdmin provisions the single main admin. It is verified on
// creation and receives a temp password by mail.
func (e Engine) SetupMainAdmin(ctx context.Context, in AdminSetup) (Provisioned, error) {
	in.Email = normalizeEmail(in.Email)
	if err := check(in); err != nil {
		return Provisioned{}, err
	}
	tx, err := e.begin(ctx, "setup admin")
	if err != nil {
		return Provisioned{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.MainAdmin(ctx, tx); err == nil {
		return Provisioned{}, ErrAlreadySetUp
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Provisioned{}, storageErr("setup admin", err)
	}
	if err := e.ensureEmailFree(ctx, tx, in.Email); err != nil {
		return Provisioned{}, err
	}
	uid, err := e.reserveID(ctx, tx, domain.KindMainAdmin, e.IDs.AdminID)
	if err != nil {
		return Provisioned{}, err
	}
	temp, err := e.IDs.TempPassword()
	if err != nil {
		return Provisioned{}, err
	}
	ts := e.timestamp()
	rowID, err := e.Repo.InsertAdminTx(ctx, tx, domain.Admin{
		UniqueID:     uid,
		Name:         in.Name,
		Surname:      in.Surname,
		Mobile:       in.Mobile,
		Email:        in.Email,
		TempPassword: &temp,
		IsAdmin:      true,
		IsVerified:   true,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	})
	if err != nil {
		return Provisioned{}, classify("setup admin", err, ErrNotFound)
	}
	if err := e.events().Append(ctx, tx, events.AdminSetup, string(domain.KindMainAdmin), uid, "system", events.EventPayload{"email": in.Email}); err != nil {
		return Provisioned{}, storageErr("setup admin", err)
	}
	p := Provisioned{Kind: domain.KindMainAdmin, RowID: rowID, UniqueID: uid, Email: in.Email, TempPassword: temp}
	return e.commitWithCredentials(ctx, tx, "setup admin", p, in.Name, "main admin", "system")
}

// commitWithCredentials queues the credentials mail, commits, then sends.
// A send failure is returned after the commit; the account exists either way.
func (e Engine) commitWithCredentials(ctx context.Context, tx *sql.Tx, op string, p Provisioned, name, role, actor string) (Provisioned, error) {
	msg, err := notify.CredentialsMessage(p.Email, name, role, p.UniqueID, p.TempPassword)
	if err != nil {
		return Provisioned{}, err
	}
	p.OutboxID, err = e.queueTx(ctx, tx, msg, actor)
	if err != nil {
		return Provisioned{}, err
	}
	if err := e.commit(op, tx); err != nil {
		return Provisioned{}, err
	}
	e.log().WithFields(logrus.Fields{"op": op, "unique_id": p.UniqueID, "kind": p.Kind}).Info("credentials issued")
	return p, e.deliver(ctx, p.OutboxID, msg)
}

type NodalRegistration struct {
	Name         string `json:"name" validate:"required"`
	Surname      string `json:"surname"`
	Mobile       string `json:"mobile"`
	Email        string `json:"email" validate:"required,email"`
	DepartmentID *int64 `json:"department_id"`
}

// RegisterNodal creates an unverified nodal officer with a temp password and
// a verify token, and mails the token to the main admin for approval.
func (e Engine) RegisterNodal(ctx context.Context, in NodalRegistration) (domain.Admin, error) {
	in.Email = normalizeEmail(in.Email)
	if err := check(in); err != nil {
		return domain.Admin{}, err
	}
	tx, err := e.begin(ctx, "register nodal")
	if err != nil {
		return domain.Admin{}, err
	}
	defer tx.Rollback()

	head, err := e.Repo.MainAdmin(ctx, tx)
	if err != nil {
		return domain.Admin{}, classify("register nodal", err, fmt.Errorf("main admin: %w", ErrNotFound))
	}
	if in.DepartmentID != nil {
		if _, err := e.Repo.GetDepartment(ctx, tx, *in.DepartmentID); err != nil {
			return domain.Admin{}, classify("register nodal", err, fmt.Errorf("department %d: %w", *in.DepartmentID, ErrNotFound))
		}
	}
	if err := e.ensureEmailFree(ctx, tx, in.Email); err != nil {
		return domain.Admin{}, err
	}
	uid, err := e.reserveID(ctx, tx, domain.KindNodal, e.IDs.NodalID)
	if err != nil {
		return domain.Admin{}, err
	}
	temp, err := e.IDs.TempPassword()
	if err != nil {
		return domain.Admin{}, err
	}
	token, err := e.IDs.VerifyToken()
	if err != nil {
		return domain.Admin{}, err
	}
	ts := e.timestamp()
	a := domain.Admin{
		UniqueID:     uid,
		Name:         in.Name,
		Surname:      in.Surname,
		Mobile:       in.Mobile,
		Email:        in.Email,
		DepartmentID: in.DepartmentID,
		TempPassword: &temp,
		VerifyToken:  &token,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if a.ID, err = e.Repo.InsertAdminTx(ctx, tx, a); err != nil {
		return domain.Admin{}, classify("register nodal", err, ErrNotFound)
	}
	if err := e.events().Append(ctx, tx, events.NodalRegistered, string(domain.KindNodal), uid, uid, events.EventPayload{"email": in.Email}); err != nil {
		return domain.Admin{}, storageErr("register nodal", err)
	}
	msg, err := notify.NodalApprovalMessage(head.Email, head.Name, in.Name, in.Email, uid, token)
	if err != nil {
		return domain.Admin{}, err
	}
	outboxID, err := e.queueTx(ctx, tx, msg, uid)
	if err != nil {
		return domain.Admin{}, err
	}
	if err := e.commit("register nodal", tx); err != nil {
		return domain.Admin{}, err
	}
	e.log().WithFields(logrus.Fields{"op": "nodal.register", "unique_id": uid}).Info("nodal registered")
	return a, e.deliver(ctx, outboxID, msg)
}

// VerifyNodalByToken approves the nodal registration holding token. The
// token is cleared, so a second use fails.
func (e Engine) VerifyNodalByToken(ctx context.Context, token string) (Provisioned, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Provisioned{}, ErrInvalidOrExpiredToken
	}
	tx, err := e.begin(ctx, "verify nodal")
	if err != nil {
		return Provisioned{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAdminByVerifyToken(ctx, tx, token)
	if err != nil {
		return Provisioned{}, classify("verify nodal", err, ErrInvalidOrExpiredToken)
	}
	if a.IsVerified || a.IsAdmin {
		return Provisioned{}, ErrInvalidOrExpiredToken
	}
	return e.verifyNodalTx(ctx, tx, a, a.UniqueID)
}

// VerifyNodal approves a nodal registration by row id. Approving an already
// verified account is a no-op.
func (e Engine) VerifyNodal(ctx context.Context, rowID int64, actorID string) (Provisioned, error) {
	tx, err := e.begin(ctx, "verify nodal")
	if err != nil {
		return Provisioned{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAdmin(ctx, tx, rowID)
	if err != nil {
		return Provisioned{}, classify("verify nodal", err, ErrUserNotFound)
	}
	if a.IsAdmin {
		return Provisioned{}, invalid("id", "account is not a nodal officer")
	}
	if a.IsVerified {
		return Provisioned{Kind: domain.KindNodal, RowID: a.ID, UniqueID: a.UniqueID, Email: a.Email}, nil
	}
	return e.verifyNodalTx(ctx, tx, a, actorID)
}

// verifyNodalTx marks a verified, re-issues a temp password and mails it.
func (e Engine) verifyNodalTx(ctx context.Context, tx *sql.Tx, a domain.Admin, actorID string) (Provisioned, error) {
	ts := e.timestamp()
	if err := e.Repo.VerifyAdminTx(ctx, tx, a.ID, ts); err != nil {
		return Provisioned{}, classify("verify nodal", err, ErrUserNotFound)
	}
	temp, err := e.IDs.TempPassword()
	if err != nil {
		return Provisioned{}, err
	}
	if err := e.Repo.SetCredentialTx(ctx, tx, domain.KindNodal, a.ID, &temp, nil, ts); err != nil {
		return Provisioned{}, classify("verify nodal", err, ErrUserNotFound)
	}
	if err := e.events().Append(ctx, tx, events.NodalVerified, string(domain.KindNodal), a.UniqueID, actorID, nil); err != nil {
		return Provisioned{}, storageErr("verify nodal", err)
	}
	p := Provisioned{Kind: domain.KindNodal, RowID: a.ID, UniqueID: a.UniqueID, Email: a.Email, TempPassword: temp}
	return e.commitWithCredentials(ctx, tx, "verify nodal", p, a.Name, "nodal officer", actorID)
}

// DenyNodal deletes a pending nodal registration and frees its id.
func (e Engine) DenyNodal(ctx context.Context, rowID int64, actorID string) error {
	tx, err := e.begin(ctx, "deny nodal")
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAdmin(ctx, tx, rowID)
	if err != nil {
		return classify("deny nodal", err, ErrUserNotFound)
	}
	if a.IsAdmin || a.IsVerified {
		return ErrInvalidTransition
	}
	if err := e.Repo.DeleteUnverifiedAdminTx(ctx, tx, rowID); err != nil {
		return classify("deny nodal", err, ErrUserNotFound)
	}
	if err := e.Repo.ReleaseIDTx(ctx, tx, a.UniqueID); err != nil {
		return storageErr("deny nodal", err)
	}
	if err := e.events().Append(ctx, tx, events.NodalDenied, string(domain.KindNodal), a.UniqueID, actorID, events.EventPayload{"email": a.Email}); err != nil {
		return storageErr("deny nodal", err)
	}
	if err := e.commit("deny nodal", tx); err != nil {
		return err
	}
	e.log().WithFields(logrus.Fields{"op": "nodal.deny", "unique_id": a.UniqueID}).Info("nodal registration denied")
	return nil
}

func (e Engine) ListUnverifiedNodals(ctx context.Context) ([]domain.Admin, error) {
	no := false
	res, err := e.Repo.ListAdmins(ctx, repo.AdminFilter{IsAdmin: &no, IsVerified: &no})
	return res, storageErr("list nodals", err)
}

func (e Engine) GetAdmin(ctx context.Context, rowID int64) (domain.Admin, error) {
	a, err := e.Repo.GetAdmin(ctx, e.DB, rowID)
	return a, classify("get admin", err, ErrUserNotFound)
}

type DepartmentRegistration struct {
	Name     string `json:"name" validate:"required"`
	Head     string `json:"head" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	MobileNo string `json:"mobile_no"`
	Address  string `json:"address"`
}

// RegisterDepartment allocates the next DEPT### code and mails a
// verification code to the department. The department has no credential
// until VerifyDepartment succeeds.
func (e Engine) RegisterDepartment(ctx context.Context, in DepartmentRegistration, actorID string) (domain.Department, error) {
	in.Email = normalizeEmail(in.Email)
	if err := check(in); err != nil {
		return domain.Department{}, err
	}
	tx, err := e.begin(ctx, "register department")
	if err != nil {
		return domain.Department{}, err
	}
	defer tx.Rollback()
	if err := e.ensureEmailFree(ctx, tx, in.Email); err != nil {
		return domain.Department{}, err
	}
	highest, err := e.Repo.MaxDepartmentSuffixTx(ctx, tx)
	if err != nil {
		return domain.Department{}, storageErr("register department", err)
	}
	code, err := e.reserveID(ctx, tx, domain.KindDepartment, func() (string, error) {
		return identity.NextDepartmentID(highest), nil
	})
	if err != nil {
		return domain.Department{}, err
	}
	ts := e.timestamp()
	d := domain.Department{
		DeptID:    code,
		Name:      in.Name,
		Head:      in.Head,
		Email:     in.Email,
		MobileNo:  in.MobileNo,
		Address:   in.Address,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if d.ID, err = e.Repo.InsertDepartmentTx(ctx, tx, d); err != nil {
		return domain.Department{}, classify("register department", err, ErrNotFound)
	}
	if err := e.events().Append(ctx, tx, events.DepartmentRegistered, string(domain.KindDepartment), code, actorID, events.EventPayload{"name": in.Name}); err != nil {
		return domain.Department{}, storageErr("register department", err)
	}
	if err := e.commit("register department", tx); err != nil {
		return domain.Department{}, err
	}
	e.log().WithFields(logrus.Fields{"op": "department.register", "dept_id": code}).Info("department registered")
	return d, e.issueOTP(ctx, otp.PurposeDepartmentVerify, code, d.Email, "department verification", nil)
}

// ResendDepartmentOTP replaces the department's verification code.
func (e Engine) ResendDepartmentOTP(ctx context.Context, deptID string) error {
	d, err := e.Repo.GetDepartmentByCode(ctx, e.DB, deptID)
	if err != nil {
		return classify("resend otp", err, ErrUserNotFound)
	}
	if d.IsVerified {
		return ErrInvalidTransition
	}
	return e.issueOTP(ctx, otp.PurposeDepartmentVerify, d.DeptID, d.Email, "department verification", nil)
}

// VerifyDepartment consumes the department's code, marks it verified and
// mails a temp password.
func (e Engine) VerifyDepartment(ctx context.Context, deptID, code string) (Provisioned, error) {
	d, err := e.Repo.GetDepartmentByCode(ctx, e.DB, deptID)
	if err != nil {
		return Provisioned{}, classify("verify department", err, ErrUserNotFound)
	}
	if d.IsVerified {
		return Provisioned{}, ErrInvalidTransition
	}
	if err := e.verifyOTP(ctx, otp.PurposeDepartmentVerify, d.DeptID, code, nil); err != nil {
		return Provisioned{}, err
	}
	tx, err := e.begin(ctx, "verify department")
	if err != nil {
		return Provisioned{}, err
	}
	defer tx.Rollback()
	ts := e.timestamp()
	if err := e.Repo.VerifyDepartmentTx(ctx, tx, d.ID, ts); err != nil {
		return Provisioned{}, classify("verify department", err, ErrUserNotFound)
	}
	temp, err := e.IDs.TempPassword()
	if err != nil {
		return Provisioned{}, err
	}
	if err := e.Repo.SetCredentialTx(ctx, tx, domain.KindDepartment, d.ID, &temp, nil, ts); err != nil {
		return Provisioned{}, classify("verify department", err, ErrUserNotFound)
	}
	if err := e.events().Append(ctx, tx, events.DepartmentVerified, string(domain.KindDepartment), d.DeptID, d.DeptID, nil); err != nil {
		return Provisioned{}, storageErr("verify department", err)
	}
	p := Provisioned{Kind: domain.KindDepartment, RowID: d.ID, UniqueID: d.DeptID, Email: d.Email, TempPassword: temp}
	return e.commitWithCredentials(ctx, tx, "verify department", p, d.Name, "department", d.DeptID)
}

func (e Engine) ListDepartments(ctx context.Context, verifiedOnly bool) ([]domain.Department, error) {
	res, err := e.Repo.ListDepartments(ctx, verifiedOnly)
	return res, storageErr("list departments", err)
}

func (e Engine) GetDepartment(ctx context.Context, rowID int64) (domain.Department, error) {
	d, err := e.Repo.GetDepartment(ctx, e.DB, rowID)
	return d, classify("get department", err, ErrNotFound)
}

func (e Engine) GetDepartmentByCode(ctx context.Context, deptID string) (domain.Department, error) {
	d, err := e.Repo.GetDepartmentByCode(ctx, e.DB, deptID)
	return d, classify("get department", err, ErrNotFound)
}

type Dashboard struct {
	Department domain.Department `json:"department"`
	Counts     repo.StatusCounts `json:"counts"`
}

// DepartmentDashboard counts a department's tasks by status.
func (e Engine) DepartmentDashboard(ctx context.Context, deptID string) (Dashboard, error) {
	d, err := e.GetDepartmentByCode(ctx, deptID)
	if err != nil {
		return Dashboard{}, err
	}
	counts, err := e.Repo.CountTasks(ctx, d.ID, e.today())
	if err != nil {
		return Dashboard{}, storageErr("dashboard", err)
	}
	return Dashboard{Department: d, Counts: counts}, nil
}

// pendingOfficer is carried in the officer-verify OTP payload.
type pendingOfficer struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	PhoneNo      string `json:"phone_no"`
	Designation  string `json:"designation"`
	DepartmentID int64  `json:"department_id"`
}

type OfficerRegistration struct {
	Name         string `json:"name" validate:"required"`
	Email        string `json:"email" validate:"required,email"`
	PhoneNo      string `json:"phone_no"`
	Designation  string `json:"designation"`
	DepartmentID int64  `json:"department_id" validate:"required"`
}

// RequestOfficerRegistration mails a verification code to the prospective
// officer. Nothing is persisted until VerifyOfficer consumes the code.
func (e Engine) RequestOfficerRegistration(ctx context.Context, in OfficerRegistration) error {
	in.Email = normalizeEmail(in.Email)
	if err := check(in); err != nil {
		return err
	}
	d, err := e.Repo.GetDepartment(ctx, e.DB, in.DepartmentID)
	if err != nil {
		return classify("register officer", err, fmt.Errorf("department %d: %w", in.DepartmentID, ErrNotFound))
	}
	if !d.IsVerified {
		return ErrNotVerified
	}
	if err := e.ensureEmailFree(ctx, e.DB, in.Email); err != nil {
		return err
	}
	payload := pendingOfficer{Name: in.Name, Email: in.Email, PhoneNo: in.PhoneNo, Designation: in.Designation, DepartmentID: in.DepartmentID}
	return e.issueOTP(ctx, otp.PurposeOfficerVerify, in.Email, in.Email, "officer registration", payload)
}

// VerifyOfficer consumes the registration code and provisions the officer
// as verified with a mailed temp password.
func (e Engine) VerifyOfficer(ctx context.Context, email, code string) (Provisioned, error) {
	email = normalizeEmail(email)
	var pending pendingOfficer
	if err := e.verifyOTP(ctx, otp.PurposeOfficerVerify, email, code, &pending); err != nil {
		return Provisioned{}, err
	}
	tx, err := e.begin(ctx, "verify officer")
	if err != nil {
		return Provisioned{}, err
	}
	defer tx.Rollback()
	if err := e.ensureEmailFree(ctx, tx, email); err != nil {
		return Provisioned{}, err
	}
	uid, err := e.reserveID(ctx, tx, domain.KindOfficer, e.IDs.OfficerID)
	if err != nil {
		return Provisioned{}, err
	}
	temp, err := e.IDs.TempPassword()
	if err != nil {
		return Provisioned{}, err
	}
	ts := e.timestamp()
	o := domain.Officer{
		UniqueID:     uid,
		Name:         pending.Name,
		Email:        email,
		PhoneNo:      pending.PhoneNo,
		Designation:  pending.Designation,
		DepartmentID: pending.DepartmentID,
		TempPassword: &temp,
		IsVerified:   true,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	rowID, err := e.Repo.InsertOfficerTx(ctx, tx, o)
	if err != nil {
		return Provisioned{}, classify("verify officer", err, ErrNotFound)
	}
	if err := e.events().Append(ctx, tx, events.OfficerRegistered, string(domain.KindOfficer), uid, uid,
		events.EventPayload{"department_id": pending.DepartmentID}); err != nil {
		return Provisioned{}, storageErr("verify officer", err)
	}
	p := Provisioned{Kind: domain.KindOfficer, RowID: rowID, UniqueID: uid, Email: email, TempPassword: temp}
	return e.commitWithCredentials(ctx, tx, "verify officer", p, pending.Name, "officer", uid)
}

func (e Engine) ListOfficers(ctx context.Context, departmentID int64) ([]domain.Officer, error) {
	res, err := e.Repo.ListOfficers(ctx, departmentID)
	return res, storageErr("list officers", err)
}

func (e Engine) GetOfficer(ctx context.Context, uniqueID string) (domain.Officer, error) {
	o, err := e.Repo.GetOfficerByUniqueID(ctx, e.DB, uniqueID)
	return o, classify("get officer", err, ErrUserNotFound)
}

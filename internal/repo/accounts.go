package repo

import (
	"context"
	"database/sql"
	"fmt"

	"alertdesk/internal/domain"
	"alertdesk/internal/identity"
)

// ReserveIDTx claims uniqueID in the global account namespace.
// It returns ErrDuplicate if any account of any kind already holds it.
func (r Repo) ReserveIDTx(ctx context.Context, tx *sql.Tx, uniqueID string, kind domain.AccountKind, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO account_ids(unique_id,kind,created_at) VALUES (?,?,?)`, uniqueID, string(kind), createdAt)
	return wrap(err)
}

func (r Repo) ReleaseIDTx(ctx context.Context, tx *sql.Tx, uniqueID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM account_ids WHERE unique_id=?`, uniqueID)
	return err
}

func (r Repo) IDKind(ctx context.Context, uniqueID string) (domain.AccountKind, error) {
	var kind string
	err := r.DB.QueryRowContext(ctx, `SELECT kind FROM account_ids WHERE unique_id=?`, uniqueID).Scan(&kind)
	if err != nil {
		return "", wrap(err)
	}
	return domain.AccountKind(kind), nil
}

// EmailInUse reports whether any admin, department or officer already uses email.
func (r Repo) EmailInUse(ctx context.Context, q Queryer, email string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(1) FROM admins WHERE lower(email)=lower(?)) +
		(SELECT COUNT(1) FROM departments WHERE lower(email)=lower(?)) +
		(SELECT COUNT(1) FROM officers WHERE lower(email)=lower(?))`, email, email, email).Scan(&n)
	return n > 0, err
}

// Admins

const adminColumns = `id,unique_id,name,COALESCE(surname,''),COALESCE(mobile,''),email,department_id,temp_password,password_hash,verify_token,is_admin,is_verified,created_at,updated_at`

func scanAdmin(s scanner) (domain.Admin, error) {
	var (
		a                   domain.Admin
		dept                sql.NullInt64
		temp, hash, token   sql.NullString
		isAdmin, isVerified int
	)
	err := s.Scan(&a.ID, &a.UniqueID, &a.Name, &a.Surname, &a.Mobile, &a.Email, &dept, &temp, &hash, &token, &isAdmin, &isVerified, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, wrap(err)
	}
	a.DepartmentID = optionalInt(dept)
	a.TempPassword = optionalString(temp)
	a.PasswordHash = optionalString(hash)
	a.VerifyToken = optionalString(token)
	a.IsAdmin = isAdmin == 1
	a.IsVerified = isVerified == 1
	return a, nil
}

func (r Repo) InsertAdminTx(ctx context.Context, tx *sql.Tx, a domain.Admin) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO admins(unique_id,name,surname,mobile,email,department_id,temp_password,password_hash,verify_token,is_admin,is_verified,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.UniqueID, a.Name, nullable(a.Surname), nullable(a.Mobile), a.Email, nullableInt(a.DepartmentID),
		nullableStr(a.TempPassword), nullableStr(a.PasswordHash), nullableStr(a.VerifyToken),
		boolInt(a.IsAdmin), boolInt(a.IsVerified), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, wrap(err)
	}
	return res.LastInsertId()
}

func (r Repo) GetAdmin(ctx context.Context, q Queryer, id int64) (domain.Admin, error) {
	return scanAdmin(q.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE id=?`, id))
}

func (r Repo) GetAdminByUniqueID(ctx context.Context, q Queryer, uniqueID string) (domain.Admin, error) {
	return scanAdmin(q.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE unique_id=?`, uniqueID))
}

func (r Repo) GetAdminByVerifyToken(ctx context.Context, q Queryer, token string) (domain.Admin, error) {
	return scanAdmin(q.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE verify_token=?`, token))
}

// MainAdmin returns the oldest main admin.
func (r Repo) MainAdmin(ctx context.Context, q Queryer) (domain.Admin, error) {
	return scanAdmin(q.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE is_admin=1 ORDER BY id LIMIT 1`))
}

type AdminFilter struct {
	IsAdmin    *bool
	IsVerified *bool
}

func (r Repo) ListAdmins(ctx context.Context, f AdminFilter) ([]domain.Admin, error) {
	query := `SELECT ` + adminColumns + ` FROM admins WHERE 1=1`
	var args []any
	if f.IsAdmin != nil {
		query += ` AND is_admin=?`
		args = append(args, boolInt(*f.IsAdmin))
	}
	if f.IsVerified != nil {
		query += ` AND is_verified=?`
		args = append(args, boolInt(*f.IsVerified))
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Admin
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// VerifyAdminTx marks the admin verified and clears its verify token.
func (r Repo) VerifyAdminTx(ctx context.Context, tx *sql.Tx, id int64, updatedAt string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE admins SET is_verified=1, verify_token=NULL, updated_at=? WHERE id=?`, updatedAt, id))
}

// DeleteUnverifiedAdminTx removes a pending nodal registration.
func (r Repo) DeleteUnverifiedAdminTx(ctx context.Context, tx *sql.Tx, id int64) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `DELETE FROM admins WHERE id=? AND is_verified=0 AND is_admin=0`, id))
}

// Departments

const departmentColumns = `id,dept_id,name,head,email,COALESCE(mobile_no,''),COALESCE(address,''),temp_password,password_hash,is_verified,created_at,updated_at`

func scanDepartment(s scanner) (domain.Department, error) {
	var (
		d          domain.Department
		temp, hash sql.NullString
		verified   int
	)
	err := s.Scan(&d.ID, &d.DeptID, &d.Name, &d.Head, &d.Email, &d.MobileNo, &d.Address, &temp, &hash, &verified, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, wrap(err)
	}
	d.TempPassword = optionalString(temp)
	d.PasswordHash = optionalString(hash)
	d.IsVerified = verified == 1
	return d, nil
}

// MaxDepartmentSuffixTx returns the highest numeric DEPT### suffix, or 0.
func (r Repo) MaxDepartmentSuffixTx(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT dept_id FROM departments WHERE dept_id LIKE 'DEPT%'`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	highest := 0
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return 0, err
		}
		if n, ok := identity.DepartmentSuffix(code); ok && n > highest {
			highest = n
		}
	}
	return highest, rows.Err()
}

func (r Repo) InsertDepartmentTx(ctx context.Context, tx *sql.Tx, d domain.Department) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO departments(dept_id,name,head,email,mobile_no,address,temp_password,password_hash,is_verified,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.DeptID, d.Name, d.Head, d.Email, nullable(d.MobileNo), nullable(d.Address),
		nullableStr(d.TempPassword), nullableStr(d.PasswordHash), boolInt(d.IsVerified), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return 0, wrap(err)
	}
	return res.LastInsertId()
}

func (r Repo) GetDepartment(ctx context.Context, q Queryer, id int64) (domain.Department, error) {
	return scanDepartment(q.QueryRowContext(ctx, `SELECT `+departmentColumns+` FROM departments WHERE id=?`, id))
}

func (r Repo) GetDepartmentByCode(ctx context.Context, q Queryer, deptID string) (domain.Department, error) {
	return scanDepartment(q.QueryRowContext(ctx, `SELECT `+departmentColumns+` FROM departments WHERE dept_id=?`, deptID))
}

func (r Repo) ListDepartments(ctx context.Context, verifiedOnly bool) ([]domain.Department, error) {
	query := `SELECT ` + departmentColumns + ` FROM departments`
	if verifiedOnly {
		query += ` WHERE is_verified=1`
	}
	query += ` ORDER BY dept_id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) VerifyDepartmentTx(ctx context.Context, tx *sql.Tx, id int64, updatedAt string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE departments SET is_verified=1, updated_at=? WHERE id=?`, updatedAt, id))
}

// Officers

const officerColumns = `id,unique_id,name,email,COALESCE(phone_no,''),COALESCE(designation,''),department_id,temp_password,password_hash,is_verified,created_at,updated_at`

func scanOfficer(s scanner) (domain.Officer, error) {
	var (
		o          domain.Officer
		temp, hash sql.NullString
		verified   int
	)
	err := s.Scan(&o.ID, &o.UniqueID, &o.Name, &o.Email, &o.PhoneNo, &o.Designation, &o.DepartmentID, &temp, &hash, &verified, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, wrap(err)
	}
	o.TempPassword = optionalString(temp)
	o.PasswordHash = optionalString(hash)
	o.IsVerified = verified == 1
	return o, nil
}

func (r Repo) InsertOfficerTx(ctx context.Context, tx *sql.Tx, o domain.Officer) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO officers(unique_id,name,email,phone_no,designation,department_id,temp_password,password_hash,is_verified,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.UniqueID, o.Name, o.Email, nullable(o.PhoneNo), nullable(o.Designation), o.DepartmentID,
		nullableStr(o.TempPassword), nullableStr(o.PasswordHash), boolInt(o.IsVerified), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return 0, wrap(err)
	}
	return res.LastInsertId()
}

func (r Repo) GetOfficer(ctx context.Context, q Queryer, id int64) (domain.Officer, error) {
	return scanOfficer(q.QueryRowContext(ctx, `SELECT `+officerColumns+` FROM officers WHERE id=?`, id))
}

func (r Repo) GetOfficerByUniqueID(ctx context.Context, q Queryer, uniqueID string) (domain.Officer, error) {
	return scanOfficer(q.QueryRowContext(ctx, `SELECT `+officerColumns+` FROM officers WHERE unique_id=?`, uniqueID))
}

func (r Repo) ListOfficers(ctx context.Context, departmentID int64) ([]domain.Officer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+officerColumns+` FROM officers WHERE department_id=? ORDER BY name, id`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Officer
	for rows.Next() {
		o, err := scanOfficer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// OfficersByIDsTx loads the given officers in one query, keyed by row id.
func (r Repo) OfficersByIDsTx(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]domain.Officer, error) {
	res := map[int64]domain.Officer{}
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+officerColumns+` FROM officers WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanOfficer(rows)
		if err != nil {
			return nil, err
		}
		res[o.ID] = o
	}
	return res, rows.Err()
}

// Credentials, shared by all four account kinds.

func accountTable(kind domain.AccountKind) (table, idColumn string, err error) {
	switch kind {
	case domain.KindMainAdmin, domain.KindNodal:
		return "admins", "unique_id", nil
	case domain.KindDepartment:
		return "departments", "dept_id", nil
	case domain.KindOfficer:
		return "officers", "unique_id", nil
	}
	return "", "", fmt.Errorf("unknown account kind %q", kind)
}

// FindAccount looks up uniqueID in the table backing kind. Admin rows are
// returned for either admin kind; the caller inspects Account.Kind.
func (r Repo) FindAccount(ctx context.Context, q Queryer, kind domain.AccountKind, uniqueID string) (domain.Account, error) {
	switch kind {
	case domain.KindMainAdmin, domain.KindNodal:
		a, err := r.GetAdminByUniqueID(ctx, q, uniqueID)
		return a.Account(), err
	case domain.KindDepartment:
		d, err := r.GetDepartmentByCode(ctx, q, uniqueID)
		return d.Account(), err
	case domain.KindOfficer:
		o, err := r.GetOfficerByUniqueID(ctx, q, uniqueID)
		return o.Account(), err
	}
	return domain.Account{}, fmt.Errorf("unknown account kind %q", kind)
}

// SetCredentialTx replaces both credential columns. Exactly one of temp and
// hash is expected to be non-nil.
func (r Repo) SetCredentialTx(ctx context.Context, tx *sql.Tx, kind domain.AccountKind, rowID int64, temp, hash *string, updatedAt string) error {
	table, _, err := accountTable(kind)
	if err != nil {
		return err
	}
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE `+table+` SET temp_password=?, password_hash=?, updated_at=? WHERE id=?`,
		nullableStr(temp), nullableStr(hash), updatedAt, rowID))
}

// PromoteTempPasswordTx swaps a temp password for its hash only while the row
// still holds that temp password. It reports false if another login won.
func (r Repo) PromoteTempPasswordTx(ctx context.Context, tx *sql.Tx, kind domain.AccountKind, rowID int64, temp, hash, updatedAt string) (bool, error) {
	table, _, err := accountTable(kind)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET temp_password=NULL, password_hash=?, updated_at=? WHERE id=? AND temp_password=?`,
		hash, updatedAt, rowID, temp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) SetEmailTx(ctx context.Context, tx *sql.Tx, kind domain.AccountKind, rowID int64, email, updatedAt string) error {
	table, _, err := accountTable(kind)
	if err != nil {
		return err
	}
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE `+table+` SET email=?, updated_at=? WHERE id=?`, email, updatedAt, rowID))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

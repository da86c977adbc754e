package engine_test

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"alertdesk/internal/config"
	"alertdesk/internal/db"
	"alertdesk/internal/domain"
	"alertdesk/internal/engine"
	"alertdesk/internal/identity"
	"alertdesk/internal/logging"
	"alertdesk/internal/migrate"
	"alertdesk/internal/notify"
	"alertdesk/internal/otp"
	"alertdesk/internal/storage"
)

const samplePDF = "%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n"

func TestMain(m *testing.M) {
	identity.Cost = bcrypt.MinCost
	os.Exit(m.Run())
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Mail   *notify.Recorder
	Clock  *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	files, err := storage.New(t.TempDir(), "/uploads", 1)
	require.NoError(t, err)
	mail := &notify.Recorder{}
	eng := engine.New(conn, config.Default(), engine.Deps{
		OTPStore: otp.NewMemoryStore(),
		Mail:     mail,
		Files:    files,
		Log:      logging.Discard(),
	})
	clk := &clock{t: time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)}
	eng.Now = clk.Now
	return &testEnv{Engine: eng, Ctx: ctx, Mail: mail, Clock: clk}
}

var codePattern = regexp.MustCompile(`<b>(\d{6})</b>`)

// otpFor pulls the verification code from the last message sent to email.
func (env *testEnv) otpFor(t *testing.T, email string) string {
	t.Helper()
	msg, err := env.Mail.Last(email)
	require.NoError(t, err)
	require.Equal(t, notify.KindOTP, msg.Kind)
	m := codePattern.FindStringSubmatch(msg.HTML)
	require.Len(t, m, 2, "no code in %q", msg.HTML)
	return m[1]
}

func (env *testEnv) setupAdmin(t *testing.T) engine.Provisioned {
	t.Helper()
	p, err := env.Engine.SetupMainAdmin(env.Ctx, engine.AdminSetup{Name: "Asha", Email: "admin@example.gov"})
	require.NoError(t, err)
	return p
}

func (env *testEnv) department(t *testing.T, name, email string) (domain.Department, engine.Provisioned) {
	t.Helper()
	d, err := env.Engine.RegisterDepartment(env.Ctx, engine.DepartmentRegistration{Name: name, Head: "Head of " + name, Email: email}, "ADMIN-TEST")
	require.NoError(t, err)
	p, err := env.Engine.VerifyDepartment(env.Ctx, d.DeptID, env.otpFor(t, email))
	require.NoError(t, err)
	d.IsVerified = true
	return d, p
}

func (env *testEnv) officer(t *testing.T, deptID int64, name, email string) domain.Officer {
	t.Helper()
	require.NoError(t, env.Engine.RequestOfficerRegistration(env.Ctx, engine.OfficerRegistration{
		Name: name, Email: email, Designation: "Clerk", DepartmentID: deptID,
	}))
	p, err := env.Engine.VerifyOfficer(env.Ctx, email, env.otpFor(t, email))
	require.NoError(t, err)
	o, err := env.Engine.GetOfficer(env.Ctx, p.UniqueID)
	require.NoError(t, err)
	return o
}

func (env *testEnv) task(t *testing.T, deptID int64, letter, deadline string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		LetterID: letter, Subject: "Subject " + letter, DepartmentID: deptID, Deadline: deadline, ActorID: "NODAL-TEST",
	})
	require.NoError(t, err)
	return task
}

func TestSetupMainAdminOnce(t *testing.T) {
	env := newTestEnv(t)
	p := env.setupAdmin(t)
	assert.Regexp(t, `^ADMIN-[0-9A-F]{6}$`, p.UniqueID)
	assert.Len(t, p.TempPassword, 8)

	msg, err := env.Mail.Last("admin@example.gov")
	require.NoError(t, err)
	assert.Equal(t, notify.KindCredentials, msg.Kind)
	assert.Contains(t, msg.HTML, p.TempPassword)

	_, err = env.Engine.SetupMainAdmin(env.Ctx, engine.AdminSetup{Name: "Other", Email: "other@example.gov"})
	require.ErrorIs(t, err, engine.ErrAlreadySetUp)
}

func TestMainAdminLoginNeverRequiresChange(t *testing.T) {
	env := newTestEnv(t)
	p := env.setupAdmin(t)

	res, err := env.Engine.Authenticate(env.Ctx, p.UniqueID, p.TempPassword)
	require.NoError(t, err)
	assert.Equal(t, domain.KindMainAdmin, res.Account.Kind)
	assert.False(t, res.MustChange)

	res, err = env.Engine.Authenticate(env.Ctx, p.UniqueID, p.TempPassword)
	require.NoError(t, err)
	assert.False(t, res.MustChange)
}

func TestTempPasswordIsPromotedOnFirstLogin(t *testing.T) {
	env := newTestEnv(t)
	d, p := env.department(t, "Revenue", "revenue@example.gov")

	res, err := env.Engine.Authenticate(env.Ctx, d.DeptID, p.TempPassword)
	require.NoError(t, err)
	assert.True(t, res.MustChange)
	assert.Equal(t, domain.KindDepartment, res.Account.Kind)

	acct, err := env.Engine.Repo.FindAccount(env.Ctx, env.Engine.DB, domain.KindDepartment, d.DeptID)
	require.NoError(t, err)
	assert.Nil(t, acct.TempPassword)
	require.NotNil(t, acct.PasswordHash)
	assert.NotEqual(t, p.TempPassword, *acct.PasswordHash)

	res, err = env.Engine.Authenticate(env.Ctx, d.DeptID, p.TempPassword)
	require.NoError(t, err)
	assert.False(t, res.MustChange)

	_, err = env.Engine.Authenticate(env.Ctx, d.DeptID, "wrong")
	require.ErrorIs(t, err, engine.ErrIncorrectPassword)
}

func TestAuthenticateUnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Authenticate(env.Ctx, "NOPE-1", "x")
	require.ErrorIs(t, err, engine.ErrUserNotFound)
}

func TestDepartmentCodesAreSequential(t *testing.T) {
	env := newTestEnv(t)
	var codes []string
	for _, name := range []string{"a", "b", "c"} {
		d, err := env.Engine.RegisterDepartment(env.Ctx, engine.DepartmentRegistration{Name: name, Head: "h", Email: name + "@example.gov"}, "")
		require.NoError(t, err)
		codes = append(codes, d.DeptID)
	}
	assert.Equal(t, []string{"DEPT001", "DEPT002", "DEPT003"}, codes)

	_, err := env.Engine.RegisterDepartment(env.Ctx, engine.DepartmentRegistration{Name: "dup", Head: "h", Email: "A@example.gov"}, "")
	require.ErrorIs(t, err, engine.ErrDuplicateIdentity)
}

func TestDepartmentVerificationCode(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.RegisterDepartment(env.Ctx, engine.DepartmentRegistration{Name: "Health", Head: "h", Email: "health@example.gov"}, "")
	require.NoError(t, err)
	code := env.otpFor(t, "health@example.gov")

	_, err = env.Engine.Authenticate(env.Ctx, d.DeptID, "anything")
	require.ErrorIs(t, err, engine.ErrNotVerified)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err = env.Engine.VerifyDepartment(env.Ctx, d.DeptID, wrong)
	require.ErrorIs(t, err, otp.ErrOtpMismatch)

	p, err := env.Engine.VerifyDepartment(env.Ctx, d.DeptID, code)
	require.NoError(t, err)
	assert.Equal(t, d.DeptID, p.UniqueID)

	_, err = env.Engine.VerifyDepartment(env.Ctx, d.DeptID, code)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestDepartmentCodeExpires(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.RegisterDepartment(env.Ctx, engine.DepartmentRegistration{Name: "Water", Head: "h", Email: "water@example.gov"}, "")
	require.NoError(t, err)
	code := env.otpFor(t, "water@example.gov")

	env.Clock.Advance(5*time.Minute + time.Second)
	_, err = env.Engine.VerifyDepartment(env.Ctx, d.DeptID, code)
	require.ErrorIs(t, err, otp.ErrOtpExpired)

	_, err = env.Engine.VerifyDepartment(env.Ctx, d.DeptID, code)
	require.ErrorIs(t, err, otp.ErrOtpNotFound)

	require.NoError(t, env.Engine.ResendDepartmentOTP(env.Ctx, d.DeptID))
	_, err = env.Engine.VerifyDepartment(env.Ctx, d.DeptID, env.otpFor(t, "water@example.gov"))
	require.NoError(t, err)
}

func TestOfficerRegistration(t *testing.T) {
	env := newTestEnv(t)
	pending, err := env.Engine.RegisterDepartment(env.Ctx, engine.DepartmentRegistration{Name: "Pending", Head: "h", Email: "pending@example.gov"}, "")
	require.NoError(t, err)
	err = env.Engine.RequestOfficerRegistration(env.Ctx, engine.OfficerRegistration{Name: "X", Email: "x@example.gov", DepartmentID: pending.ID})
	require.ErrorIs(t, err, engine.ErrNotVerified)

	d, _ := env.department(t, "Roads", "roads@example.gov")
	o := env.officer(t, d.ID, "Ravi", "ravi@example.gov")
	assert.Regexp(t, `^OFF\d{5}$`, o.UniqueID)
	assert.True(t, o.IsVerified)
	assert.Equal(t, d.ID, o.DepartmentID)

	err = env.Engine.RequestOfficerRegistration(env.Ctx, engine.OfficerRegistration{Name: "Again", Email: "RAVI@example.gov", DepartmentID: d.ID})
	require.ErrorIs(t, err, engine.ErrDuplicateIdentity)

	_, err = env.Engine.VerifyOfficer(env.Ctx, "nobody@example.gov", "123456")
	require.ErrorIs(t, err, otp.ErrOtpNotFound)
}

func TestNodalApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterNodal(env.Ctx, engine.NodalRegistration{Name: "Nina", Email: "nina@example.gov"})
	require.ErrorIs(t, err, engine.ErrNotFound)

	env.setupAdmin(t)
	a, err := env.Engine.RegisterNodal(env.Ctx, engine.NodalRegistration{Name: "Nina", Email: "nina@example.gov"})
	require.NoError(t, err)
	assert.Regexp(t, `^NODAL-[0-9A-F]{6}$`, a.UniqueID)
	assert.False(t, a.IsVerified)

	approval, err := env.Mail.Last("admin@example.gov")
	require.NoError(t, err)
	assert.Equal(t, notify.KindNodalApproval, approval.Kind)
	require.NotNil(t, a.VerifyToken)
	assert.Contains(t, approval.HTML, *a.VerifyToken)

	_, err = env.Engine.Authenticate(env.Ctx, a.UniqueID, *a.TempPassword)
	require.ErrorIs(t, err, engine.ErrNotVerified)

	pending, err := env.Engine.ListUnverifiedNodals(env.Ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	p, err := env.Engine.VerifyNodalByToken(env.Ctx, *a.VerifyToken)
	require.NoError(t, err)
	_, err = env.Engine.VerifyNodalByToken(env.Ctx, *a.VerifyToken)
	require.ErrorIs(t, err, engine.ErrInvalidOrExpiredToken)

	res, err := env.Engine.Authenticate(env.Ctx, a.UniqueID, p.TempPassword)
	require.NoError(t, err)
	assert.True(t, res.MustChange)
	assert.Equal(t, domain.KindNodal, res.Account.Kind)

	require.ErrorIs(t, env.Engine.DenyNodal(env.Ctx, a.ID, "ADMIN"), engine.ErrInvalidTransition)
}

// fixedBytes is a random source that always yields the same byte.
type fixedBytes byte

func (b fixedBytes) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}

func TestGeneratedIDCollisionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.setupAdmin(t)
	env.Engine.IDs = identity.Generator{Rand: fixedBytes(0x2a)}

	first, err := env.Engine.RegisterNodal(env.Ctx, engine.NodalRegistration{Name: "Ravi", Email: "ravi@example.gov"})
	require.NoError(t, err)
	assert.Equal(t, "NODAL-2A2A2A", first.UniqueID)

	_, err = env.Engine.RegisterNodal(env.Ctx, engine.NodalRegistration{Name: "Meera", Email: "meera@example.gov"})
	require.ErrorIs(t, err, engine.ErrDuplicateIdentity)

	// the failed attempt rolled back, so the email is still free
	env.Engine.IDs = identity.NewGenerator()
	second, err := env.Engine.RegisterNodal(env.Ctx, engine.NodalRegistration{Name: "Meera", Email: "meera@example.gov"})
	require.NoError(t, err)
	assert.NotEqual(t, first.UniqueID, second.UniqueID)

	pending, err := env.Engine.ListUnverifiedNodals(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDenyNodalReleasesIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.setupAdmin(t)
	a, err := env.Engine.RegisterNodal(env.Ctx, engine.NodalRegistration{Name: "Nina", Email: "nina@example.gov"})
	require.NoError(t, err)

	require.NoError(t, env.Engine.DenyNodal(env.Ctx, a.ID, "ADMIN"))
	_, err = env.Engine.GetAdmin(env.Ctx, a.ID)
	require.ErrorIs(t, err, engine.ErrUserNotFound)

	_, err = env.Engine.RegisterNodal(env.Ctx, engine.NodalRegistration{Name: "Nina", Email: "nina@example.gov"})
	require.NoError(t, err)
}

func TestPasswordReset(t *testing.T) {
	env := newTestEnv(t)
	d, p := env.department(t, "Forest", "forest@example.gov")
	_, err := env.Engine.Authenticate(env.Ctx, d.DeptID, p.TempPassword)
	require.NoError(t, err)

	require.ErrorIs(t, env.Engine.RequestPasswordReset(env.Ctx, "other@example.gov", d.DeptID), engine.ErrUserNotFound)
	require.NoError(t, env.Engine.RequestPasswordReset(env.Ctx, "Forest@example.gov", d.DeptID))
	code := env.otpFor(t, "forest@example.gov")

	// forgot-password codes outlive the default five minutes
	env.Clock.Advance(8 * time.Minute)
	reset, err := env.Engine.ConfirmPasswordReset(env.Ctx, "forest@example.gov", d.DeptID, code)
	require.NoError(t, err)
	assert.Len(t, reset.TempPassword, 10)

	msg, err := env.Mail.Last("forest@example.gov")
	require.NoError(t, err)
	assert.Equal(t, notify.KindPasswordReset, msg.Kind)

	_, err = env.Engine.Authenticate(env.Ctx, d.DeptID, p.TempPassword)
	require.ErrorIs(t, err, engine.ErrIncorrectPassword)
	res, err := env.Engine.Authenticate(env.Ctx, d.DeptID, reset.TempPassword)
	require.NoError(t, err)
	assert.True(t, res.MustChange)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	d, p := env.department(t, "Police", "police@example.gov")

	err := env.Engine.ChangePassword(env.Ctx, engine.PasswordChange{UniqueID: d.DeptID, CurrentPassword: "bad", NewPassword: "s3cret!"})
	require.ErrorIs(t, err, engine.ErrIncorrectPassword)

	err = env.Engine.ChangePassword(env.Ctx, engine.PasswordChange{UniqueID: d.DeptID, CurrentPassword: p.TempPassword, NewPassword: "abc"})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "new_password", verr.Field)

	require.NoError(t, env.Engine.ChangePassword(env.Ctx, engine.PasswordChange{UniqueID: d.DeptID, CurrentPassword: p.TempPassword, NewPassword: "s3cret!"}))
	res, err := env.Engine.Authenticate(env.Ctx, d.DeptID, "s3cret!")
	require.NoError(t, err)
	assert.False(t, res.MustChange)

	_, err = env.Engine.Authenticate(env.Ctx, d.DeptID, p.TempPassword)
	require.ErrorIs(t, err, engine.ErrIncorrectPassword)
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Fisheries", "fish@example.gov")

	require.NoError(t, env.Engine.RequestProfileOTP(env.Ctx, d.DeptID, "new-fish@example.gov"))
	code := env.otpFor(t, "new-fish@example.gov")

	err := env.Engine.UpdateProfile(env.Ctx, engine.ProfileUpdate{UniqueID: d.DeptID, Email: "else@example.gov", NewPassword: "fresh-pass", Code: code})
	require.ErrorIs(t, err, otp.ErrOtpMismatch)

	require.NoError(t, env.Engine.RequestProfileOTP(env.Ctx, d.DeptID, "new-fish@example.gov"))
	code = env.otpFor(t, "new-fish@example.gov")
	require.NoError(t, env.Engine.UpdateProfile(env.Ctx, engine.ProfileUpdate{UniqueID: d.DeptID, Email: "new-fish@example.gov", NewPassword: "fresh-pass", Code: code}))

	got, err := env.Engine.GetDepartmentByCode(env.Ctx, d.DeptID)
	require.NoError(t, err)
	assert.Equal(t, "new-fish@example.gov", got.Email)
	_, err = env.Engine.Authenticate(env.Ctx, d.DeptID, "fresh-pass")
	require.NoError(t, err)
}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Education", "edu@example.gov")

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		LetterID: "L/2024/17", Subject: "Repair school roof", DepartmentID: d.ID,
		LetterDate: "01-03-2024", Deadline: "2024-03-20", Letter: strings.NewReader(samplePDF),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	require.NotNil(t, task.LetterDate)
	assert.Equal(t, "2024-03-01", *task.LetterDate)
	require.NotNil(t, task.LetterFile)
	assert.True(t, strings.HasPrefix(*task.LetterFile, "letter-"))
	f, err := env.Engine.Files.Open(*task.LetterFile)
	require.NoError(t, err)
	f.Close()

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{LetterID: "L/2024/17", Subject: "again", DepartmentID: d.ID})
	require.ErrorIs(t, err, engine.ErrDuplicateLetter)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{LetterID: "L2", Subject: "s", DepartmentID: d.ID, Deadline: "someday"})
	require.ErrorIs(t, err, engine.ErrInvalidDeadlineFormat)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{LetterID: "L3", Subject: "s", DepartmentID: 999})
	require.ErrorIs(t, err, engine.ErrNotFound)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{LetterID: "L4", Subject: "s", DepartmentID: d.ID, Letter: strings.NewReader("plain text")})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Subject: "s", DepartmentID: d.ID})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Transport", "transport@example.gov")
	task := env.task(t, d.ID, "T-1", "2024-03-20")

	got, err := env.Engine.MarkInProgress(env.Ctx, task.ID, d.DeptID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)
	_, err = env.Engine.MarkInProgress(env.Ctx, task.ID, d.DeptID)
	require.NoError(t, err)

	resolved, err := env.Engine.Approve(env.Ctx, task.ID, "NODAL")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskResolved, resolved.Status)
	require.NotNil(t, resolved.DateResolved)

	env.Clock.Advance(24 * time.Hour)
	again, err := env.Engine.Approve(env.Ctx, task.ID, "NODAL")
	require.NoError(t, err)
	assert.Equal(t, *resolved.DateResolved, *again.DateResolved)

	_, err = env.Engine.MarkInProgress(env.Ctx, task.ID, d.DeptID)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = env.Engine.Approve(env.Ctx, 4242, "NODAL")
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestTaskDerivedFields(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Agriculture", "agri@example.gov")
	late := env.task(t, d.ID, "A-1", "2024-03-05")
	soon := env.task(t, d.ID, "A-2", "2024-03-15")
	done := env.task(t, d.ID, "A-3", "2024-03-01")
	_, err := env.Engine.Approve(env.Ctx, done.ID, "NODAL")
	require.NoError(t, err)

	v, err := env.Engine.GetTask(env.Ctx, late.ID)
	require.NoError(t, err)
	assert.True(t, v.Overdue)
	assert.Equal(t, "overdue", v.DisplayStatus)
	assert.Equal(t, domain.TaskPending, v.Status)
	require.NotNil(t, v.DaysLeft)
	assert.Equal(t, 0, *v.DaysLeft)
	assert.Equal(t, "05-03-2024", v.DeadlineDisplay)

	v, err = env.Engine.GetTask(env.Ctx, soon.ID)
	require.NoError(t, err)
	assert.False(t, v.Overdue)
	assert.Equal(t, 5, *v.DaysLeft)

	v, err = env.Engine.GetTask(env.Ctx, done.ID)
	require.NoError(t, err)
	assert.False(t, v.Overdue)
	assert.Equal(t, "resolved", v.DisplayStatus)

	overdue, err := env.Engine.ListTasks(env.Ctx, engine.TaskFilter{DepartmentID: &d.ID, Status: "overdue"})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)

	all, err := env.Engine.ListTasks(env.Ctx, engine.TaskFilter{DepartmentID: &d.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = env.Engine.ListTasks(env.Ctx, engine.TaskFilter{Status: "closed"})
	require.ErrorIs(t, err, engine.ErrInvalidStatus)

	dash, err := env.Engine.DepartmentDashboard(env.Ctx, d.DeptID)
	require.NoError(t, err)
	assert.Equal(t, 2, dash.Counts.Pending)
	assert.Equal(t, 1, dash.Counts.Resolved)
	assert.Equal(t, 1, dash.Counts.Overdue)
	assert.Equal(t, 3, dash.Counts.Total)
}

func TestAssignIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Housing", "housing@example.gov")
	o1 := env.officer(t, d.ID, "One", "one@example.gov")
	o2 := env.officer(t, d.ID, "Two", "two@example.gov")
	o3 := env.officer(t, d.ID, "Three", "three@example.gov")
	task := env.task(t, d.ID, "H-1", "2024-03-30")

	req := engine.AssignRequest{TaskID: task.ID, DepartmentID: d.ID, OfficerIDs: []int64{o1.ID, o2.ID, o1.ID}, Deadline: "2024-03-25", WorkTitle: "Survey"}
	res, err := env.Engine.Assign(env.Ctx, req)
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)
	assert.Empty(t, res.Skipped)
	assert.False(t, res.AlreadyAssigned)

	req.OfficerIDs = []int64{o1.ID, o2.ID, o3.ID}
	res, err = env.Engine.Assign(env.Ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, o3.ID, res.Created[0].OfficerID)
	assert.ElementsMatch(t, []int64{o1.ID, o2.ID}, res.Skipped)

	res, err = env.Engine.Assign(env.Ctx, req)
	require.NoError(t, err)
	assert.True(t, res.AlreadyAssigned)
	assert.Empty(t, res.Created)

	items, err := env.Engine.ListAssignments(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	v, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{o1.UniqueID, o2.UniqueID, o3.UniqueID}, v.AssignedTo)

	require.NoError(t, env.Engine.RemoveAssignment(env.Ctx, task.ID, o2.ID, d.DeptID))
	require.ErrorIs(t, env.Engine.RemoveAssignment(env.Ctx, task.ID, o2.ID, d.DeptID), engine.ErrNotFound)
	v, err = env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{o1.UniqueID, o3.UniqueID}, v.AssignedTo)
}

func TestAssignRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Mining", "mining@example.gov")
	other, _ := env.department(t, "Tourism", "tourism@example.gov")
	o := env.officer(t, d.ID, "Own", "own@example.gov")
	foreign := env.officer(t, other.ID, "Foreign", "foreign@example.gov")
	task := env.task(t, d.ID, "M-1", "2024-04-01")

	base := engine.AssignRequest{TaskID: task.ID, DepartmentID: d.ID, OfficerIDs: []int64{o.ID}, Deadline: "2024-03-25", WorkTitle: "Inspect"}

	cases := map[string]func(r *engine.AssignRequest){
		"no officers":      func(r *engine.AssignRequest) { r.OfficerIDs = nil },
		"no title":         func(r *engine.AssignRequest) { r.WorkTitle = " " },
		"no deadline":      func(r *engine.AssignRequest) { r.Deadline = "" },
		"unknown task":     func(r *engine.AssignRequest) { r.TaskID = 9999 },
		"wrong department": func(r *engine.AssignRequest) { r.DepartmentID = other.ID },
		"foreign officer":  func(r *engine.AssignRequest) { r.OfficerIDs = []int64{o.ID, foreign.ID} },
		"unknown officer":  func(r *engine.AssignRequest) { r.OfficerIDs = []int64{9999} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := env.Engine.Assign(env.Ctx, req)
			require.ErrorIs(t, err, engine.ErrInvalidAssignmentRequest)
		})
	}

	bad := base
	bad.Deadline = "31/31/2024"
	_, err := env.Engine.Assign(env.Ctx, bad)
	require.ErrorIs(t, err, engine.ErrInvalidDeadlineFormat)

	items, err := env.Engine.ListAssignments(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAssignOfficersUsesTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Sports", "sports@example.gov")
	o := env.officer(t, d.ID, "Coach", "coach@example.gov")
	task := env.task(t, d.ID, "S-1", "2024-03-18")

	res, err := env.Engine.AssignOfficers(env.Ctx, task.ID, []int64{o.ID}, d.DeptID)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, task.Subject, res.Created[0].WorkTitle)
	assert.Equal(t, "2024-03-18", res.Created[0].Deadline)

	noDeadline := env.task(t, d.ID, "S-2", "")
	_, err = env.Engine.AssignOfficers(env.Ctx, noDeadline.ID, []int64{o.ID}, d.DeptID)
	require.ErrorIs(t, err, engine.ErrInvalidAssignmentRequest)
}

func TestWorkStatusAndReports(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Energy", "energy@example.gov")
	o := env.officer(t, d.ID, "Volt", "volt@example.gov")
	task := env.task(t, d.ID, "E-1", "2024-03-30")
	res, err := env.Engine.Assign(env.Ctx, engine.AssignRequest{TaskID: task.ID, DepartmentID: d.ID, OfficerIDs: []int64{o.ID}, Deadline: "2024-03-20", WorkTitle: "Meter audit"})
	require.NoError(t, err)
	work := res.Created[0]

	_, err = env.Engine.SetWorkStatus(env.Ctx, work.ID, "done", o.UniqueID)
	require.ErrorIs(t, err, engine.ErrInvalidStatus)

	w, err := env.Engine.SetWorkStatus(env.Ctx, work.ID, "resolved", o.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkResolved, w.Status)
	require.NotNil(t, w.CompletedAt)

	w, err = env.Engine.SetWorkStatus(env.Ctx, work.ID, "in_progress", o.UniqueID)
	require.NoError(t, err)
	assert.Nil(t, w.CompletedAt)

	_, err = env.Engine.AttachWorkReport(env.Ctx, work.ID, engine.Report{}, o.UniqueID)
	require.ErrorIs(t, err, engine.ErrNoReportData)
	blank := "   "
	_, err = env.Engine.AttachWorkReport(env.Ctx, work.ID, engine.Report{Description: &blank}, o.UniqueID)
	require.ErrorIs(t, err, engine.ErrNoReportData)

	desc := "Meters checked"
	w, err = env.Engine.AttachWorkReport(env.Ctx, work.ID, engine.Report{Description: &desc, File: strings.NewReader(samplePDF)}, o.UniqueID)
	require.NoError(t, err)
	require.NotNil(t, w.ReportDescription)
	assert.Equal(t, desc, *w.ReportDescription)
	require.NotNil(t, w.ReportFile)

	mine, err := env.Engine.ListByOfficer(env.Ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	reports, err := env.Engine.ListDepartmentReports(env.Ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, work.ID, reports[0].ID)
}

func TestAttachTaskReportKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Labour", "labour@example.gov")
	task := env.task(t, d.ID, "LB-1", "2024-03-30")

	_, err := env.Engine.AttachTaskReport(env.Ctx, task.ID, engine.Report{}, d.DeptID)
	require.ErrorIs(t, err, engine.ErrNoReportData)

	desc := "Inspection done"
	got, err := env.Engine.AttachTaskReport(env.Ctx, task.ID, engine.Report{Description: &desc}, d.DeptID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	require.NotNil(t, got.ReportDescription)
	assert.Equal(t, desc, *got.ReportDescription)
	assert.Nil(t, got.ReportFile)

	got, err = env.Engine.AttachTaskReport(env.Ctx, task.ID, engine.Report{File: strings.NewReader(samplePDF)}, d.DeptID)
	require.NoError(t, err)
	require.NotNil(t, got.ReportFile)
	assert.Equal(t, desc, *got.ReportDescription)
}

func TestReplacedReportFileIsRemoved(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Housing", "housing@example.gov")
	task := env.task(t, d.ID, "HS-1", "2024-03-30")

	first, err := env.Engine.AttachTaskReport(env.Ctx, task.ID, engine.Report{File: strings.NewReader(samplePDF)}, d.DeptID)
	require.NoError(t, err)
	require.NotNil(t, first.ReportFile)

	desc := "Follow-up"
	same, err := env.Engine.AttachTaskReport(env.Ctx, task.ID, engine.Report{Description: &desc}, d.DeptID)
	require.NoError(t, err)
	assert.Equal(t, *first.ReportFile, *same.ReportFile)
	f, err := env.Engine.Files.Open(*first.ReportFile)
	require.NoError(t, err)
	f.Close()

	second, err := env.Engine.AttachTaskReport(env.Ctx, task.ID, engine.Report{File: strings.NewReader(samplePDF)}, d.DeptID)
	require.NoError(t, err)
	require.NotNil(t, second.ReportFile)
	assert.NotEqual(t, *first.ReportFile, *second.ReportFile)

	_, err = env.Engine.Files.Open(*first.ReportFile)
	assert.Error(t, err)
	f, err = env.Engine.Files.Open(*second.ReportFile)
	require.NoError(t, err)
	f.Close()
}

func TestNotificationFailureKeepsCommittedState(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.RegisterDepartment(env.Ctx, engine.DepartmentRegistration{Name: "Culture", Head: "h", Email: "culture@example.gov"}, "")
	require.NoError(t, err)
	code := env.otpFor(t, "culture@example.gov")

	env.Mail.SetFail(errors.New("smtp down"))
	p, err := env.Engine.VerifyDepartment(env.Ctx, d.DeptID, code)
	require.ErrorIs(t, err, engine.ErrNotificationFailed)
	var nerr *engine.NotificationError
	require.ErrorAs(t, err, &nerr)
	assert.NotZero(t, nerr.OutboxID)
	assert.Equal(t, nerr.OutboxID, p.OutboxID)

	got, err := env.Engine.GetDepartmentByCode(env.Ctx, d.DeptID)
	require.NoError(t, err)
	assert.True(t, got.IsVerified)

	failed, err := env.Engine.ListNotifications(env.Ctx, "failed", 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "culture@example.gov", failed[0].Recipient)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Equal(t, "smtp down", failed[0].LastError)

	env.Mail.SetFail(nil)
	n, err := env.Engine.ResendNotification(env.Ctx, nerr.OutboxID, "ADMIN")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationSent, n.Status)
	assert.Equal(t, 2, n.Attempts)

	msg, err := env.Mail.Last("culture@example.gov")
	require.NoError(t, err)
	assert.Equal(t, notify.KindCredentials, msg.Kind)
	assert.Contains(t, msg.HTML, p.TempPassword)

	_, err = env.Engine.ResendNotification(env.Ctx, nerr.OutboxID, "ADMIN")
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = env.Engine.ListNotifications(env.Ctx, "bogus", 0)
	require.ErrorIs(t, err, engine.ErrInvalidStatus)
}

func TestOTPMailFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.Mail.SetFail(errors.New("smtp down"))
	d, err := env.Engine.RegisterDepartment(env.Ctx, engine.DepartmentRegistration{Name: "Arts", Head: "h", Email: "arts@example.gov"}, "")
	require.ErrorIs(t, err, engine.ErrNotificationFailed)
	assert.Equal(t, "DEPT001", d.DeptID)

	env.Mail.SetFail(nil)
	require.NoError(t, env.Engine.ResendDepartmentOTP(env.Ctx, d.DeptID))
}

func TestEventsAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.department(t, "Tribal", "tribal@example.gov")
	task := env.task(t, d.ID, "TR-1", "2024-03-30")

	evts, err := env.Engine.LatestEvents(env.Ctx, engine.EventQuery{Type: "task.created"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "NODAL-TEST", evts[0].ActorID)
	assert.Contains(t, evts[0].Payload, "TR-1")

	_, err = env.Engine.Approve(env.Ctx, task.ID, "NODAL-TEST")
	require.NoError(t, err)
	after, err := env.Engine.EventsAfter(env.Ctx, evts[0].ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, after)
	assert.Equal(t, "task.resolved", after[len(after)-1].Type)
}

func TestPolicyFromDefaultConfig(t *testing.T) {
	env := newTestEnv(t)
	assert.True(t, env.Engine.Policy.Allows(domain.KindNodal, "task.approve"))
	assert.False(t, env.Engine.Policy.Allows(domain.KindOfficer, "task.approve"))
	assert.True(t, env.Engine.Policy.Allows(domain.KindDepartment, "task.assign"))
}

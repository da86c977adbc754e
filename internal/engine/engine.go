package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"alertdesk/internal/config"
	"alertdesk/internal/domain"
	"alertdesk/internal/engine/auth"
	"alertdesk/internal/events"
	"alertdesk/internal/identity"
	"alertdesk/internal/logging"
	"alertdesk/internal/notify"
	"alertdesk/internal/otp"
	"alertdesk/internal/repo"
	"alertdesk/internal/storage"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Policy    auth.Policy
	OTP       otp.Ledger
	Mail      notify.Sender
	Files     storage.Store
	IDs       identity.Generator
	Resolvers []AccountResolver
	Log       *logrus.Logger
	Now       func() time.Time
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	OTPStore otp.Store
	Mail     notify.Sender
	Files    storage.Store
	Log      *logrus.Logger
}

func New(db *sql.DB, cfg *config.Config, deps Deps) Engine {
	r := repo.Repo{DB: db}
	var ttls map[otp.Purpose]time.Duration
	if cfg != nil {
		ttls = map[otp.Purpose]time.Duration{
			otp.PurposeDepartmentVerify: cfg.OTP.TTL.DepartmentVerify.Duration,
			otp.PurposeOfficerVerify:    cfg.OTP.TTL.OfficerVerify.Duration,
			otp.PurposeProfileUpdate:    cfg.OTP.TTL.ProfileUpdate.Duration,
			otp.PurposeForgotPassword:   cfg.OTP.TTL.ForgotPassword.Duration,
		}
	} else {
		cfg = config.Default()
	}
	store := deps.OTPStore
	if store == nil {
		store = otp.NewMemoryStore()
	}
	mail := deps.Mail
	if mail == nil {
		mail = notify.LogSender{Log: deps.Log}
	}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{},
		Config:    cfg,
		Policy:    auth.NewPolicy(cfg.RBAC.Roles),
		OTP:       otp.NewLedger(store, ttls),
		Mail:      mail,
		Files:     deps.Files,
		IDs:       identity.NewGenerator(),
		Resolvers: DefaultResolvers(r),
		Log:       deps.Log,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *logrus.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Discard()
}

// ledger and events share the engine clock.
func (e Engine) ledger() otp.Ledger {
	l := e.OTP
	l.Now = e.now
	return l
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}()

// check runs struct tag validation and reports the first failing field.
func check(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return invalid(fe.Field(), "is required")
		case "email":
			return invalid(fe.Field(), "must be a valid email address")
		case "min":
			return invalid(fe.Field(), "must be at least "+fe.Param()+" characters")
		case "max":
			return invalid(fe.Field(), "must be at most "+fe.Param()+" characters")
		}
		return invalid(fe.Field(), "failed "+fe.Tag()+" check")
	}
	return invalid("", err.Error())
}

// classify maps repository errors onto the engine taxonomy. notFound is
// returned for a missing row.
func classify(op string, err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return notFound
	case errors.Is(err, repo.ErrDuplicate):
		return ErrDuplicateIdentity
	}
	return storageErr(op, err)
}

func (e Engine) begin(ctx context.Context, op string) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return tx, nil
}

func (e Engine) commit(op string, tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// queueTx writes msg to the outbox inside tx. It is delivered after commit.
func (e Engine) queueTx(ctx context.Context, tx *sql.Tx, msg notify.Message, actorID string) (int64, error) {
	ts := e.timestamp()
	id, err := e.Repo.InsertNotificationTx(ctx, tx, domain.Notification{
		Kind:      msg.Kind,
		Recipient: msg.To,
		Subject:   msg.Subject,
		Body:      msg.HTML,
		CreatedAt: ts,
		UpdatedAt: ts,
	})
	if err != nil {
		return 0, storageErr("queue notification", err)
	}
	if err := e.events().Append(ctx, tx, events.NotificationQueued, "notification", fmt.Sprint(id), actorID,
		events.EventPayload{"kind": msg.Kind, "recipient": msg.To}); err != nil {
		return 0, storageErr("queue notification", err)
	}
	return id, nil
}

// deliver sends an outbox entry and records the outcome. A failed send
// leaves the entry for ResendNotification.
func (e Engine) deliver(ctx context.Context, id int64, msg notify.Message) error {
	sendErr := e.Mail.Send(ctx, msg)
	status, lastErr := domain.NotificationSent, ""
	if sendErr != nil {
		status, lastErr = domain.NotificationFailed, sendErr.Error()
	}
	// Record the outcome even if the caller's context was cancelled mid-send.
	if err := e.Repo.RecordDelivery(context.WithoutCancel(ctx), id, status, lastErr, e.timestamp()); err != nil {
		e.log().WithError(err).WithField("outbox_id", id).Error("record notification outcome")
	}
	if sendErr != nil {
		e.log().WithError(sendErr).WithFields(logrus.Fields{"outbox_id": id, "to": msg.To, "kind": msg.Kind}).Warn("notification failed")
		return &NotificationError{OutboxID: id, Recipient: msg.To, Cause: sendErr}
	}
	return nil
}

// sendDirect sends a message that is not kept in the outbox.
func (e Engine) sendDirect(ctx context.Context, msg notify.Message) error {
	if err := e.Mail.Send(ctx, msg); err != nil {
		e.log().WithError(err).WithFields(logrus.Fields{"to": msg.To, "kind": msg.Kind}).Warn("notification failed")
		return &NotificationError{Recipient: msg.To, Cause: err}
	}
	return nil
}

// issueOTP creates a code for the key and mails it to recipient.
func (e Engine) issueOTP(ctx context.Context, purpose otp.Purpose, subject, recipient, label string, payload any) error {
	l := e.ledger()
	code, err := l.Issue(ctx, purpose, subject, payload)
	if err != nil {
		return storageErr("issue otp", err)
	}
	msg, err := notify.OTPMessage(recipient, label, code, l.TTL(purpose))
	if err != nil {
		return err
	}
	e.log().WithFields(logrus.Fields{"op": "otp.issue", "purpose": purpose, "subject": subject}).Info("otp issued")
	return e.sendDirect(ctx, msg)
}

// verifyOTP passes OTP outcome errors through and wraps store failures.
func (e Engine) verifyOTP(ctx context.Context, purpose otp.Purpose, subject, code string, out any) error {
	err := e.ledger().Verify(ctx, purpose, subject, code, out)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, otp.ErrOtpNotFound), errors.Is(err, otp.ErrOtpExpired), errors.Is(err, otp.ErrOtpMismatch):
		e.log().WithFields(logrus.Fields{"op": "otp.verify", "purpose": purpose, "subject": subject}).WithError(err).Warn("otp rejected")
		return err
	}
	return storageErr("verify otp", err)
}

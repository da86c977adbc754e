package engine

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"alertdesk/internal/domain"
	"alertdesk/internal/events"
	"alertdesk/internal/identity"
	"alertdesk/internal/notify"
	"alertdesk/internal/otp"
)

func resetSubject(email, uniqueID string) string {
	return normalizeEmail(email) + "_" + uniqueID
}

func profileSubject(kind domain.AccountKind, uniqueID string) string {
	return string(kind) + "_" + uniqueID
}

// accountByEmail resolves uniqueID and requires the account's email to match.
func (e Engine) accountByEmail(ctx context.Context, email, uniqueID string) (domain.Account, error) {
	acct, err := e.resolve(ctx, e.DB, uniqueID)
	if err != nil {
		return domain.Account{}, err
	}
	if !strings.EqualFold(acct.Email, strings.TrimSpace(email)) {
		return domain.Account{}, ErrUserNotFound
	}
	return acct, nil
}

// RequestPasswordReset mails a forgot-password code to the account's email.
func (e Engine) RequestPasswordReset(ctx context.Context, email, uniqueID string) error {
	acct, err := e.accountByEmail(ctx, email, uniqueID)
	if err != nil {
		return err
	}
	return e.issueOTP(ctx, otp.PurposeForgotPassword, resetSubject(acct.Email, acct.UniqueID), acct.Email, "password reset", nil)
}

// ConfirmPasswordReset consumes the forgot-password code and resets the
// account to a fresh temp password.
func (e Engine) ConfirmPasswordReset(ctx context.Context, email, uniqueID, code string) (Provisioned, error) {
	acct, err := e.accountByEmail(ctx, email, uniqueID)
	if err != nil {
		return Provisioned{}, err
	}
	if err := e.verifyOTP(ctx, otp.PurposeForgotPassword, resetSubject(acct.Email, acct.UniqueID), code, nil); err != nil {
		return Provisioned{}, err
	}
	return e.ResetPassword(ctx, acct, acct.UniqueID)
}

// ResetPassword issues a new temp password and clears the permanent hash.
func (e Engine) ResetPassword(ctx context.Context, acct domain.Account, actorID string) (Provisioned, error) {
	temp, err := e.IDs.ResetPassword()
	if err != nil {
		return Provisioned{}, err
	}
	tx, err := e.begin(ctx, "reset password")
	if err != nil {
		return Provisioned{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetCredentialTx(ctx, tx, acct.Kind, acct.ID, &temp, nil, e.timestamp()); err != nil {
		return Provisioned{}, classify("reset password", err, ErrUserNotFound)
	}
	if err := e.events().Append(ctx, tx, events.CredentialReset, string(acct.Kind), acct.UniqueID, actorID, nil); err != nil {
		return Provisioned{}, storageErr("reset password", err)
	}
	msg, err := notify.PasswordResetMessage(acct.Email, acct.Name, acct.UniqueID, temp)
	if err != nil {
		return Provisioned{}, err
	}
	p := Provisioned{Kind: acct.Kind, RowID: acct.ID, UniqueID: acct.UniqueID, Email: acct.Email, TempPassword: temp}
	if p.OutboxID, err = e.queueTx(ctx, tx, msg, actorID); err != nil {
		return Provisioned{}, err
	}
	if err := e.commit("reset password", tx); err != nil {
		return Provisioned{}, err
	}
	e.log().WithFields(logrus.Fields{"op": "password.reset", "unique_id": acct.UniqueID}).Info("password reset")
	return p, e.deliver(ctx, p.OutboxID, msg)
}

type profileClaim struct {
	Email string `json:"email"`
}

// RequestProfileOTP mails a profile-update code to the address the account
// wants to switch to.
func (e Engine) RequestProfileOTP(ctx context.Context, uniqueID, email string) error {
	email = normalizeEmail(email)
	if err := check(struct {
		Email string `json:"email" validate:"required,email"`
	}{email}); err != nil {
		return err
	}
	acct, err := e.resolve(ctx, e.DB, uniqueID)
	if err != nil {
		return err
	}
	return e.issueOTP(ctx, otp.PurposeProfileUpdate, profileSubject(acct.Kind, acct.UniqueID), email, "profile update", profileClaim{Email: email})
}

type ProfileUpdate struct {
	UniqueID    string `json:"unique_id" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	NewPassword string `json:"new_password" validate:"required,min=6,max=72"`
	Code        string `json:"otp" validate:"required"`
}

// UpdateProfile consumes the profile-update code and sets the account's
// email and a new permanent password. The email must be the one the code
// was sent to.
func (e Engine) UpdateProfile(ctx context.Context, in ProfileUpdate) error {
	in.Email = normalizeEmail(in.Email)
	if err := check(in); err != nil {
		return err
	}
	acct, err := e.resolve(ctx, e.DB, in.UniqueID)
	if err != nil {
		return err
	}
	var claim profileClaim
	if err := e.verifyOTP(ctx, otp.PurposeProfileUpdate, profileSubject(acct.Kind, acct.UniqueID), in.Code, &claim); err != nil {
		return err
	}
	if claim.Email != in.Email {
		return otp.ErrOtpMismatch
	}
	hash, err := identity.HashPassword(in.NewPassword)
	if err != nil {
		return err
	}
	tx, err := e.begin(ctx, "update profile")
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := e.timestamp()
	if !strings.EqualFold(acct.Email, in.Email) {
		if err := e.ensureEmailFree(ctx, tx, in.Email); err != nil {
			return err
		}
		if err := e.Repo.SetEmailTx(ctx, tx, acct.Kind, acct.ID, in.Email, ts); err != nil {
			return classify("update profile", err, ErrUserNotFound)
		}
	}
	if err := e.Repo.SetCredentialTx(ctx, tx, acct.Kind, acct.ID, nil, &hash, ts); err != nil {
		return classify("update profile", err, ErrUserNotFound)
	}
	if err := e.events().Append(ctx, tx, events.ProfileUpdated, string(acct.Kind), acct.UniqueID, acct.UniqueID,
		events.EventPayload{"email": in.Email}); err != nil {
		return storageErr("update profile", err)
	}
	if err := e.commit("update profile", tx); err != nil {
		return err
	}
	e.log().WithFields(logrus.Fields{"op": "profile.update", "unique_id": acct.UniqueID}).Info("profile updated")
	return nil
}

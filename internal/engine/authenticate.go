package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"alertdesk/internal/domain"
	"alertdesk/internal/events"
	"alertdesk/internal/identity"
	"alertdesk/internal/repo"
)

// AccountResolver finds an account of one kind by its unique id. Resolve
// returns repo.ErrNotFound when the kind has no such account.
type AccountResolver interface {
	Name() string
	Resolve(ctx context.Context, q repo.Queryer, uniqueID string) (domain.Account, error)
}

type tableResolver struct {
	repo repo.Repo
	kind domain.AccountKind
	name string
}

func (r tableResolver) Name() string { return r.name }

func (r tableResolver) Resolve(ctx context.Context, q repo.Queryer, uniqueID string) (domain.Account, error) {
	return r.repo.FindAccount(ctx, q, r.kind, uniqueID)
}

// DefaultResolvers tries admins (main admin and nodal) first, then
// departments, then officers. The first match wins, which is why unique ids
// are reserved across all kinds.
func DefaultResolvers(r repo.Repo) []AccountResolver {
	return []AccountResolver{
		tableResolver{repo: r, kind: domain.KindMainAdmin, name: "admins"},
		tableResolver{repo: r, kind: domain.KindDepartment, name: "departments"},
		tableResolver{repo: r, kind: domain.KindOfficer, name: "officers"},
	}
}

// resolve walks the resolvers in order.
func (e Engine) resolve(ctx context.Context, q repo.Queryer, uniqueID string) (domain.Account, error) {
	uniqueID = strings.TrimSpace(uniqueID)
	if uniqueID == "" {
		return domain.Account{}, ErrUserNotFound
	}
	for _, r := range e.Resolvers {
		acct, err := r.Resolve(ctx, q, uniqueID)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Account{}, storageErr("resolve "+r.Name(), err)
		}
	}
	return domain.Account{}, ErrUserNotFound
}

type AuthResult struct {
	Account domain.Account `json:"account"`
	// MustChange is set when the login consumed a temp password and the
	// client must prompt for a new one.
	MustChange bool `json:"must_change"`
}

// Authenticate checks a password against the account's temp password or
// permanent hash. A matching temp password is replaced by its hash.
func (e Engine) Authenticate(ctx context.Context, uniqueID, password string) (AuthResult, error) {
	entry := e.log().WithFields(logrus.Fields{"op": "authenticate", "unique_id": uniqueID})
	res, err := e.authenticate(ctx, uniqueID, password)
	if err != nil {
		entry.WithError(err).Warn("login rejected")
		return AuthResult{}, err
	}
	entry.WithField("kind", res.Account.Kind).Info("login accepted")
	return res, nil
}

func (e Engine) authenticate(ctx context.Context, uniqueID, password string) (AuthResult, error) {
	// A second pass covers a concurrent login that promoted the temp
	// password between our read and our update.
	for attempt := 0; attempt < 2; attempt++ {
		acct, err := e.resolve(ctx, e.DB, uniqueID)
		if err != nil {
			return AuthResult{}, err
		}
		switch acct.CredentialState() {
		case domain.CredentialNone:
			return AuthResult{}, ErrNotVerified
		case domain.CredentialPasswordSet:
			if !identity.CheckPassword(*acct.PasswordHash, password) {
				return AuthResult{}, ErrIncorrectPassword
			}
			if !acct.IsVerified {
				return AuthResult{}, ErrNotVerified
			}
			return AuthResult{Account: acct}, nil
		case domain.CredentialTemporary:
			if subtle.ConstantTimeCompare([]byte(*acct.TempPassword), []byte(password)) != 1 {
				return AuthResult{}, ErrIncorrectPassword
			}
			if !acct.IsVerified {
				return AuthResult{}, ErrNotVerified
			}
			hash, promoted, err := e.promoteTempPassword(ctx, acct, password)
			if err != nil {
				return AuthResult{}, err
			}
			if !promoted {
				continue
			}
			acct.TempPassword, acct.PasswordHash = nil, &hash
			return AuthResult{Account: acct, MustChange: acct.Kind != domain.KindMainAdmin}, nil
		}
	}
	return AuthResult{}, ErrIncorrectPassword
}

func (e Engine) promoteTempPassword(ctx context.Context, acct domain.Account, temp string) (string, bool, error) {
	hash, err := identity.HashPassword(temp)
	if err != nil {
		return "", false, err
	}
	tx, err := e.begin(ctx, "promote password")
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.PromoteTempPasswordTx(ctx, tx, acct.Kind, acct.ID, temp, hash, e.timestamp())
	if err != nil {
		return "", false, storageErr("promote password", err)
	}
	if !ok {
		return "", false, nil
	}
	if err := e.events().Append(ctx, tx, events.CredentialPromoted, string(acct.Kind), acct.UniqueID, acct.UniqueID, nil); err != nil {
		return "", false, storageErr("promote password", err)
	}
	if err := e.commit("promote password", tx); err != nil {
		return "", false, err
	}
	return hash, true, nil
}

type PasswordChange struct {
	UniqueID        string `json:"unique_id" validate:"required"`
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6,max=72"`
}

// ChangePassword replaces the account's credential with a hash of the new
// password after checking the current one. It completes the must-change
// step that follows a temp password login.
func (e Engine) ChangePassword(ctx context.Context, in PasswordChange) error {
	if err := check(in); err != nil {
		return err
	}
	acct, err := e.resolve(ctx, e.DB, in.UniqueID)
	if err != nil {
		return err
	}
	switch acct.CredentialState() {
	case domain.CredentialNone:
		return ErrNotVerified
	case domain.CredentialTemporary:
		if subtle.ConstantTimeCompare([]byte(*acct.TempPassword), []byte(in.CurrentPassword)) != 1 {
			return ErrIncorrectPassword
		}
	case domain.CredentialPasswordSet:
		if !identity.CheckPassword(*acct.PasswordHash, in.CurrentPassword) {
			return ErrIncorrectPassword
		}
	}
	if !acct.IsVerified {
		return ErrNotVerified
	}
	hash, err := identity.HashPassword(in.NewPassword)
	if err != nil {
		return err
	}
	tx, err := e.begin(ctx, "change password")
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetCredentialTx(ctx, tx, acct.Kind, acct.ID, nil, &hash, e.timestamp()); err != nil {
		return classify("change password", err, ErrUserNotFound)
	}
	if err := e.events().Append(ctx, tx, events.CredentialChanged, string(acct.Kind), acct.UniqueID, acct.UniqueID, nil); err != nil {
		return storageErr("change password", err)
	}
	if err := e.commit("change password", tx); err != nil {
		return err
	}
	e.log().WithFields(logrus.Fields{"op": "password.change", "unique_id": acct.UniqueID}).Info("password changed")
	return nil
}

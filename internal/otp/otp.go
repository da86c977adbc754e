// Package otp issues and verifies short-lived numeric passcodes.
//
// A Ledger holds at most one live code per (purpose, subject) key. Issuing
// overwrites the previous code for the key and a successful verification
// consumes it. Codes are kept as SHA-256 digests so a Store never holds them
// in clear text.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"
)

type Purpose string

const (
	PurposeDepartmentVerify Purpose = "department-verify"
	PurposeOfficerVerify    Purpose = "officer-verify"
	PurposeForgotPassword   Purpose = "forgot-password"
	PurposeProfileUpdate    Purpose = "profile-update"
)

var (
	ErrOtpNotFound = errors.New("otp not found")
	ErrOtpExpired  = errors.New("otp expired")
	ErrOtpMismatch = errors.New("otp mismatch")
)

type Key struct {
	Purpose Purpose
	Subject string
}

func (k Key) String() string {
	return string(k.Purpose) + ":" + k.Subject
}

type Record struct {
	CodeHash  string
	ExpiresAt time.Time
	Payload   []byte
}

// Store persists OTP records. Get returns ErrOtpNotFound for a missing key.
// Delete removes the record only while it still carries codeHash and
// reports whether it did, so two concurrent verifications of one code cannot
// both succeed and a code reissued in between is left alone.
type Store interface {
	Put(ctx context.Context, key Key, rec Record) error
	Get(ctx context.Context, key Key) (Record, error)
	Delete(ctx context.Context, key Key, codeHash string) (bool, error)
}

// DefaultTTLs returns the lifetimes used when a purpose has no configured TTL.
func DefaultTTLs() map[Purpose]time.Duration {
	return map[Purpose]time.Duration{
		PurposeDepartmentVerify: 5 * time.Minute,
		PurposeOfficerVerify:    5 * time.Minute,
		PurposeProfileUpdate:    5 * time.Minute,
		PurposeForgotPassword:   10 * time.Minute,
	}
}

type Ledger struct {
	Store Store
	TTLs  map[Purpose]time.Duration
	Now   func() time.Time
	Rand  io.Reader
}

func NewLedger(store Store, ttls map[Purpose]time.Duration) Ledger {
	merged := DefaultTTLs()
	for p, ttl := range ttls {
		if ttl > 0 {
			merged[p] = ttl
		}
	}
	return Ledger{Store: store, TTLs: merged, Now: time.Now, Rand: rand.Reader}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) ttl(p Purpose) time.Duration {
	if ttl, ok := l.TTLs[p]; ok && ttl > 0 {
		return ttl
	}
	if ttl, ok := DefaultTTLs()[p]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// TTL reports the lifetime of codes issued for p.
func (l Ledger) TTL(p Purpose) time.Duration {
	return l.ttl(p)
}

// Issue generates a six digit code for the key, replacing any live one.
// payload, when non-nil, is JSON encoded and handed back by Verify.
func (l Ledger) Issue(ctx context.Context, purpose Purpose, subject string, payload any) (string, error) {
	if l.Store == nil {
		return "", errors.New("otp store not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("otp subject is required")
	}
	code, err := l.code()
	if err != nil {
		return "", err
	}
	rec := Record{
		CodeHash:  digest(purpose, subject, code),
		ExpiresAt: l.now().UTC().Add(l.ttl(purpose)),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal otp payload: %w", err)
		}
		rec.Payload = data
	}
	if err := l.Store.Put(ctx, Key{Purpose: purpose, Subject: subject}, rec); err != nil {
		return "", err
	}
	return code, nil
}

// Verify checks code against the live record for the key and consumes it.
// Expired records are evicted. On success the stored payload, if any, is
// decoded into out.
func (l Ledger) Verify(ctx context.Context, purpose Purpose, subject, code string, out any) error {
	if l.Store == nil {
		return errors.New("otp store not configured")
	}
	key := Key{Purpose: purpose, Subject: subject}
	rec, err := l.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if l.now().UTC().After(rec.ExpiresAt) {
		if _, err := l.Store.Delete(ctx, key, rec.CodeHash); err != nil {
			return err
		}
		return ErrOtpExpired
	}
	want := digest(purpose, subject, strings.TrimSpace(code))
	if subtle.ConstantTimeCompare([]byte(want), []byte(rec.CodeHash)) != 1 {
		return ErrOtpMismatch
	}
	deleted, err := l.Store.Delete(ctx, key, rec.CodeHash)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrOtpNotFound
	}
	if out != nil && len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, out); err != nil {
			return fmt.Errorf("decode otp payload: %w", err)
		}
	}
	return nil
}

func (l Ledger) code() (string, error) {
	r := l.Rand
	if r == nil {
		r = rand.Reader
	}
	n, err := rand.Int(r, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", 100000+n.Int64()), nil
}

func digest(purpose Purpose, subject, code string) string {
	sum := sha256.Sum256([]byte(string(purpose) + "\x00" + subject + "\x00" + code))
	return hex.EncodeToString(sum[:])
}

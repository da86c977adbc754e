package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"alertdesk/internal/otp"
)

// OTPStore keeps OTP records in the relational store so that every process
// sharing the database sees the same live codes.
type OTPStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s OTPStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s OTPStore) Put(ctx context.Context, key otp.Key, rec otp.Record) error {
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO otp_records(purpose,subject,code_hash,expires_at,payload_json,created_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(purpose,subject) DO UPDATE SET code_hash=excluded.code_hash, expires_at=excluded.expires_at,
		payload_json=excluded.payload_json, created_at=excluded.created_at`,
		string(key.Purpose), key.Subject, rec.CodeHash, rec.ExpiresAt.UTC().Format(time.RFC3339Nano), payload,
		s.now().UTC().Format(time.RFC3339))
	return err
}

func (s OTPStore) Get(ctx context.Context, key otp.Key) (otp.Record, error) {
	var (
		rec     otp.Record
		expires string
		payload sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `SELECT code_hash,expires_at,payload_json FROM otp_records WHERE purpose=? AND subject=?`,
		string(key.Purpose), key.Subject).Scan(&rec.CodeHash, &expires, &payload)
	if err == sql.ErrNoRows {
		return rec, otp.ErrOtpNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires)
	if err != nil {
		return rec, fmt.Errorf("parse otp expiry: %w", err)
	}
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	return rec, nil
}

// Delete removes the record only while it still holds codeHash, so a code
// reissued in the meantime survives.
func (s OTPStore) Delete(ctx context.Context, key otp.Key, codeHash string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM otp_records WHERE purpose=? AND subject=? AND code_hash=?`,
		string(key.Purpose), key.Subject, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SweepExpired removes every record that expired before now.
func (s OTPStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT purpose,subject,code_hash,expires_at FROM otp_records`)
	if err != nil {
		return 0, err
	}
	type stale struct {
		key  otp.Key
		hash string
	}
	var expired []stale
	for rows.Next() {
		var (
			st      stale
			purpose string
			expires string
		)
		if err := rows.Scan(&purpose, &st.key.Subject, &st.hash, &expires); err != nil {
			rows.Close()
			return 0, err
		}
		st.key.Purpose = otp.Purpose(purpose)
		at, err := time.Parse(time.RFC3339Nano, expires)
		if err != nil || now.After(at) {
			expired = append(expired, st)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	n := 0
	for _, st := range expired {
		ok, err := s.Delete(ctx, st.key, st.hash)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

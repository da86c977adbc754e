package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertdesk/internal/db"
	"alertdesk/internal/migrate"
	"alertdesk/internal/otp"
	"alertdesk/internal/repo"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return conn
}

func TestOTPStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := repo.OTPStore{DB: openDB(t)}
	key := otp.Key{Purpose: otp.PurposeOfficerVerify, Subject: "asha@dept.gov"}
	exp := time.Date(2024, 3, 10, 10, 5, 0, 0, time.UTC)

	_, err := store.Get(ctx, key)
	require.ErrorIs(t, err, otp.ErrOtpNotFound)

	require.NoError(t, store.Put(ctx, key, otp.Record{CodeHash: "h1", ExpiresAt: exp, Payload: []byte(`{"name":"Asha"}`)}))
	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "h1", rec.CodeHash)
	assert.True(t, exp.Equal(rec.ExpiresAt))
	assert.JSONEq(t, `{"name":"Asha"}`, string(rec.Payload))

	// reissue replaces the live code
	require.NoError(t, store.Put(ctx, key, otp.Record{CodeHash: "h2", ExpiresAt: exp.Add(time.Minute)}))
	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "h2", rec.CodeHash)
	assert.Nil(t, rec.Payload)

	// a delete carrying the replaced hash leaves the live code alone
	ok, err := store.Delete(ctx, key, "h1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.Get(ctx, key)
	require.NoError(t, err)

	ok, err = store.Delete(ctx, key, "h2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Delete(ctx, key, "h2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOTPStoreSweep(t *testing.T) {
	ctx := context.Background()
	store := repo.OTPStore{DB: openDB(t)}
	now := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, otp.Key{Purpose: otp.PurposeDepartmentVerify, Subject: "DEPT001"}, otp.Record{CodeHash: "a", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, store.Put(ctx, otp.Key{Purpose: otp.PurposeForgotPassword, Subject: "a@b.gov_OFF00001"}, otp.Record{CodeHash: "b", ExpiresAt: now.Add(time.Minute)}))

	n, err := store.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, otp.Key{Purpose: otp.PurposeForgotPassword, Subject: "a@b.gov_OFF00001"})
	assert.NoError(t, err)
}

func TestLedgerOverSQLStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	ledger := otp.Ledger{Store: repo.OTPStore{DB: openDB(t)}, Now: func() time.Time { return now }}

	code, err := ledger.Issue(ctx, otp.PurposeProfileUpdate, "officer_OFF00001", nil)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(ctx, otp.PurposeProfileUpdate, "officer_OFF00001", code, nil))
	assert.ErrorIs(t, ledger.Verify(ctx, otp.PurposeProfileUpdate, "officer_OFF00001", code, nil), otp.ErrOtpNotFound)
}

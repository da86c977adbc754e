package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertdesk/internal/app"
	"alertdesk/internal/config"
	"alertdesk/internal/repo"
)

func TestLoadConfigAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("server:\n  addr: 127.0.0.1:5000\n"), 0o644))

	cfg, err := app.LoadConfig(dir, "", app.Overrides{JWTSecret: "s3cret", LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, dir, cfg.Database.Workspace)
	assert.Equal(t, filepath.Join(dir, "uploads"), cfg.Storage.UploadDir)

	cfg, err = app.LoadConfig(dir, "", app.Overrides{Addr: "0.0.0.0:80"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:80", cfg.Server.Addr)
}

func TestLoadConfigReportsPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte("otp:\n  store: redis\n"), 0o644))
	_, err := app.LoadConfig(dir, path, app.Overrides{})
	assert.ErrorContains(t, err, "broken.yml")
}

func TestOpenSelectsOTPStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("otp:\n  store: sql\nlog:\n  level: error\n"), 0o644))
	cfg, err := app.LoadConfig(dir, "", app.Overrides{})
	require.NoError(t, err)

	rt, err := app.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Close()

	_, ok := rt.Sweeper.(repo.OTPStore)
	assert.True(t, ok)
	n, err := rt.Sweeper.SweepExpired(context.Background(), rt.Engine.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	depts, err := rt.Engine.ListDepartments(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, depts)
}

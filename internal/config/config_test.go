package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertdesk/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 12*time.Hour, cfg.Server.TokenTTL.Duration)
	assert.Equal(t, 10*time.Minute, cfg.OTP.TTL.ForgotPassword.Duration)
	assert.Equal(t, 5*time.Minute, cfg.OTP.TTL.DepartmentVerify.Duration)
	assert.Equal(t, "memory", cfg.OTP.Store)
	assert.Contains(t, cfg.RBAC.Roles["officer"].Permissions, "work.report")
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
otp:
  store: sql
  ttl:
    officer_verify: 2m
webhooks:
  - url: http://hooks.local/events
    events: ["task.*"]
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "sql", cfg.OTP.Store)
	assert.Equal(t, 2*time.Minute, cfg.OTP.TTL.OfficerVerify.Duration)
	assert.Equal(t, 5*time.Minute, cfg.OTP.TTL.ProfileUpdate.Duration)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"task.*"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"mail mode":   "mail:\n  mode: pigeon\n",
		"smtp host":   "mail:\n  mode: smtp\n  host: \"\"\n",
		"otp store":   "otp:\n  store: redis\n",
		"base path":   "server:\n  base_path: v1\n",
		"duration":    "otp:\n  ttl:\n    forgot_password: soon\n",
		"webhook url": "webhooks:\n  - events: [\"*\"]\n",
		"log format":  "log:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}

	cfg := config.Default()
	delete(cfg.RBAC.Roles, "officer")
	assert.ErrorContains(t, cfg.Validate(), "officer")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(config.Path(dir))
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.Addr, cfg.Server.Addr)

	path := filepath.Join(dir, "alertdesk.yml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  max_upload_mb: 5\n"), 0o644))
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Storage.MaxUploadMB)
}

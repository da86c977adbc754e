package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertdesk/internal/config"
)

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, raw := range []string{"", "0", "-3", "abc"} {
		_, err := parseID(raw)
		assert.Error(t, err, raw)
	}
}

func TestPrintResult(t *testing.T) {
	rows := []map[string]any{{"id": 1, "kind": "credentials"}}
	fill := func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Kind"})
		tw.AppendRow(table.Row{1, "credentials"})
	}

	viper.Set("json", false)
	var out bytes.Buffer
	require.NoError(t, printResult(&out, rows, fill))
	assert.Contains(t, out.String(), "KIND")
	assert.Contains(t, out.String(), "credentials")

	viper.Set("json", true)
	defer viper.Set("json", false)
	out.Reset()
	require.NoError(t, printResult(&out, rows, fill))
	assert.JSONEq(t, `[{"id":1,"kind":"credentials"}]`, out.String())
}

func TestConfigInitWritesDefault(t *testing.T) {
	dir := t.TempDir()
	viper.Set("workspace", dir)
	viper.Set("config", "")
	defer viper.Set("workspace", ".")

	cmd := configCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init"})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(filepath.Join(dir, "alertdesk.yml"))
	require.NoError(t, err)
	_, err = config.FromYAML(data)
	require.NoError(t, err)

	cmd = configCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"init"})
	assert.Error(t, cmd.Execute())
}

func TestOTPSweepNeedsSQLStore(t *testing.T) {
	dir := t.TempDir()
	viper.Set("workspace", dir)
	viper.Set("config", "")
	defer viper.Set("workspace", ".")

	cmd := otpCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"sweep"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"memory"`)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "alertdesk.yml"), []byte("otp:\n  store: sql\nlog:\n  level: error\n"), 0o644))
	cmd = otpCmd()
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "evicted 0\n", out.String())
}

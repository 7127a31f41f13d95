// Package flags provides tests for the hub client's flag and environment
// variable handling.
package flags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand() *cobra.Command {
	cmd := new(cobra.Command)

	SetEnvBindings()
	RegisterServerFlags(cmd)
	RegisterSystemFlags(cmd)

	return cmd
}

func TestReadSettingsFromFlags(t *testing.T) {
	cmd := newTestCommand()

	err := cmd.ParseFlags([]string{
		"--server", "hub.example.com",
		"--port", "8080",
		"--ssl",
		"--base-directory", "Loupe",
		"--repository", "Production",
	})
	require.NoError(t, err)

	settings, err := ReadSettings(cmd.PersistentFlags())
	require.NoError(t, err)

	assert.False(t, settings.UseHostedService)
	assert.Equal(t, "hub.example.com", settings.Server)
	assert.Equal(t, 8080, settings.Port)
	assert.True(t, settings.UseSSL)
	assert.Equal(t, "Loupe", settings.ApplicationBaseDirectory)
	assert.Equal(t, "Production", settings.Repository)
}

func TestReadSettingsForHostedService(t *testing.T) {
	cmd := newTestCommand()

	err := cmd.ParseFlags([]string{
		"--hosted-service",
		"--customer", "Acme",
		"--application-key", "KEY-1234",
	})
	require.NoError(t, err)

	settings, err := ReadSettings(cmd.PersistentFlags())
	require.NoError(t, err)

	assert.True(t, settings.UseHostedService)
	assert.Equal(t, "Acme", settings.CustomerName)
	assert.Equal(t, "KEY-1234", settings.ApplicationKey)
}

func TestFlagsDefaultFromEnvironment(t *testing.T) {
	t.Setenv("LOUPE_SERVER", "env.example.com")
	t.Setenv("LOUPE_PORT", "9090")
	t.Setenv("LOUPE_RUN_ONCE", "true")

	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags(nil))

	settings, err := ReadSettings(cmd.PersistentFlags())
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", settings.Server)
	assert.Equal(t, 9090, settings.Port)

	runOnce, err := cmd.PersistentFlags().GetBool("run-once")
	require.NoError(t, err)
	assert.True(t, runOnce)
}

func TestMaxRetriesDefault(t *testing.T) {
	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags(nil))

	maxRetries, err := cmd.PersistentFlags().GetInt("max-retries")
	require.NoError(t, err)
	assert.Equal(t, 3, maxRetries)
}

func TestGetSecretsFromFilesWithString(t *testing.T) {
	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--shared-secret", "literal-secret"}))

	GetSecretsFromFiles(cmd)

	value, err := cmd.PersistentFlags().GetString("shared-secret")
	require.NoError(t, err)
	assert.Equal(t, "literal-secret", value)
}

func TestGetSecretsFromFilesWithFile(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "shared-secret")
	require.NoError(t, os.WriteFile(secretFile, []byte("file-secret\n"), 0o600))

	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--shared-secret", secretFile}))

	GetSecretsFromFiles(cmd)

	value, err := cmd.PersistentFlags().GetString("shared-secret")
	require.NoError(t, err)
	assert.Equal(t, "file-secret", value, "file contents should replace the path, trimmed")
}

func TestGetSecretsFromFilesReplacesPassword(t *testing.T) {
	passwordFile := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(passwordFile, []byte("hunter2"), 0o600))

	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--password", passwordFile}))

	GetSecretsFromFiles(cmd)

	value, err := cmd.PersistentFlags().GetString("password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)
}

func TestSetupLogging(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "defaults", args: nil},
		{name: "json format", args: []string{"--log-format", "json"}},
		{name: "logfmt format", args: []string{"--log-format", "logfmt"}},
		{name: "pretty format with no color", args: []string{"--log-format", "pretty", "--no-color"}},
		{name: "debug level", args: []string{"--log-level", "debug"}},
		{name: "invalid format", args: []string{"--log-format", "xml"}, wantErr: true},
		{name: "invalid level", args: []string{"--log-level", "shouty"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newTestCommand()
			require.NoError(t, cmd.ParseFlags(tt.args))

			err := SetupLogging(cmd.PersistentFlags())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

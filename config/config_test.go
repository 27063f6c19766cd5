package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadArgs(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return LoadConfig(cmd)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadArgs(t, "--mbox", "reports.mbox", "--state-dir", t.TempDir())
	require.NoError(t, err)

	assert.False(t, cfg.UsesIMAP())
	assert.Equal(t, DefaultFilter, cfg.Filter)
	assert.Equal(t, 5, cfg.RetryCount)
	assert.Equal(t, 600*time.Second, cfg.RetryInterval)
	assert.Equal(t, 1, cfg.Workers)
	assert.True(t, cfg.WritesStdout())

	pcfg, err := cfg.PipelineConfig()
	require.NoError(t, err)
	assert.True(t, pcfg.URLPattern.MatchString("https://dl.shadowserver.org/abc"))
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no source", args: nil},
		{name: "both sources", args: []string{"--mbox", "a.mbox", "--imap-host", "mail.example.org"}},
		{name: "imap without user", args: []string{"--imap-host", "mail.example.org", "--imap-pass", "x"}},
		{name: "negative retries", args: []string{"--mbox", "a.mbox", "--retry-count=-1"}},
		{name: "negative interval", args: []string{"--mbox", "a.mbox", "--retry-interval=-0.5"}},
		{name: "bad url rex", args: []string{"--mbox", "a.mbox", "--url-rex", "("}},
		{name: "filename rex without groups", args: []string{"--mbox", "a.mbox", "--filename-rex", `\d+\.csv`}},
		{name: "bad filter", args: []string{"--mbox", "a.mbox", "--filter", "FLAGGED"}},
		{name: "zero workers", args: []string{"--mbox", "a.mbox", "--workers", "0"}},
		{name: "bad log level", args: []string{"--mbox", "a.mbox", "--log-level", "loud"}},
	}

	t.Setenv("IMAP_PASS", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadArgs(t, append(tt.args, "--state-dir", t.TempDir())...)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_IMAPPasswordFromEnv(t *testing.T) {
	t.Setenv("IMAP_PASS", "secret")

	cfg, err := loadArgs(t, "--imap-host", "mail.example.org", "--imap-user", "abuse", "--state-dir", t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.UsesIMAP())
	assert.Equal(t, "secret", cfg.IMAPPass)
	assert.Equal(t, "INBOX", cfg.Mailbox)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
filter: 'SUBJECT "Shadowserver" UNSEEN'
retry_count: 2
retry_interval: 1.5
workers: 4
log_level: WARNING
imap:
  host: mail.example.org
  user: abuse
  pass: hunter2
  mailbox: Reports
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := loadArgs(t, "--config", path, "--workers", "2", "--state-dir", dir)
	require.NoError(t, err)

	assert.Equal(t, `SUBJECT "Shadowserver" UNSEEN`, cfg.Filter)
	assert.Equal(t, 2, cfg.RetryCount)
	assert.Equal(t, 1500*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, 2, cfg.Workers, "explicit flag wins over file")
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "mail.example.org", cfg.IMAPHost)
	assert.Equal(t, "Reports", cfg.Mailbox)
}

func TestLoadConfig_SourceFlagReplacesFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
mbox: archive/reports.mbox
imap:
  host: mail.example.org
  user: abuse
  pass: hunter2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Run("imap flag over file mbox", func(t *testing.T) {
		cfg, err := loadArgs(t, "--config", path, "--imap-host", "other.example.org", "--state-dir", dir)
		require.NoError(t, err)
		assert.True(t, cfg.UsesIMAP())
		assert.Empty(t, cfg.MboxPath)
		assert.Equal(t, "other.example.org", cfg.IMAPHost)
		assert.Equal(t, "abuse", cfg.IMAPUser)
	})

	t.Run("mbox flag over file imap", func(t *testing.T) {
		cfg, err := loadArgs(t, "--config", path, "--mbox", "local.mbox", "--state-dir", dir)
		require.NoError(t, err)
		assert.False(t, cfg.UsesIMAP())
		assert.Equal(t, "local.mbox", cfg.MboxPath)
		assert.Empty(t, cfg.IMAPHost)
	})
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retries: 3\n"), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadParseConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
retry_count: 1
imap:
  host: mail.example.org
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cmd := &cobra.Command{Use: "parse"}
	RegisterParseFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--output", "records.jsonl"}))

	cfg, err := LoadParseConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.RetryCount)
	assert.Empty(t, cfg.IMAPHost, "source settings are ignored")
	assert.False(t, cfg.WritesStdout())
}

package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBackoffSchedule(t *testing.T) {
	p := Default()
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, d := range want {
		assert.Equal(t, d, p.Backoff(i+1), "retry %d", i+1)
	}
	assert.Equal(t, time.Minute, p.Backoff(0))
}

func TestLoadDefaults(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "reminder.yaml")
	require.NoError(t, os.WriteFile(file, []byte("max_retries: 3\ntime_zone: America/New_York\nworkers: 8\n"), 0o600))
	t.Setenv("REMINDER_WORKERS", "2")
	t.Setenv("REMINDER_SEND_TIMEOUT", "5s")
	t.Setenv("REMINDER_AUTOMATIC_REMINDERS", "false")

	p, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 2, p.Workers)
	assert.Equal(t, 5*time.Second, p.SendTimeout)
	assert.False(t, p.AutomaticReminders)
	assert.Equal(t, "America/New_York", p.Location().String())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxRetries)
	assert.True(t, p.AutomaticReminders)
}

func TestValidate(t *testing.T) {
	p := Default()
	p.ClaimLease = p.SendTimeout
	p.TimeZone = "Mars/Olympus"
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim_lease")
	assert.Contains(t, err.Error(), "time_zone")
}

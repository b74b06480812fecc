package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.SpatialAudio)
	assert.Equal(t, 256, cfg.HostQueue)
	assert.Equal(t, 15*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	assert.Equal(t, 48000, cfg.RecordSampleRate)
	assert.False(t, cfg.AutoConnect)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
mode: debug
port: 9090
room_url: wss://rooms.example/voice
spatial_audio: false
shutdown_timeout: 250ms
ice_servers:
  - stun:a.example:3478
  - turn:b.example:3478
`), 0o600))
	t.Setenv("VOICEBRIDGE_TOKEN", "from-env")
	t.Setenv("VOICEBRIDGE_PORT", "9191")

	cfg, err := LoadFile(file)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, "wss://rooms.example/voice", cfg.RoomURL)
	assert.Equal(t, "from-env", cfg.Token)
	assert.False(t, cfg.SpatialAudio)
	assert.Equal(t, 250*time.Millisecond, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.ICEServers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"port":         "port: 70000\n",
		"queue":        "host_queue: 0\n",
		"auto connect": "auto_connect: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
			_, err := LoadFile(file)
			assert.Error(t, err)
		})
	}
}

func TestLoadUsesConfigEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.staging.yaml"), []byte("port: 7070\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "staging")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

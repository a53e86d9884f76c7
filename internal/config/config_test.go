package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs, Default())
	require.NoError(t, fs.Parse(args))
	return Load(viper.New(), fs)
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestFlagsAndEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("COLLAB_SEND_BUFFER", "64")
	t.Setenv("COLLAB_PING_INTERVAL", "5s")
	t.Setenv("FRONTEND_URL", "https://docs.example.com")

	cfg, err := load(t, "--send-buffer=8", "--mdns")
	require.NoError(t, err)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
	require.Equal(t, 8, cfg.SendBuffer, "flags win over environment")
	require.Equal(t, 5*time.Second, cfg.PingInterval)
	require.Equal(t, "https://docs.example.com", cfg.AllowedOrigin)
	require.True(t, cfg.MDNS)
}

func TestLegacyPort(t *testing.T) {
	t.Setenv("PORT", "8081")
	cfg, err := load(t)
	require.NoError(t, err)
	require.Equal(t, ":8081", cfg.Listen)

	cfg, err = load(t, "--listen=127.0.0.1:9000")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":7000\"\nmessage-rate: 2.5\nlog-encoder: json\n"), 0o600))

	cfg, err := load(t, "--config", path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Listen)
	require.Equal(t, 2.5, cfg.MessageRate)
	require.Equal(t, "json", cfg.LogEncoder)
}

func TestValidate(t *testing.T) {
	_, err := load(t, "--send-buffer=0")
	require.Error(t, err)

	cfg := Default()
	cfg.PingInterval = 0
	cfg.Listen = ""
	require.Error(t, cfg.Validate())
}

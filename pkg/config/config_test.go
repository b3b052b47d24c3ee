package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/config"
)

func TestDefaultMS_BuiltInValues(t *testing.T) {
	cfg := config.DefaultMS()
	require.Equal(t, "0.0.0.0:7443", cfg.GrpcAddr)
	require.Equal(t, "0.0.0.0:7080", cfg.HTTPAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.False(t, cfg.EnableSwagger)
	require.Equal(t, int64(10*1024*1024), cfg.ExecutionLogMaxBytes)
}

func TestLoadMS_FileOverridesDefaultsThenEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MS_HOME", home)
	t.Setenv("MS_GRPC_ADDR", "")
	t.Setenv("MS_LOG_LEVEL", "")
	t.Setenv("MS_ENABLE_SWAGGER", "")
	t.Setenv("MS_HTTP_ADDR", "")
	t.Setenv("MS_EXECUTION_LOG_MAX_BYTES", "")

	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"),
		[]byte("grpc_addr = \"10.0.0.5:7443\"\nlog_level = \"debug\"\n"), 0o644))

	cfg, err := config.LoadMS("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:7443", cfg.GrpcAddr)
	require.Equal(t, "debug", cfg.LogLevel)
	// unset by file, default carries through
	require.Equal(t, "0.0.0.0:7080", cfg.HTTPAddr)

	t.Setenv("MS_LOG_LEVEL", "warn")
	cfg, err = config.LoadMS("")
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel, "env must win over file")
}

func TestLoadMS_ExplicitConfigFileWinsOverEnvAndDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MS_HOME", home)
	t.Setenv("MS_GRPC_ADDR", "1.2.3.4:1111")

	explicit := filepath.Join(t.TempDir(), "explicit.toml")
	require.NoError(t, os.WriteFile(explicit, []byte("grpc_addr = \"9.9.9.9:9999\"\n"), 0o644))

	cfg, err := config.LoadMS(explicit)
	require.NoError(t, err)
	require.Equal(t, "9.9.9.9:9999", cfg.GrpcAddr)
}

func TestLoadMS_MissingConfigFileIsNotAnError(t *testing.T) {
	t.Setenv("MS_HOME", t.TempDir())
	_, err := config.LoadMS("")
	require.NoError(t, err)
}

func TestDefaultWA_BuiltInValues(t *testing.T) {
	cfg := config.DefaultWA()
	require.Equal(t, "0.0.0.0:7444", cfg.GrpcAddr)
	require.Equal(t, "127.0.0.1:7443", cfg.MSGrpcAddr)
	require.True(t, cfg.AutoRegister)
	require.Equal(t, "bolt", cfg.StorageBackend)
	require.NotEmpty(t, cfg.NodeName)
}

func TestLoadWA_ExplicitConfigFileOverridesDefaults(t *testing.T) {
	explicit := filepath.Join(t.TempDir(), "wa.toml")
	require.NoError(t, os.WriteFile(explicit, []byte("node_name = \"worker-x\"\nheartbeat_interval_ms = 1500\n"), 0o644))

	cfg, err := config.LoadWA(explicit)
	require.NoError(t, err)
	require.Equal(t, "worker-x", cfg.NodeName)
	require.Equal(t, int64(1500), cfg.HeartbeatIntervalMs)
}

func TestLoadWA_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("WA_NODE_NAME", "worker-env")
	t.Setenv("WA_AUTO_REGISTER", "false")
	t.Setenv("WA_STORAGE_MAX_CACHE_MB", "512")

	cfg, err := config.LoadWA("")
	require.NoError(t, err)
	require.Equal(t, "worker-env", cfg.NodeName)
	require.False(t, cfg.AutoRegister)
	require.Equal(t, int64(512), cfg.StorageMaxCacheMB)
}

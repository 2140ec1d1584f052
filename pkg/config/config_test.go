package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	require.Equal(t, 30*time.Second, d.HealthCheckInterval)
	require.Equal(t, 50, d.MaxConcurrentServices)
	require.Equal(t, "performance-based", d.LoadBalancingStrategy)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().MaxConcurrentServices, cfg.MaxConcurrentServices)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_services: 5\nload_balancing_strategy: round-robin\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxConcurrentServices)
	require.Equal(t, "round-robin", cfg.LoadBalancingStrategy)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_services: 5\n"), 0o644))

	t.Setenv("GATEWAY_MAX_CONCURRENT_SERVICES", "9")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.MaxConcurrentServices)
}

func TestForceContainer(t *testing.T) {
	locked := Config{Sandbox: Sandbox{Profile: SandboxLockedDown}}
	require.True(t, locked.ForceContainer(true))
	require.True(t, locked.ForceContainer(false))

	untrustedGuard := Config{Sandbox: Sandbox{Profile: SandboxDefault, Container: SandboxContainer{RequiredForUntrusted: true}}}
	require.True(t, untrustedGuard.ForceContainer(false))
	require.False(t, untrustedGuard.ForceContainer(true))

	open := Config{Sandbox: Sandbox{Profile: SandboxDefault}}
	require.False(t, open.ForceContainer(false))
}

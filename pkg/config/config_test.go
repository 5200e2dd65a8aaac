package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	err := os.WriteFile(path, []byte(`
database_url: memory://
api_port: 9000
scheduler:
  drift_grace_period: 2m
  staleness_threshold: 45s
leader:
  endpoints: ["etcd-0:2379"]
bootstrap:
  clusters:
    - name: research
  instance_pools:
    - name: gpu-east
      provider: aws
      region: us-east-1
      instance_type: p4d.24xlarge
      max_instances: 8
`), 0o600)
	require.NoError(t, err)

	t.Setenv("FLEET_CONFIG_FILE", path)
	t.Setenv("API_PORT", "9100")
	t.Setenv("SCHEDULER_STALENESS_THRESHOLD", "40s")
	t.Setenv("SCHEDULER_MAX_CLOCK_SKEW", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory://", cfg.DatabaseDSN)
	assert.Equal(t, 9100, cfg.APIPort)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.DriftGracePeriod)
	assert.Equal(t, 40*time.Second, cfg.Scheduler.StalenessThreshold)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.MaxClockSkew)
	assert.True(t, cfg.Leader.Enabled())
	require.Len(t, cfg.Bootstrap.Clusters, 1)
	require.Len(t, cfg.Bootstrap.InstancePools, 1)
	assert.Equal(t, 8, cfg.Bootstrap.InstancePools[0].MaxInstances)
}

func TestValidateRejectsShortGracePeriod(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.DriftGracePeriod = time.Second
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Scheduler.PassInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestEtcdEndpointsFromEnvironment(t *testing.T) {
	t.Setenv("ETCD_ENDPOINTS", "a:2379, b:2379,,")
	cfg := LoadWithDefaults()
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Leader.Endpoints)
}

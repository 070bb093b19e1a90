package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
address: ":9090"
database:
  host: localhost
  port: 5432
  user: repomanager
  database: repomanager
  sslMode: disable
kubernetes:
  namespace: codesearch
  pvcName: source-code-pvc
cloner:
  image: ghcr.io/example/git-cloner:1.2.0
  scriptConfigMap: git-cloner-script
  backoffLimit: 4
opengrok:
  baseURL: http://opengrok.example.com
  reindexURL: http://opengrok-reindex:8080/reindex
worker:
  pollInterval: 2s
  autoSyncInterval: 30s
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, validConfig)

	cfg, err := LoadConfig(WithConfigPath(path))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Address)
	assert.Equal(t, "codesearch", cfg.Kubernetes.Namespace)
	assert.Equal(t, "source-code-pvc", cfg.Kubernetes.PVCName)
	assert.Equal(t, int32(4), cfg.Cloner.GetBackoffLimit())
	assert.False(t, cfg.Cloner.SSHEnabled())
	assert.Equal(t, 2*time.Second, cfg.Worker.GetPollInterval())
	assert.Equal(t, 30*time.Second, cfg.Worker.GetAutoSyncInterval())
	assert.Equal(t, "@hourly", cfg.Worker.GetSweepSchedule())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
database:
  host: db
  port: 5432
  user: u
  database: d
kubernetes:
  namespace: ns
  pvcName: pvc
cloner:
  image: img
  scriptConfigMap: cm
opengrok:
  reindexURL: http://reindex/reindex
`)

	cfg, err := LoadConfig(WithConfigPath(path))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, int32(3), cfg.Cloner.GetBackoffLimit())
	assert.Equal(t, "/root/.ssh", cfg.Cloner.GetSSHMountPath())
	assert.Equal(t, 5*time.Second, cfg.Worker.GetPollInterval())
	assert.Equal(t, time.Minute, cfg.Worker.GetAutoSyncInterval())
}

func TestLoadConfigMissingPath(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig()
	require.Error(t, err)

	_, err = LoadConfig(WithConfigPath(""))
	require.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing database",
			mutate:  func(c *Config) { c.Database = nil },
			wantErr: "database configuration is required",
		},
		{
			name:    "missing namespace",
			mutate:  func(c *Config) { c.Kubernetes.Namespace = "" },
			wantErr: "namespace is required",
		},
		{
			name:    "missing pvc",
			mutate:  func(c *Config) { c.Kubernetes.PVCName = "" },
			wantErr: "pvcName is required",
		},
		{
			name:    "missing image",
			mutate:  func(c *Config) { c.Cloner.Image = "" },
			wantErr: "cloner image is required",
		},
		{
			name:    "missing reindex url",
			mutate:  func(c *Config) { c.OpenGrok.ReindexURL = "" },
			wantErr: "reindexURL is required",
		},
		{
			name:    "malformed sweep schedule",
			mutate:  func(c *Config) { c.Worker.SweepSchedule = "every hour" },
			wantErr: "sweepSchedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &Config{
				Database:   &DatabaseConfig{Host: "h", Port: 5432, User: "u", Database: "d"},
				Kubernetes: KubernetesConfig{Namespace: "ns", PVCName: "pvc"},
				Cloner:     ClonerConfig{Image: "img", ScriptConfigMap: "cm"},
				OpenGrok:   OpenGrokConfig{ReindexURL: "http://reindex"},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabasePassword(t *testing.T) {
	passwordFile := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(passwordFile, []byte("secret\n"), 0o600))

	d := &DatabaseConfig{Host: "h", Port: 5432, User: "u", Database: "d", PasswordFile: passwordFile}
	password, err := d.GetPassword()
	require.NoError(t, err)
	assert.Equal(t, "secret", password)

	d.PasswordFile = ""
	t.Setenv("REPO_MANAGER_DATABASE_PASSWORD", "env-secret")
	password, err = d.GetPassword()
	require.NoError(t, err)
	assert.Equal(t, "env-secret", password)

	t.Setenv("REPO_MANAGER_DATABASE_PASSWORD", "")
	_, err = d.GetPassword()
	require.Error(t, err)
}

func TestGetConnectionString(t *testing.T) {
	t.Setenv("REPO_MANAGER_DATABASE_PASSWORD", "pw")

	d := &DatabaseConfig{Host: "db.internal", Port: 5433, User: "svc", Database: "repos", SSLMode: "disable"}
	connStr, err := d.GetConnectionString()
	require.NoError(t, err)
	assert.Equal(t, "postgres://svc:pw@db.internal:5433/repos?sslmode=disable", connStr)
}

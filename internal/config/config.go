// Package config provides configuration loading and validation for the
// repository manager.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// defaultPollInterval is how often the poller reconciles Job status.
	defaultPollInterval = 5 * time.Second

	// defaultAutoSyncInterval is how often the scheduler checks HH:MM
	// schedules. Must be no coarser than one minute to honor
	// minute-granularity matching.
	defaultAutoSyncInterval = time.Minute

	// defaultSweepSchedule is the cron schedule of the retention sweeper.
	defaultSweepSchedule = "@hourly"

	// defaultBackoffLimit is the Job retry budget before the platform
	// marks it failed.
	defaultBackoffLimit = 3

	// defaultSSHMountPath is where the projected SSH credential volume is
	// mounted inside cloner Jobs.
	defaultSSHMountPath = "/root/.ssh"
)

// Option defines the interface for configuration loader options
type Option func(*loaderConfig) error

type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Address is the HTTP listen address.
	Address string `yaml:"address,omitempty"`

	Database   *DatabaseConfig  `yaml:"database"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Cloner     ClonerConfig     `yaml:"cloner"`
	OpenGrok   OpenGrokConfig   `yaml:"opengrok"`
	Worker     WorkerConfig     `yaml:"worker,omitempty"`
}

// KubernetesConfig defines where cluster resources are created and looked up.
type KubernetesConfig struct {
	// Namespace is the namespace for cloner Jobs and OpenGrok pods.
	Namespace string `yaml:"namespace"`

	// PVCName is the claim name of the shared read-write-many source
	// volume mounted by cloner Jobs.
	PVCName string `yaml:"pvcName"`
}

// ClonerConfig defines how clone/sync Jobs are built.
type ClonerConfig struct {
	// Image is the container image running the Git client.
	Image string `yaml:"image"`

	// ScriptConfigMap names the ConfigMap carrying the clone-or-pull
	// script mounted into every Job.
	ScriptConfigMap string `yaml:"scriptConfigMap"`

	// BackoffLimit is the Job retry budget. Defaults to 3.
	BackoffLimit *int32 `yaml:"backoffLimit,omitempty"`

	// SSHSecretName names the secret holding the private key for SSH
	// clones. Empty disables the credential mount.
	SSHSecretName string `yaml:"sshSecretName,omitempty"`

	// SSHKeyFileKey is the secret key under which the private key is
	// stored.
	SSHKeyFileKey string `yaml:"sshKeyFileKey,omitempty"`

	// SSHConfigMap names the ConfigMap carrying the ssh client config
	// projected alongside the key.
	SSHConfigMap string `yaml:"sshConfigMap,omitempty"`

	// SSHMountPath is the mount path of the credential volume. Defaults
	// to /root/.ssh.
	SSHMountPath string `yaml:"sshMountPath,omitempty"`
}

// SSHEnabled reports whether cloner Jobs get the SSH credential mount.
func (c *ClonerConfig) SSHEnabled() bool {
	return c.SSHSecretName != "" && c.SSHKeyFileKey != ""
}

// GetBackoffLimit returns the configured retry budget or the default.
func (c *ClonerConfig) GetBackoffLimit() int32 {
	if c.BackoffLimit != nil {
		return *c.BackoffLimit
	}
	return defaultBackoffLimit
}

// GetSSHMountPath returns the configured SSH mount path or the default.
func (c *ClonerConfig) GetSSHMountPath() string {
	if c.SSHMountPath != "" {
		return c.SSHMountPath
	}
	return defaultSSHMountPath
}

// OpenGrokConfig defines the downstream code-search service endpoints.
type OpenGrokConfig struct {
	// BaseURL is the client-visible OpenGrok base URL, returned by
	// GET /config.
	BaseURL string `yaml:"baseURL,omitempty"`

	// ReindexURL is the endpoint hit after a completed sync.
	ReindexURL string `yaml:"reindexURL"`

	// LabelSelector identifies OpenGrok pods for the status endpoint.
	LabelSelector string `yaml:"labelSelector,omitempty"`

	// DeploymentName is the OpenGrok deployment reported by the status
	// endpoint.
	DeploymentName string `yaml:"deploymentName,omitempty"`
}

// GetLabelSelector returns the pod label selector or the default.
func (o *OpenGrokConfig) GetLabelSelector() string {
	if o.LabelSelector != "" {
		return o.LabelSelector
	}
	return "app.kubernetes.io/component=opengrok"
}

// GetDeploymentName returns the deployment name or the default.
func (o *OpenGrokConfig) GetDeploymentName() string {
	if o.DeploymentName != "" {
		return o.DeploymentName
	}
	return "opengrok"
}

// WorkerConfig tunes the background loops.
type WorkerConfig struct {
	// PollInterval is the reconciliation poller interval (e.g. "5s").
	PollInterval string `yaml:"pollInterval,omitempty"`

	// AutoSyncInterval is the scheduler check interval (e.g. "1m").
	AutoSyncInterval string `yaml:"autoSyncInterval,omitempty"`

	// SweepSchedule is the retention sweeper cron expression.
	SweepSchedule string `yaml:"sweepSchedule,omitempty"`
}

// GetPollInterval returns the poll interval or the default.
func (w *WorkerConfig) GetPollInterval() time.Duration {
	if d, err := time.ParseDuration(w.PollInterval); err == nil && d > 0 {
		return d
	}
	return defaultPollInterval
}

// GetAutoSyncInterval returns the auto-sync check interval or the default.
// Intervals coarser than one minute are clamped so minute-granularity
// schedule matching keeps working.
func (w *WorkerConfig) GetAutoSyncInterval() time.Duration {
	if d, err := time.ParseDuration(w.AutoSyncInterval); err == nil && d > 0 {
		if d > time.Minute {
			return time.Minute
		}
		return d
	}
	return defaultAutoSyncInterval
}

// GetSweepSchedule returns the sweeper cron schedule or the default.
func (w *WorkerConfig) GetSweepSchedule() string {
	if w.SweepSchedule != "" {
		return w.SweepSchedule
	}
	return defaultSweepSchedule
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require,
	// verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum size of the connection pool
	MaxConns int32 `yaml:"maxConns,omitempty"`
}

// GetPassword returns the database password, preferring the password file
// over the REPO_MANAGER_DATABASE_PASSWORD environment variable.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// filepath.Clean prevents path traversal
		data, err := os.ReadFile(filepath.Clean(d.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("REPO_MANAGER_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or REPO_MANAGER_DATABASE_PASSWORD environment variable")
}

// GetConnectionString builds a PostgreSQL connection string.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, password, d.Host, d.Port, d.Database, sslMode,
	), nil
}

// Validate checks the database configuration for required fields.
func (d *DatabaseConfig) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if d.Port == 0 {
		return fmt.Errorf("database port is required")
	}
	if d.User == "" {
		return fmt.Errorf("database user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

// LoadConfig loads the configuration using the provided options.
func LoadConfig(opts ...Option) (*Config, error) {
	lc := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(lc); err != nil {
			return nil, err
		}
	}

	if lc.path == "" {
		return nil, fmt.Errorf("no configuration source provided")
	}

	data, err := os.ReadFile(lc.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	return &cfg, nil
}

// Validate checks the whole configuration for consistency.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Kubernetes.Namespace == "" {
		return fmt.Errorf("kubernetes namespace is required")
	}
	if c.Kubernetes.PVCName == "" {
		return fmt.Errorf("kubernetes pvcName is required")
	}
	if c.Cloner.Image == "" {
		return fmt.Errorf("cloner image is required")
	}
	if c.Cloner.ScriptConfigMap == "" {
		return fmt.Errorf("cloner scriptConfigMap is required")
	}
	if c.OpenGrok.ReindexURL == "" {
		return fmt.Errorf("opengrok reindexURL is required")
	}
	if s := c.Worker.SweepSchedule; s != "" && !strings.HasPrefix(s, "@") {
		if len(strings.Fields(s)) != 5 {
			return fmt.Errorf("worker sweepSchedule must be a 5-field cron expression or @-descriptor: %q", s)
		}
	}
	return nil
}

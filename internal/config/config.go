// Package config provides configuration loading and management for a sync node.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/nodesync/internal/syncerr"
	"github.com/stacklok/nodesync/internal/telemetry"
)

const (
	// StorageTypePostgres keeps sessions, peers and synced tables in PostgreSQL
	StorageTypePostgres = "postgres"

	// StorageTypeMemory keeps everything in process memory
	StorageTypeMemory = "memory"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "NODESYNC"

// Environment keys, relative to EnvPrefix
const (
	EnvNodeID             = "node_id"
	EnvRegistrationSecret = "registration_secret"
	EnvDatabaseURL        = "database_url"
	EnvSkipDBPrecheck     = "skip_db_precheck"
	EnvSkipMigrations     = "skip_migrations"
	EnvLogLevel           = "log_level"
)

const (
	defaultAddress           = ":8080"
	defaultMaxRestarts       = 5
	defaultRestartDelay      = 5 * time.Second
	defaultPrecheckAttempts  = 3
	defaultPrecheckBaseDelay = 500 * time.Millisecond
	defaultShutdownTimeout   = 30 * time.Second
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ErrNoRegistrationSecret is returned when no source provides the shared secret
var ErrNoRegistrationSecret = errors.New(
	"no registration secret configured: set NODESYNC_REGISTRATION_SECRET, registrationSecret or registrationSecretFile",
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
	env  *viper.Viper
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

// WithEnv applies overrides from the given viper instance. The instance is
// configured for the NODESYNC_ prefix by NewEnv.
func WithEnv(v *viper.Viper) Option {
	return func(cfg *loaderConfig) error {
		cfg.env = v
		return nil
	}
}

// NewEnv returns a viper instance reading NODESYNC_* environment variables
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Config represents the root configuration structure
type Config struct {
	// NodeID identifies this deployment among its peers
	NodeID string `yaml:"nodeId"`

	// RegistrationSecret is the shared federation credential.
	// NODESYNC_REGISTRATION_SECRET takes precedence over it.
	RegistrationSecret string `yaml:"registrationSecret,omitempty"`

	// RegistrationSecretFile is read when neither the environment nor
	// RegistrationSecret provide a secret
	RegistrationSecretFile string `yaml:"registrationSecretFile,omitempty"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"logLevel,omitempty"`

	Server     ServerConfig      `yaml:"server,omitempty"`
	Storage    StorageConfig     `yaml:"storage,omitempty"`
	Database   *DatabaseConfig   `yaml:"database,omitempty"`
	Dataset    DatasetConfig     `yaml:"dataset,omitempty"`
	Peers      PeersConfig       `yaml:"peers,omitempty"`
	DNS        DNSConfig         `yaml:"dns,omitempty"`
	Transfer   TransferConfig    `yaml:"transfer,omitempty"`
	Sync       SyncConfig        `yaml:"sync,omitempty"`
	Supervisor SupervisorConfig  `yaml:"supervisor,omitempty"`
	Telemetry  *telemetry.Config `yaml:"telemetry,omitempty"`
}

// ServerConfig defines the HTTP listeners
type ServerConfig struct {
	// Address is the API listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`

	// HealthAddress is the health and metrics listen address.
	// Defaults to the API port plus one.
	HealthAddress string `yaml:"healthAddress,omitempty"`

	// RequestTimeout bounds operator API requests (e.g. "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// MaxBodyBytes bounds inbound batch and snapshot bodies
	MaxBodyBytes int64 `yaml:"maxBodyBytes,omitempty"`

	// ShutdownTimeout bounds a graceful stop (e.g. "30s")
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

// StorageConfig selects the storage backend
type StorageConfig struct {
	// Type is "postgres" (default) or "memory"
	Type string `yaml:"type,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// URL is a complete PostgreSQL connection string. When set the discrete
	// fields below are ignored. NODESYNC_DATABASE_URL takes precedence.
	URL string `yaml:"url,omitempty"`

	// Host is the database server hostname or IP address
	Host string `yaml:"host,omitempty"`

	// Port is the database server port
	Port int `yaml:"port,omitempty"`

	// User is the database username
	User string `yaml:"user,omitempty"`

	// PasswordFile is the path to a file containing the database password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database,omitempty"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the minimum number of idle connections kept in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// DatasetConfig lists the tables kept in sync
type DatasetConfig struct {
	// Tables are transferred in this order
	Tables []string `yaml:"tables"`

	// KeyColumn is the primary key column shared by every table. Defaults to "id".
	KeyColumn string `yaml:"keyColumn,omitempty"`

	// VersionColumn holds the last-modified timestamp. Defaults to "updated_at".
	VersionColumn string `yaml:"versionColumn,omitempty"`
}

// PeerConfig is a peer seeded into the registry at startup
type PeerConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	// Disabled registers the peer as inactive
	Disabled bool `yaml:"disabled,omitempty"`
}

// PeersConfig defines the peer registry
type PeersConfig struct {
	// StalenessWindow bounds how long ago a peer must have been seen to count as active
	StalenessWindow string `yaml:"stalenessWindow,omitempty"`

	// Seed lists peers registered at every start
	Seed []PeerConfig `yaml:"seed,omitempty"`
}

// DNSConfig defines peer address resolution
type DNSConfig struct {
	CacheTTL       string `yaml:"cacheTTL,omitempty"`
	MaxAttempts    uint   `yaml:"maxAttempts,omitempty"`
	InitialBackoff string `yaml:"initialBackoff,omitempty"`
}

// TransferConfig defines how data moves between nodes
type TransferConfig struct {
	MaxAttempts      uint    `yaml:"maxAttempts,omitempty"`
	InitialBackoff   string  `yaml:"initialBackoff,omitempty"`
	RequestTimeout   string  `yaml:"requestTimeout,omitempty"`
	BatchSize        int     `yaml:"batchSize,omitempty"`
	ParallelTables   int     `yaml:"parallelTables,omitempty"`
	BatchesPerSecond float64 `yaml:"batchesPerSecond,omitempty"`
}

// SyncConfig defines session supervision
type SyncConfig struct {
	SessionDeadline  string `yaml:"sessionDeadline,omitempty"`
	WatchdogInterval string `yaml:"watchdogInterval,omitempty"`
}

// SupervisorConfig defines the startup and restart policy
type SupervisorConfig struct {
	PrecheckAttempts  int    `yaml:"precheckAttempts,omitempty"`
	PrecheckBaseDelay string `yaml:"precheckBaseDelay,omitempty"`
	SkipDBPrecheck    bool   `yaml:"skipDBPrecheck,omitempty"`
	SkipMigrations    bool   `yaml:"skipMigrations,omitempty"`
	RestartDelay      string `yaml:"restartDelay,omitempty"`
	// MaxRestarts of 0 selects the default; use a negative value to never restart
	MaxRestarts int `yaml:"maxRestarts,omitempty"`
}

// LoadConfig loads the YAML file (if any), applies environment overrides and
// validates the result. Every failure is a configuration error.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, syncerr.Configuration("load config", err)
		}
	}

	var config Config
	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, syncerr.Configuration("load config", fmt.Errorf("failed to read config file: %w", err))
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, syncerr.Configuration("load config", fmt.Errorf("failed to parse YAML config: %w", err))
		}
	}

	if loaderCfg.env != nil {
		config.applyEnv(loaderCfg.env)
	}

	if err := config.validate(); err != nil {
		return nil, syncerr.Configuration("load config", fmt.Errorf("invalid configuration: %w", err))
	}

	return &config, nil
}

// applyEnv overrides file values with NODESYNC_* variables that are set
func (c *Config) applyEnv(v *viper.Viper) {
	if s := v.GetString(EnvNodeID); s != "" {
		c.NodeID = s
	}
	if s := v.GetString(EnvRegistrationSecret); s != "" {
		c.RegistrationSecret = s
	}
	if s := v.GetString(EnvDatabaseURL); s != "" {
		if c.Database == nil {
			c.Database = &DatabaseConfig{}
		}
		c.Database.URL = s
	}
	if s := v.GetString(EnvLogLevel); s != "" {
		c.LogLevel = s
	}
	if v.GetString(EnvSkipDBPrecheck) != "" {
		c.Supervisor.SkipDBPrecheck = v.GetBool(EnvSkipDBPrecheck)
	}
	if v.GetString(EnvSkipMigrations) != "" {
		c.Supervisor.SkipMigrations = v.GetBool(EnvSkipMigrations)
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if !nodeIDPattern.MatchString(c.NodeID) {
		return fmt.Errorf("nodeId %q must be 1-128 letters, digits, dots, dashes or underscores", c.NodeID)
	}

	switch c.GetStorageType() {
	case StorageTypePostgres, StorageTypeMemory:
	default:
		return fmt.Errorf("storage.type must be %s or %s, got %s", StorageTypePostgres, StorageTypeMemory, c.Storage.Type)
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel must be one of debug, info, warn, error, got %s", c.LogLevel)
	}

	if _, _, err := net.SplitHostPort(c.GetAddress()); err != nil {
		return fmt.Errorf("server.address: %w", err)
	}
	if c.Server.HealthAddress != "" {
		if _, _, err := net.SplitHostPort(c.Server.HealthAddress); err != nil {
			return fmt.Errorf("server.healthAddress: %w", err)
		}
	}

	if len(c.Dataset.Tables) == 0 {
		return fmt.Errorf("dataset.tables must list at least one table")
	}

	seen := make(map[string]bool, len(c.Peers.Seed))
	for i, p := range c.Peers.Seed {
		if p.ID == "" {
			return fmt.Errorf("peers.seed[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("peers.seed[%d]: duplicate peer id '%s'", i, p.ID)
		}
		if p.ID == c.NodeID {
			return fmt.Errorf("peers.seed[%d]: peer id equals the local node id", i)
		}
		seen[p.ID] = true
	}

	durations := map[string]string{
		"server.requestTimeout":        c.Server.RequestTimeout,
		"server.shutdownTimeout":       c.Server.ShutdownTimeout,
		"database.connMaxLifetime":     c.databaseField(func(d *DatabaseConfig) string { return d.ConnMaxLifetime }),
		"peers.stalenessWindow":        c.Peers.StalenessWindow,
		"dns.cacheTTL":                 c.DNS.CacheTTL,
		"dns.initialBackoff":           c.DNS.InitialBackoff,
		"transfer.initialBackoff":      c.Transfer.InitialBackoff,
		"transfer.requestTimeout":      c.Transfer.RequestTimeout,
		"sync.sessionDeadline":         c.Sync.SessionDeadline,
		"sync.watchdogInterval":        c.Sync.WatchdogInterval,
		"supervisor.precheckBaseDelay": c.Supervisor.PrecheckBaseDelay,
		"supervisor.restartDelay":      c.Supervisor.RestartDelay,
	}
	for field, value := range durations {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}

	if c.Transfer.BatchSize < 0 || c.Transfer.ParallelTables < 0 || c.Transfer.BatchesPerSecond < 0 {
		return fmt.Errorf("transfer settings must not be negative")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func (c *Config) databaseField(get func(*DatabaseConfig) string) string {
	if c.Database == nil {
		return ""
	}
	return get(c.Database)
}

// validateDuration accepts an empty value or a positive Go duration
func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '5m'): %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

// Duration returns the parsed value of a validated duration field, or def when unset
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// GetStorageType returns the storage backend, defaulting to postgres
func (c *Config) GetStorageType() string {
	if c.Storage.Type == "" {
		return StorageTypePostgres
	}
	return c.Storage.Type
}

// GetAddress returns the API listen address
func (c *Config) GetAddress() string {
	if c.Server.Address == "" {
		return defaultAddress
	}
	return c.Server.Address
}

// GetHealthAddress returns the health listen address: the configured one, or
// the API address with the port incremented by one.
func (c *Config) GetHealthAddress() (string, error) {
	if c.Server.HealthAddress != "" {
		return c.Server.HealthAddress, nil
	}
	host, port, err := net.SplitHostPort(c.GetAddress())
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p >= 65535 {
		return "", fmt.Errorf("cannot derive health port from %q", c.GetAddress())
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1)), nil
}

// GetShutdownTimeout returns the graceful stop bound
func (c *Config) GetShutdownTimeout() time.Duration {
	return Duration(c.Server.ShutdownTimeout, defaultShutdownTimeout)
}

// GetMaxRestarts returns the restart budget
func (c *Config) GetMaxRestarts() int {
	switch {
	case c.Supervisor.MaxRestarts == 0:
		return defaultMaxRestarts
	case c.Supervisor.MaxRestarts < 0:
		return 0
	default:
		return c.Supervisor.MaxRestarts
	}
}

// GetRestartDelay returns the fixed delay between restarts
func (c *Config) GetRestartDelay() time.Duration {
	return Duration(c.Supervisor.RestartDelay, defaultRestartDelay)
}

// GetPrecheckAttempts returns the number of database precheck attempts
func (c *Config) GetPrecheckAttempts() int {
	if c.Supervisor.PrecheckAttempts <= 0 {
		return defaultPrecheckAttempts
	}
	return c.Supervisor.PrecheckAttempts
}

// GetPrecheckBaseDelay returns the first delay between precheck attempts
func (c *Config) GetPrecheckBaseDelay() time.Duration {
	return Duration(c.Supervisor.PrecheckBaseDelay, defaultPrecheckBaseDelay)
}

// ResolveRegistrationSecret returns the shared secret. The environment wins
// over the config value, which wins over the secret file. Overrides were
// already folded into RegistrationSecret by LoadConfig.
func (c *Config) ResolveRegistrationSecret() (string, error) {
	if c.RegistrationSecret != "" {
		return c.RegistrationSecret, nil
	}
	if c.RegistrationSecretFile != "" {
		data, err := os.ReadFile(filepath.Clean(c.RegistrationSecretFile))
		if err != nil {
			return "", syncerr.Configuration("load registration secret",
				fmt.Errorf("failed to read secret from file %s: %w", c.RegistrationSecretFile, err))
		}
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	}
	return "", syncerr.Configuration("load registration secret", ErrNoRegistrationSecret)
}

// GetPassword returns the database password read from PasswordFile,
// or from the NODESYNC_DATABASE_PASSWORD environment variable.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		data, err := os.ReadFile(filepath.Clean(d.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// GetConnectionString returns URL when set, otherwise builds a PostgreSQL
// connection string from the discrete fields. An empty result means no
// database is configured at all.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	if d == nil {
		return "", nil
	}
	if d.URL != "" {
		return d.URL, nil
	}
	if d.Host == "" && d.Database == "" {
		return "", nil
	}

	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String(), nil
}

// GetConnMaxLifetime returns the connection lifetime, zero when unset
func (d *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	if d == nil {
		return 0
	}
	return Duration(d.ConnMaxLifetime, 0)
}

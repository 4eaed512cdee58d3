// Package telemetry provides OpenTelemetry metrics for the sync engine.
// Instruments are exported in the Prometheus exposition format.
package telemetry

import (
	"fmt"
	"regexp"

	"github.com/stacklok/nodesync/internal/versions"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "nodesync"

	// DefaultNamespace prefixes every exported metric name
	DefaultNamespace = "nodesync"
)

var namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config represents the root telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally
	// When false, no meter provider is created and /metrics serves nothing
	Enabled bool `yaml:"enabled"`

	// ServiceName is the name of the service for telemetry identification
	// Defaults to "nodesync" if not specified
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion is the version of the service for telemetry identification
	// Defaults to the application version if not specified
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Metrics contains metrics-specific configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig defines metrics-specific configuration
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes exported metric names. Defaults to "nodesync".
	Namespace string `yaml:"namespace,omitempty"`
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, defaulting to the build version
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return versions.GetVersionInfo().Version
	}
	return c.ServiceVersion
}

// MetricsEnabled reports whether a real meter provider should be built
func (c *Config) MetricsEnabled() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Enabled
}

// GetNamespace returns the metric namespace, using default if not specified
func (c *MetricsConfig) GetNamespace() string {
	if c == nil || c.Namespace == "" {
		return DefaultNamespace
	}
	return c.Namespace
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

// Validate validates the metrics configuration
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled || c.Namespace == "" {
		return nil
	}
	if !namespacePattern.MatchString(c.Namespace) {
		return fmt.Errorf("namespace %q is not a valid Prometheus metric prefix", c.Namespace)
	}
	return nil
}

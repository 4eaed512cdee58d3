package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nodesync/internal/versions"
)

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
	assert.Equal(t, versions.GetVersionInfo().Version, cfg.GetServiceVersion())

	cfg = &Config{ServiceName: "edge-7", ServiceVersion: "1.2.3"}
	assert.Equal(t, "edge-7", cfg.GetServiceName())
	assert.Equal(t, "1.2.3", cfg.GetServiceVersion())

	var metrics *MetricsConfig
	assert.Equal(t, DefaultNamespace, metrics.GetNamespace())
	assert.Equal(t, "store", (&MetricsConfig{Namespace: "store"}).GetNamespace())
}

func TestConfig_MetricsEnabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  *Config
		want bool
	}{
		{name: "nil config", cfg: nil, want: false},
		{name: "telemetry disabled", cfg: &Config{Metrics: &MetricsConfig{Enabled: true}}, want: false},
		{name: "no metrics section", cfg: &Config{Enabled: true}, want: false},
		{name: "metrics disabled", cfg: &Config{Enabled: true, Metrics: &MetricsConfig{}}, want: false},
		{name: "enabled", cfg: &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true}}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cfg.MetricsEnabled())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{name: "nil config", cfg: nil},
		{name: "disabled ignores bad namespace", cfg: &Config{Metrics: &MetricsConfig{Enabled: true, Namespace: "bad-name"}}},
		{name: "default namespace", cfg: &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true}}},
		{name: "custom namespace", cfg: &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Namespace: "store_42"}}},
		{
			name:    "namespace with dash",
			cfg:     &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Namespace: "bad-name"}},
			wantErr: "metrics: namespace",
		},
		{
			name:    "namespace starting with digit",
			cfg:     &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Namespace: "9lives"}},
			wantErr: "not a valid Prometheus metric prefix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

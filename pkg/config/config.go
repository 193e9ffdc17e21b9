// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads proxy configuration: an environment profile selects
// defaults, environment variables override the profile, and command-line
// flags override both.
package config

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mamikk/nomulus/pkg/errors"
)

//go:embed profiles.yaml
var profilesYAML []byte

// Environment names the deployment profile.
type Environment string

const (
	EnvLocal      Environment = "local"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// Profile holds one environment's defaults.
type Profile struct {
	EppPort             uint16   `yaml:"epp_port"`
	WhoisPort           uint16   `yaml:"whois_port"`
	HealthCheckPort     uint16   `yaml:"health_check_port"`
	EppRelayURL         string   `yaml:"epp_relay_url"`
	WhoisRelayURL       string   `yaml:"whois_relay_url"`
	ProjectID           string   `yaml:"project_id"`
	KMSLocation         string   `yaml:"kms_location"`
	KMSKeyRing          string   `yaml:"kms_key_ring"`
	KMSCryptoKey        string   `yaml:"kms_crypto_key"`
	GCPScopes           []string `yaml:"gcp_scopes"`
	HealthCheckRequest  string   `yaml:"health_check_request"`
	HealthCheckResponse string   `yaml:"health_check_response"`
}

// Config holds the environment-variable layer. Zero values mean "use the
// profile default".
type Config struct {
	Environment string `env:"PROXY_ENV" envDefault:"local"`

	// Port overrides
	EppPort         uint16 `env:"PROXY_EPP_PORT"`
	WhoisPort       uint16 `env:"PROXY_WHOIS_PORT"`
	HealthCheckPort uint16 `env:"PROXY_HEALTH_CHECK_PORT"`

	// Backend overrides
	EppRelayURL   string `env:"PROXY_EPP_RELAY_URL"`
	WhoisRelayURL string `env:"PROXY_WHOIS_RELAY_URL"`

	// TLS key material
	PEMFile string `env:"PROXY_PEM_FILE" envDefault:"proxy.pem.enc"`

	// Timeouts and limits
	IdleTimeout      time.Duration `env:"PROXY_IDLE_TIMEOUT"      envDefault:"5m"`
	HandshakeTimeout time.Duration `env:"PROXY_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout  time.Duration `env:"PROXY_SHUTDOWN_TIMEOUT"  envDefault:"30s"`
	MaxFrameBytes    uint32        `env:"PROXY_MAX_FRAME_BYTES"   envDefault:"1048576"`
	MaxLineBytes     int           `env:"PROXY_MAX_LINE_BYTES"    envDefault:"512"`

	// Relay policy
	RelayTimeout        time.Duration `env:"PROXY_RELAY_TIMEOUT"     envDefault:"30s"`
	RelayAttempts       int           `env:"PROXY_RELAY_ATTEMPTS"    envDefault:"3"`
	RelayRetryBaseDelay time.Duration `env:"PROXY_RELAY_RETRY_DELAY" envDefault:"100ms"`

	// Credential policy
	TokenRefreshMargin time.Duration `env:"PROXY_TOKEN_REFRESH_MARGIN" envDefault:"60s"`
	TokenRetryInterval time.Duration `env:"PROXY_TOKEN_RETRY_INTERVAL" envDefault:"10s"`

	// Rate limiting (connections per client IP)
	RateLimitCapacity int64 `env:"PROXY_RATE_LIMIT_CAPACITY" envDefault:"100"`
	RateLimitRefill   int64 `env:"PROXY_RATE_LIMIT_REFILL"   envDefault:"10"`

	// Observability
	MetricsPort int    `env:"PROXY_METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"PROXY_HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"PROXY_LOG_LEVEL"    envDefault:"info"`
}

// Load parses the environment-variable layer.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: parse environment: %v", errors.ErrConfiguration, err)
	}
	return cfg, nil
}

// Settings is the fully resolved configuration: profile defaults with all
// overrides applied.
type Settings struct {
	Config
	Profile Profile
}

// Resolve merges the selected profile under the override layers.
func (c *Config) Resolve() (*Settings, error) {
	profiles := map[Environment]Profile{}
	if err := yaml.Unmarshal(profilesYAML, &profiles); err != nil {
		return nil, fmt.Errorf("%w: parse embedded profiles: %v", errors.ErrConfiguration, err)
	}

	profile, ok := profiles[Environment(c.Environment)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown environment %q", errors.ErrConfiguration, c.Environment)
	}

	if c.EppPort != 0 {
		profile.EppPort = c.EppPort
	}
	if c.WhoisPort != 0 {
		profile.WhoisPort = c.WhoisPort
	}
	if c.HealthCheckPort != 0 {
		profile.HealthCheckPort = c.HealthCheckPort
	}
	if c.EppRelayURL != "" {
		profile.EppRelayURL = c.EppRelayURL
	}
	if c.WhoisRelayURL != "" {
		profile.WhoisRelayURL = c.WhoisRelayURL
	}

	return &Settings{Config: *c, Profile: profile}, nil
}

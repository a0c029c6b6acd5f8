// Package config holds the option container consumed by the proxy core,
// forwarders, error pipeline, and REST API.
package config

import (
	"fmt"
	"os"
	"time"
)

const (
	// EnvAuthToken supplies the REST API bearer secret.
	EnvAuthToken = "CONFIGPROXY_AUTH_TOKEN"
	// EnvDatabaseURL selects the DB backend's connection string.
	EnvDatabaseURL = "CHP_DATABASE_URL"
	// EnvDatabaseTable selects the DB backend's table name.
	EnvDatabaseTable = "CHP_DATABASE_TABLE"
)

// Backend names the pluggable Store implementation to construct.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendDatabase Backend = "database"
)

// Config is the option container threaded through the proxy core,
// forwarders, error pipeline, and REST API. Field names and defaults are
// grounded on configurable_http_proxy/configproxy.py's options dict.
type Config struct {
	// Listener addresses.
	IP      string
	Port    int
	APIIP   string
	APIPort int

	// Storage.
	StorageBackend Backend
	DatabaseURL    string
	DatabaseTable  string

	// Routing.
	DefaultTarget string
	HostRouting   bool

	// URL rewrite policy.
	PrependPath   bool
	IncludePrefix bool
	XForward      bool
	CustomHeaders map[string]string

	// Timeouts.
	Timeout      time.Duration
	ProxyTimeout time.Duration

	// Error pipeline; ErrorTarget and ErrorPath are mutually exclusive.
	ErrorTarget string
	ErrorPath   string

	// REST API auth.
	AuthToken string
}

// Default returns a Config with the spec's documented defaults:
// x_forward/prepend_path/include_prefix all true, memory backend, no
// timeouts (unbounded), API on localhost:port+1.
func Default() *Config {
	return &Config{
		IP:             "",
		Port:           8000,
		APIIP:          "localhost",
		StorageBackend: BackendMemory,
		DatabaseURL:    DefaultDatabaseURLFromEnv(),
		DatabaseTable:  DefaultDatabaseTableFromEnv(),
		PrependPath:    true,
		IncludePrefix:  true,
		XForward:       true,
		CustomHeaders:  map[string]string{},
	}
}

// DefaultDatabaseURLFromEnv reads CHP_DATABASE_URL, falling back to the
// spec's documented sqlite:///chp.sqlite default.
func DefaultDatabaseURLFromEnv() string {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		return v
	}
	return "sqlite:///chp.sqlite"
}

// DefaultDatabaseTableFromEnv reads CHP_DATABASE_TABLE, falling back to
// the spec's documented chp_routes default.
func DefaultDatabaseTableFromEnv() string {
	if v := os.Getenv(EnvDatabaseTable); v != "" {
		return v
	}
	return "chp_routes"
}

// Finalize fills in derived defaults (API port, auth token from
// environment) and validates mutually-exclusive options. Call once CLI
// flags have been applied on top of Default().
func (c *Config) Finalize() error {
	if c.APIPort == 0 {
		c.APIPort = c.Port + 1
	}
	if c.AuthToken == "" {
		c.AuthToken = os.Getenv(EnvAuthToken)
	}
	if c.ErrorTarget != "" && c.ErrorPath != "" {
		return fmt.Errorf("config: error_target and error_path are mutually exclusive")
	}
	return nil
}

// ProxyAddr returns the data-plane listener address.
func (c *Config) ProxyAddr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// APIAddr returns the control-plane listener address.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIIP, c.APIPort)
}

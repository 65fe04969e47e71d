// Package config handles YAML module configuration loading, environment
// variable expansion, and structural validation for the runtime.
package config

import "gopkg.in/yaml.v3"

// Config is the top-level module configuration structure. Provider
// endpoints, API key references, and model routing live in a separate
// JSONC-layered document (see Providers/LoadProviders) since they are
// deployment secrets, not module wiring.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// Tracing configures the OTLP exporter used for the authority append
	// path, provider requests, and task lifecycle spans. A zero value
	// leaves tracing on the global no-op tracer.
	Tracing TracingConfig `yaml:"tracing"`

	// Modules maps module IDs to their raw YAML configuration.
	// Keys must match registered module IDs (e.g. "gateway.http").
	Modules map[string]yaml.Node `yaml:"modules"`
}

// TracingConfig configures the OTLP/HTTP trace exporter.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector address, e.g. "localhost:4318".
	// Empty disables export; spans are still created against a no-op tracer.
	Endpoint string `yaml:"endpoint"`

	// ServiceName reported on exported spans. Defaults to "rip".
	ServiceName string `yaml:"service_name"`

	// Insecure disables TLS for the OTLP exporter connection.
	Insecure bool `yaml:"insecure"`
}

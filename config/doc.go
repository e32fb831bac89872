// Package config handles loading and parsing of configuration from YAML files,
// environment variables and command line flags. It defines the gateway's
// server, logging, selector, registry, cache, gateway and metrics settings.
package config

// Package config provides configuration loading and validation for the UDP echo service.
// It handles YAML-based configuration layered over compiled-in defaults (port 12000).
package config

// Package config loads the daemon configuration from YAML and resolves the
// host platform string.
package config

// Package config loads the gateway configuration from YAML or TOML.
//
// ${VAR} references are expanded from the environment before decoding.
// Durations are written as strings ("15s", "2m") and parsed after decoding.
// Unset fields get defaults, then Validate checks the result.
//
// Watch reloads the file on change. Only dispatch timeouts and the log level
// are applied to a running gateway; other changes need a restart.
package config

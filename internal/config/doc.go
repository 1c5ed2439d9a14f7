// Package config provides centralized configuration management for the
// agentvaultd runtime, loading a JSON configuration file and applying typed
// defaults for downstream services. Secrets such as the vault passphrase and
// reasoner API keys are only ever read from environment variables named in
// the configuration.
package config

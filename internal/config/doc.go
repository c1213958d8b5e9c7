// Package config provides centralized configuration management for the
// agentpayd runtime. Configuration is loaded from a JSON file at startup and
// selects the storage driver, the settlement reconcile queue, the settlement
// verification strategy, and the default limits applied to new sessions.
package config

// Package config provides centralized configuration management for the
// daemon: a JSON configuration file with typed sections for the server,
// storage, queue, ledger, guardian and logging layers, plus sensible
// defaults for everything left unset.
package config

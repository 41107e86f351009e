// Package config collects the process-wide settings of an install run once,
// at the boundary, into an immutable Config value.
//
// Sources are applied in increasing precedence: built-in defaults, an
// optional TOML file (KEG_CONFIG, or <prefix>/etc/keg.toml when present),
// then KEG_* environment variables. Components never read the environment
// themselves; they receive the Config (or the fields they need) explicitly.
package config

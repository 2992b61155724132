// Package config provides configuration loading and validation for the ASR stream service.
// It reads a YAML file on top of built-in defaults, applies ASR_* environment overrides
// (optionally loaded from a .env file) and validates every section.
package config

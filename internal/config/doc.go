// Package config loads and validates the podforge daemon configuration from
// TOML, layering a config file over compiled defaults.
package config

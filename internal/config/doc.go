// Package config loads relay configuration from a JSON file with RELAY_*
// environment overlays. Defaults are safe for a single-node deployment with
// a local Redis.
package config

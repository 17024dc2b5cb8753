// Package config loads the engine's YAML configuration and parses CUE
// target seed files. The seed schema is built in; seeds that fail
// unification are rejected before anything reaches the store.
package config

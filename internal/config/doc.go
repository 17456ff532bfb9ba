// Package config loads, normalizes, and validates storyforge configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and validates the generation tier table and
// provider settings. The Config type centralizes every knob the content
// store, asset cache, and orchestrator need so credentials and directories
// are discovered in one pass and injected explicitly rather than read from
// process-wide state.
package config

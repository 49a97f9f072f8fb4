// Package config loads the meshmind YAML configuration.
//
// Configuration is read once at startup, validated, and treated as
// immutable afterwards. ${VAR_NAME} references in the file are expanded
// from the environment before parsing, and duration fields accept Go
// duration strings ("30s", "10m").
//
// Defaults target the public Meshtastic broker and a locally attached
// radio; see Default for the full set.
package config

// ABOUTME: Documentation for the nodes package
// ABOUTME: SQLite-backed directory of mesh nodes seen on the network

// Package nodes persists a directory of mesh nodes observed via
// nodeinfo announcements. The directory maps radio node IDs to their
// advertised long and short names so logs and replies can show a
// human-readable name instead of a raw hex ID.
package nodes

// Package health tracks per-transport up/down state and failure counts.
// Transports record outcomes; the delivery coordinator reads health to
// choose a transport. The tracker itself has no side effects.
package health

// Package delivery implements the hybrid delivery coordinator: replies
// go out on the stream transport when it is healthy and fall back to the
// broker otherwise. One fallback hop, no retry queue, no persistence;
// each delivery attempt is independent and terminal.
package delivery

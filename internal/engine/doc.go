// Package engine assembles and runs the meshmind process: transports,
// health tracker, router, inference, delivery, and the agent loop.
//
// New wires the components from a validated config; Run starts the
// transports, runs the agent loop until the context is cancelled, then
// shuts everything down in dependency order.
package engine

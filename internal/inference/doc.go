// Package inference wraps the model server behind the engine's
// text-in/text-out contract. Calls are serialized: the model is a
// shared, compute-exclusive resource, so concurrent requests queue
// behind the one in flight.
package inference

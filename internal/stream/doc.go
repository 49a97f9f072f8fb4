// Package stream maintains the persistent direct connection to the mesh
// gateway. It frames packets in the radio's native binary format,
// reconnects with jittered exponential backoff, and exposes send/receive
// of framed packets. Sends issued while disconnected fail immediately so
// the delivery coordinator can fall back instead of blocking.
package stream

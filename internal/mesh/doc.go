// Package mesh defines the message types exchanged with the radio mesh,
// including the JSON envelope used on the broker channels and the
// frame-size chunking policy for radio transmission.
package mesh

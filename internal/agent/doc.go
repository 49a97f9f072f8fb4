// Package agent runs the message-handling loop tying the transports,
// router, inference service, and delivery coordinator together.
//
// # Overview
//
// The Loop consumes inbound traffic from both transports into a single
// bounded queue and processes it one message at a time: classify, infer,
// deliver. Serializing inference keeps memory and model load predictable
// on small hosts; the queue absorbs bursts, and messages arriving while
// the queue is full are dropped with a log line rather than blocking the
// transports.
//
// # Lifecycle
//
//	loop := agent.NewLoop(cfg, rtr, svc, coord, dir, logger)
//	loop.Run(ctx, broker.Messages(), stream.Packets()) // blocks until ctx is cancelled
//
// On cancellation the loop stops pulling from the queue, finishes the
// in-flight message, and returns. Queued-but-unprocessed messages are
// dropped; the dedup window means a sender's retry will be handled
// fresh on restart.
package agent

// Package dedupe provides the bounded recent-message window used to
// suppress duplicate processing of retransmitted mesh packets. Dedup is
// a correctness backstop against duplicate processing, not duplicate
// transmission: at-least-once delivery is the accepted semantics.
package dedupe

// Package uploader delivers archive records to a remote HTTP endpoint in the
// background.
//
// Queue is an unbounded FIFO: Put never blocks the producer, Get blocks the
// single consumer until a record arrives, its context is cancelled or the
// queue is closed.
//
// Worker is the consumer. For each record it
//  1. discards it if more than MaxBacklog newer records are already queued,
//  2. skips it if it is older than Stale or PostInterval has not elapsed
//     (in record time) since the last post,
//  3. enriches it and builds the payload through the injected Strategies,
//  4. stops there when SkipUpload is set,
//  5. POSTs it, retrying up to MaxTries times RetryWait apart, each attempt
//     bounded by Timeout, optionally behind a gobreaker circuit breaker.
//
// A record that fails is logged and dropped; it is never requeued and the
// worker keeps going.
//
// Service is the binding between config and the record stream. It wires a
// rainmachine.Destination into the Worker, and is a no-op when ip or token is
// missing.
package uploader

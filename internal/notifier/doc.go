// Package notifier delivers reminder and escalation messages through a
// transport.Sender.
//
// Delivery is synchronous for the caller: one call rate limits, retries with
// bounded exponential backoff and returns the final outcome. Errors marked
// with engine.NoRetry stop immediately; engine.RetryAfter hints replace the
// computed delay. Exhaustion is reported as ErrDeliveryFailure.
//
// A small in-memory history of recent sends is kept for diagnostics.
package notifier

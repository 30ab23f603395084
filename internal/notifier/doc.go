// Package notifier delivers plain-text admin notices through the bot adapter.
//
// Notices are queued and sent by a small worker pool with a shared rate
// limiter, jittered retry and a short dedup window. Delivery is best-effort:
// callers never block on Telegram and failures are only logged and published
// on the event bus.
package notifier

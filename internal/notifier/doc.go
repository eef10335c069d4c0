// Package notifier delivers run alerts to operators.
//
// Notifications are queued, rate limited, retried with backoff and
// deduplicated within a window. Dedup state can be persisted through a
// Store so a restart does not re-send an alert that was just delivered.
//
// # Transport
//
// Delivery goes through a Sender. The Telegram adapter is the production
// sender; tests use an in-memory fake.
package notifier

// Package storage persists run history and notifier dedup state.
//
// Drivers:
//   - file: JSON Lines, no external service
//   - sqlite: a local database file (modernc.org/sqlite, pure Go)
//   - postgres: lib/pq
//   - redis: go-redis lists and expiring keys
package storage

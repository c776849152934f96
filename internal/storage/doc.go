// Package storage persists pending restriction deadlines.
//
// A deadline store maps a user id to the instant its restriction should be
// lifted. Every backend implements the same contract:
//   - SetIfLater only ever moves a deadline forward and is atomic per key
//   - Get treats missing, unreadable and malformed records as absent
//   - Delete is idempotent
//
// Backends: redis (default), sqlite, file (journal + snapshot) and memory.
package storage

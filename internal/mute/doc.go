// Package mute schedules temporary chat restrictions.
//
// A Registrar records "restricted until" deadlines in a storage.DeadlineStore.
// An Unmuter polls the store, hands batches of user ids to a worker over a
// bounded queue, and lifts every restriction whose deadline has passed. A
// record is deleted only after its lift succeeded, so lifts are retried on
// every cycle until they stick.
package mute

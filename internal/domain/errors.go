// Package domain provides the sentinel errors shared across the ports, so
// callers can classify failures without caring which backend produced them.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist. The taskstore
// and database ports surface it for missing tasks, runs, definitions, and
// sessions alike.
var ErrNotFound = errors.New("not found")

// ErrUnavailable indicates a persistence backend cannot be reached. The
// task queue wraps it when its breaker rejects or the store errors.
var ErrUnavailable = errors.New("unavailable")

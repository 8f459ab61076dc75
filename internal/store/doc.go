// Package store provides persistent storage for the gateway using SQLite.
//
// # Tables
//
//   - job_results: one row per finished job, job_id UNIQUE
//   - scheduled_probes: recurring probe definitions, name UNIQUE
//   - api_keys: machine credentials, bcrypt hash of the secret
//
// Deleting a scheduled probe leaves its job results in place; they keep the
// old scheduled_probe_id.
//
// # Drivers
//
// NewSQLiteStore uses the pure-Go modernc.org/sqlite driver. The cgo driver
// github.com/mattn/go-sqlite3 is available through NewSQLiteStoreWithDriver
// with the driver name "sqlite3".
//
// # Testing
//
// MockStore is an in-memory implementation with the same duplicate and
// not-found semantics, for tests that do not need SQLite.
package store

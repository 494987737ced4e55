// Package storage is the content store: posts, channels, the reaction
// ledger tables and per-user usage, kept in a single SQLite database.
//
// The schema is owned by versioned goose migrations embedded in the binary.
// The store runs on one connection, so every statement observes a fully
// committed snapshot and writes are serialized database-wide.
package storage

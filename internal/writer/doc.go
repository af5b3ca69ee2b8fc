// Package writer persists gateway lifecycle events to PostgreSQL.
//
// The EventWriter batches events from a bus subscription and inserts them
// with pgx.Batch, flushing when a batch fills or on a timer. Market data
// pushes are never written. Rows are append-only.
package writer

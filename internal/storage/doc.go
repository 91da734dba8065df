// Package storage persists collector samples.
//
// Each collector writes to a named stream through a Sink. Two drivers are
// available:
//   - csv: one CSV file per collecting session; closed files are moved to
//     the upload directory for the transfer service
//   - sqlite: a single database (pure Go driver) with one row per record
package storage

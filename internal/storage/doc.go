// Package storage persists identity records and the audit log.
//
// Every mutation is a row-level operation: the sqlite driver issues one
// statement (or one transaction) per call, and the file driver serializes all
// writes through a single mutex and replaces the document atomically. Callers
// never load, mutate and save the whole store themselves.
package storage

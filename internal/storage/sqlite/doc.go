// Package sqlite implements the storage contracts over a single SQLite file.
package sqlite

// Package history keeps a SQLite record of repro runs, the stages each run
// executed, and why a run failed.
package history

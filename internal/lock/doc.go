// Package lock records what each stage last produced so that later runs can
// tell up-to-date stages from stale ones.
//
// The lock file is YAML. Entries are written only after a stage succeeded and
// its outputs verified.
package lock

// Package runner connects the stage graph to the process executor and the
// lock file: it decides whether a stage is stale, runs it, verifies its
// outputs and records the new lock entry.
package runner

// Package core provides the execution primitives shared by the stage graph
// and the stage runner.
//
// # Core Types
//
// Stage: a declarative unit of work: a shell command plus the paths it reads
// (deps) and the paths it produces (outs).
// Digest: the content identity of a dep or out (file or directory).
// StageHash: the identity of a stage definition, independent of dep contents.
//
// Dep contents, not timestamps, decide staleness. Directories are walked in
// sorted order so the same tree always produces the same digest.
package core

package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// StageHash is the identity of a stage definition.
//
// Includes: command, declared env, declared outs (with persist flags).
// Excludes: dep contents (tracked per path in the lock file), host env.
type StageHash string

// String returns the string representation of the StageHash.
func (h StageHash) String() string { return string(h) }

// StageHasher computes deterministic stage hashes.
type StageHasher struct{}

// NewStageHasher creates a new StageHasher.
func NewStageHasher() *StageHasher {
	return &StageHasher{}
}

// Compute hashes the definition fields of a stage. All components are
// sorted and length-prefixed so that field boundaries are unambiguous.
func (h *StageHasher) Compute(stage *Stage) StageHash {
	hasher := sha256.New()

	WriteField(hasher, []byte(stage.Cmd))

	envKeys := make([]string, 0, len(stage.Env))
	for k := range stage.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	writeCount(hasher, len(envKeys))
	for _, k := range envKeys {
		WriteField(hasher, []byte(k))
		WriteField(hasher, []byte(stage.Env[k]))
	}

	outs := make([]Out, len(stage.Outs))
	copy(outs, stage.Outs)
	sort.Slice(outs, func(i, j int) bool { return outs[i].Path < outs[j].Path })
	writeCount(hasher, len(outs))
	for _, o := range outs {
		WriteField(hasher, []byte(o.Path))
		if o.Persist {
			WriteField(hasher, []byte{1})
		} else {
			WriteField(hasher, []byte{0})
		}
	}

	return StageHash(hex.EncodeToString(hasher.Sum(nil)))
}

// EnvHash hashes only the declared env of a stage. The lock file keeps it
// separately so an env edit is reported as such rather than as a command
// change.
func EnvHash(env map[string]string) string {
	hasher := sha256.New()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeCount(hasher, len(keys))
	for _, k := range keys {
		WriteField(hasher, []byte(k))
		WriteField(hasher, []byte(env[k]))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// WriteField writes an 8-byte big-endian length prefix followed by data.
func WriteField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	WriteField(h, b[:])
}

package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"meshpipe/internal/core"
)

var stageHasher = core.NewStageHasher()

// computeDefinitionHash covers the stage hash and the dep set. Deps are a
// set for identity purposes and thus sorted.
func computeDefinitionHash(stage *core.Stage) DefinitionHash {
	h := sha256.New()

	core.WriteField(h, []byte(stageHasher.Compute(stage)))

	deps := make([]string, len(stage.Deps))
	copy(deps, stage.Deps)
	sort.Strings(deps)
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(deps)))
	core.WriteField(h, count[:])
	for _, d := range deps {
		core.WriteField(h, []byte(d))
	}

	return DefinitionHash(hex.EncodeToString(h.Sum(nil)))
}

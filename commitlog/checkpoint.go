package commitlog

import (
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const checkpointName = "checkpoint.meta"

// Checkpoint is advisory partition metadata written on rotation and
// clean shutdown. Recovery correctness never depends on it; it exists
// for operators. Describe does not read it.
type Checkpoint struct {
	LastSealedBase uint64    `msgpack:"last_sealed_base"`
	LastOffset     uint64    `msgpack:"last_offset"`
	UpdatedAt      time.Time `msgpack:"updated_at"`
}

func writeCheckpoint(dir string, lastSealedBase, lastOffset uint64) error {
	data, err := msgpack.Marshal(Checkpoint{
		LastSealedBase: lastSealedBase,
		LastOffset:     lastOffset,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, checkpointName), data, 0o600)
}

// ReadCheckpoint loads the advisory checkpoint, ok=false when absent or
// unreadable.
func ReadCheckpoint(dir string) (Checkpoint, bool) {
	data, err := os.ReadFile(filepath.Join(dir, checkpointName))
	if err != nil {
		return Checkpoint{}, false
	}
	var cp Checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false
	}
	return cp, true
}

package checkpoint

import (
	"bufio"
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// DefaultPath is where the training driver writes its snapshot.
const DefaultPath = "checkpoint.gob"

// Snapshot is the persisted model state.
type Snapshot struct {
	Epoch     int
	RunID     string
	WorldSize int
	Params    map[string][]float64
}

// ShouldSave reports whether rank writes a snapshot after epoch.
func ShouldSave(rank, epoch, saveEvery int) bool {
	return rank == 0 && saveEvery > 0 && epoch%saveEvery == 0
}

// Save writes snap to path in place, replacing any previous snapshot, and
// returns the file size. The write is not atomic: a crash mid-write leaves a
// truncated file.
func Save(path string, snap Snapshot) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "checkpoint: create")
	}
	w := bufio.NewWriter(f)
	if err := gob.NewEncoder(w).Encode(&snap); err != nil {
		f.Close()
		return 0, errors.Wrapf(err, "checkpoint: encode %s", path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, errors.Wrapf(err, "checkpoint: write %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, errors.Wrapf(err, "checkpoint: stat %s", path)
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrapf(err, "checkpoint: close %s", path)
	}
	return info.Size(), nil
}

// Load reads the snapshot at path.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: open")
	}
	defer f.Close()
	snap := &Snapshot{}
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(snap); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: decode %s", path)
	}
	return snap, nil
}

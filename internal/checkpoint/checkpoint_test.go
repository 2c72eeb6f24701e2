package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveOverwritesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	first := Snapshot{Epoch: 0, RunID: "run", WorldSize: 2, Params: map[string][]float64{
		"weight": {0.25, -1.5, 3}, "bias": {0.125},
	}}
	size, err := Save(path, first)
	require.NoError(t, err)
	assert.Equal(t, must.M1(os.Stat(path)).Size(), size)
	assert.Equal(t, &first, must.M1(Load(path)))

	second := first
	second.Epoch = 5
	second.Params = map[string][]float64{"weight": {1, 2, 3}, "bias": {4}}
	_, err = Save(path, second)
	require.NoError(t, err)
	assert.Equal(t, &second, must.M1(Load(path)))
}

func TestSaveFailsOnMissingDirectory(t *testing.T) {
	_, err := Save(filepath.Join(t.TempDir(), "missing", DefaultPath), Snapshot{})
	require.Error(t, err)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gob")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "absent.gob"))
	require.Error(t, err)
}

func TestShouldSave(t *testing.T) {
	var saved []int
	for epoch := 0; epoch < 10; epoch++ {
		for rank := 0; rank < 4; rank++ {
			if ShouldSave(rank, epoch, 5) {
				assert.Equal(t, 0, rank)
				saved = append(saved, epoch)
			}
		}
	}
	assert.Equal(t, []int{0, 5}, saved)
	assert.False(t, ShouldSave(0, 3, 0))
	assert.True(t, ShouldSave(0, 3, 1))
}

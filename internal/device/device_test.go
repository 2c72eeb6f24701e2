package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountVisibleDevices(t *testing.T) {
	for visible, want := range map[string]int{
		"":        0,
		"0":       1,
		"0,1,2,3": 4,
		" 2, 3 ":  2,
		"0,-1,2":  1,
		"-1":      0,
	} {
		t.Setenv(VisibleDevicesEnv, visible)
		assert.Equal(t, want, Count(), "CUDA_VISIBLE_DEVICES=%q", visible)
	}
}

func TestCountDriverEntries(t *testing.T) {
	t.Setenv(VisibleDevicesEnv, "")
	require.NoError(t, os.Unsetenv(VisibleDevicesEnv))
	dir := t.TempDir()
	for _, name := range []string{"0000:01:00.0", "0000:02:00.0"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "gpus", name), 0o755))
	}
	for _, name := range []string{"nvidia0", "nvidia1", "nvidia2", "nvidiactl"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	oldProc, oldDev := procGPUGlob, devGlob
	t.Cleanup(func() { procGPUGlob, devGlob = oldProc, oldDev })

	procGPUGlob = filepath.Join(dir, "gpus", "*")
	devGlob = filepath.Join(dir, "nvidia[0-9]*")
	assert.Equal(t, 2, Count())

	procGPUGlob = filepath.Join(dir, "absent", "*")
	assert.Equal(t, 3, Count())

	devGlob = filepath.Join(dir, "absent[0-9]*")
	assert.Equal(t, 0, Count())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "cuda:1", Describe(1, 2))
	assert.Contains(t, Describe(2, 2), "cpu")
}

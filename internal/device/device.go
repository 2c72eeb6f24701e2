package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// VisibleDevicesEnv restricts the accelerators a process may use.
const VisibleDevicesEnv = "CUDA_VISIBLE_DEVICES"

var (
	procGPUGlob = "/proc/driver/nvidia/gpus/*"
	devGlob     = "/dev/nvidia[0-9]*"
)

// Count returns the number of accelerators available to this process.
// CUDA_VISIBLE_DEVICES wins when set; otherwise the NVIDIA driver's proc
// entries, then its device nodes, are counted.
func Count() int {
	if visible, ok := os.LookupEnv(VisibleDevicesEnv); ok {
		return countVisible(visible)
	}
	if n := countGlob(procGPUGlob); n > 0 {
		return n
	}
	return countGlob(devGlob)
}

func countVisible(visible string) int {
	n := 0
	for _, id := range strings.Split(visible, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		// Devices listed after an invalid ordinal are ignored by the driver.
		if id == "-1" {
			break
		}
		n++
	}
	return n
}

func countGlob(pattern string) int {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	return len(matches)
}

// Describe names the device a rank trains on.
func Describe(rank, accelerators int) string {
	if rank < accelerators {
		return fmt.Sprintf("cuda:%d", rank)
	}
	return fmt.Sprintf("cpu (%s, %d cores)", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores)
}

package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/dxbackend/config"
	"github.com/vkngwrapper/dxbackend/memory"
)

func TestLayoutOptionsFromConfig(t *testing.T) {
	options := memory.LayoutOptionsFromConfig(config.New(map[string]string{
		"dxvk.maxChunkSize": "16",
	}))
	require.Equal(t, 16*mib, options.MaxChunkSize)

	options = memory.LayoutOptionsFromConfig(config.Config{})
	require.Equal(t, 0, options.MaxChunkSize)
}

func TestLayoutHeapStats(t *testing.T) {
	layout, err := memory.NewDeviceMemoryLayout(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1024 * mib, Flags: core1_0.MemoryHeapDeviceLocal},
		},
	}, memory.LayoutOptions{MaxChunkSize: 256 * mib})
	require.NoError(t, err)

	// Options never raise the cap above the default
	require.Equal(t, memory.MaxChunkSize, layout.ChunkSize(0))
	require.Equal(t, []memory.HeapStats{
		{HeapIndex: 0, Capacity: 1024 * mib, ChunkSize: 64 * mib},
	}, layout.AllHeapStats())
	require.Equal(t, 1, layout.MemoryTypeCount())
	require.Equal(t, 1, layout.MemoryHeapCount())
	require.Equal(t, core1_0.MemoryHeapDeviceLocal, layout.MemoryHeapProperties(0).Flags)
}

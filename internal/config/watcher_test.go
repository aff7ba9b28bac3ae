package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statengine/statmcp/pkg/types"
)

func TestWatcherDisabledWithoutConfigFile(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "statmcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pool": {"capacity": 4}}`), 0644))

	reloaded := make(chan *types.Config, 1)
	w, err := NewWatcher(dir, func(cfg *types.Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	require.NotNil(t, w)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"pool": {"capacity": 6}}`), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 6, cfg.Pool.Capacity)
	case <-time.After(3 * time.Second):
		t.Fatal("config change never triggered a reload")
	}
}

func TestWatcherDebouncesWriteBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "statmcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pool": {"capacity": 1}}`), 0644))

	var mu sync.Mutex
	reloads := 0
	w, err := NewWatcher(dir, func(*types.Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NotNil(t, w)
	w.Start()
	defer w.Stop()

	// An editor save shows up as several writes in quick succession.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path,
			[]byte(fmt.Sprintf(`{"pool": {"capacity": %d}}`, i+2)), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// Give any straggler reloads time to fire, then check the burst
	// collapsed into one.
	time.Sleep(2 * debounceDelay)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, reloads, "a write burst must trigger exactly one reload")
}

package devices

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "watch channel closed early")
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestWatch_EmitsOnDeviceNodeChange(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{devices: hostFixture()}
	catalog := NewCatalog(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := catalog.Watch(ctx, WatchOptions{Dirs: []string{dir}, Interval: time.Hour, Settle: 20 * time.Millisecond})

	first := nextSnapshot(t, ch)
	require.NoError(t, first.Err)
	assert.Len(t, first.Devices, 2)

	provider.set([]Device{{ID: "/dev/sdf", Name: "New Stick", CapacityBytes: 4 << 30, Removable: true}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sdf"), nil, 0o644))

	second := nextSnapshot(t, ch)
	require.NoError(t, second.Err)
	require.Len(t, second.Devices, 1)
	assert.Equal(t, "/dev/sdf", second.Devices[0].ID)

	cancel()
	for range ch {
	}
}

func TestWatch_PollsWithoutDirs(t *testing.T) {
	provider := &fakeProvider{devices: hostFixture()}
	catalog := NewCatalog(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := catalog.Watch(ctx, WatchOptions{Interval: 10 * time.Millisecond})
	nextSnapshot(t, ch)

	provider.set(nil)
	snap := nextSnapshot(t, ch)
	assert.Empty(t, snap.Devices)
}

package bulk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, dir string, debounce time.Duration) <-chan struct{} {
	t.Helper()
	calls := make(chan struct{}, 16)
	w, err := NewWatcher(dir, debounce, func(context.Context) error {
		calls <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return calls
}

func waitCall(t *testing.T, calls <-chan struct{}) {
	t.Helper()
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("change function was not called")
	}
}

func TestWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Machine"), 0755))
	calls := startWatcher(t, dir, 200*time.Millisecond)

	for _, name := range []string{"m1.json", "m2.json", "m3.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Machine", name), []byte(`{"name":"x"}`), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tags.txt"), []byte("Machine/m1;production\n"), 0644))

	waitCall(t, calls)
	select {
	case <-calls:
		t.Fatal("burst of writes triggered more than one call")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherFollowsNewFolders(t *testing.T) {
	dir := t.TempDir()
	calls := startWatcher(t, dir, 50*time.Millisecond)

	sub := filepath.Join(dir, "DnsEntry")
	require.NoError(t, os.Mkdir(sub, 0755))
	waitCall(t, calls)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "e.json"), []byte(`{}`), 0644))
	waitCall(t, calls)
}

func TestWatcherIgnoresHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	calls := startWatcher(t, dir, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".links.txt.swp"), []byte("x"), 0644))
	select {
	case <-calls:
		t.Fatal("hidden file triggered a call")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcherErrors(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent"), time.Second, nil)
	assert.Error(t, err)

	_, err = NewWatcher(t.TempDir(), 0, nil)
	assert.Error(t, err)
}

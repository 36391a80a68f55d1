package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/internal/config"
)

const watcherValidYAML = `
server:
  ws_url: ws://localhost:12393/client-ws
  log_level: info
`

const watcherUpdatedYAML = `
server:
  ws_url: ws://localhost:12393/client-ws
  log_level: debug
vad:
  redemption_frames: 24
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// startWatcher runs w until the test ends.
func startWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// bumpMtime makes the next poll see a new modification time even on
// filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	type change struct{ old, new *config.Config }
	changes := make(chan change, 1)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	startWatcher(t, w)

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath, time.Second)

	var c change
	select {
	case c = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels: old %q new %q", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	d := config.Diff(c.old, c.new)
	if !d.VADChanged || d.NewVAD.RedemptionFrames != 24 {
		t.Errorf("vad diff: got %+v", d)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
}

func TestWatcher_IgnoredEdits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid file keeps old config", content: watcherInvalidYAML},
		{name: "touch without content change", content: watcherValidYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfgPath := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, cfgPath, watcherValidYAML)

			var mu sync.Mutex
			calls := 0
			w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) {
				mu.Lock()
				calls++
				mu.Unlock()
			}, config.WithInterval(20*time.Millisecond))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			startWatcher(t, w)

			writeFile(t, cfgPath, tt.content)
			bumpMtime(t, cfgPath, time.Second)
			time.Sleep(200 * time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			if calls != 0 {
				t.Errorf("callback fired %d times, want 0", calls)
			}
			if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
				t.Errorf("Current() log_level = %q, want the previous config", cur.Server.LogLevel)
			}
		})
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)
	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

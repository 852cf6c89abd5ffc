package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/go-cxp"
	"github.com/fsnotify/fsnotify"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// debounceInterval is how long events are coalesced after the first change of a burst. Editors
// commonly save with several writes or a rename.
var debounceInterval = 50 * time.Millisecond

// LoadSettings reads the JSON object at path as a settings cascade. The object is compacted so
// that files differing only in whitespace are the same cascade.
func LoadSettings(path string) (cxp.ConfigurationCascade, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return cxp.ConfigurationCascade{}, fmt.Errorf("failed to read settings: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(bs, &obj); err != nil || obj == nil {
		return cxp.ConfigurationCascade{}, fmt.Errorf("settings %s must hold a JSON object", path)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, bs); err != nil {
		return cxp.ConfigurationCascade{}, fmt.Errorf("failed to compact settings: %w", err)
	}
	return cxp.ConfigurationCascade{Merged: buf.Bytes()}, nil
}

// WatchSettings loads the settings file at path into sig and reloads it whenever the file changes,
// until ctx is done. A file that cannot be loaded after a change is logged and the previous
// settings stay in effect. The initial load must succeed.
func WatchSettings(ctx context.Context, path string, sig *cxp.Signal[cxp.ConfigurationCascade], logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("package", "go-cxp"), slog.String("component", "settings_watcher"))

	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve settings path: %w", err)
	}
	cascade, err := LoadSettings(path)
	if err != nil {
		return err
	}
	sig.Set(cascade)
	previous := cascade

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched rather than the file, so a save that replaces the file is seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce(ctx, watcher)

			cascade, err := LoadSettings(path)
			if err != nil {
				logger.Warn("keeping previous settings", slog.String("err", err.Error()))
				continue
			}
			if !bytes.Equal(previous.Merged, cascade.Merged) {
				logger.Debug("settings changed",
					slog.String("path", path),
					slog.String("patch", settingsPatch(previous.Merged, cascade.Merged)))
			}
			previous = cascade
			sig.Set(cascade)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("error watching settings", slog.String("err", err.Error()))
		}
	}
}

// debounce discards events until none arrived for debounceInterval.
func debounce(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
		case <-time.After(debounceInterval):
			return
		}
	}
}

// settingsPatch describes the change between two settings files as a patch.
func settingsPatch(from, to []byte) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(from), string(to), false)
	return dmp.PatchToText(dmp.PatchMake(string(from), diffs))
}

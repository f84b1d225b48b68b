package policy

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads policy from the file on every change and passes it to onChange.
// Invalid updates are logged and skipped, the previous policy stays in effect.
// Blocks until the context is canceled.
func Watch(ctx context.Context, path string, onChange func(*Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if _, err = os.Stat(path); err != nil {
		return fmt.Errorf("policy file %s not available: %w", path, err)
	}
	// the directory is watched, not the file, to survive editors replacing the file by rename
	dir, name := filepath.Dir(path), filepath.Base(path)
	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", dir, err)
	}
	log.Printf("[INFO] watching policy file %s", path)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] stopping policy watcher for %s, %v", path, ctx.Err())
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			p, e := LoadFile(path)
			if e != nil {
				log.Printf("[WARN] failed to reload policy %s: %v", path, e)
				continue
			}
			log.Printf("[INFO] policy %s reloaded, thresholds: %v, minimums: %v", path, p.Thresholds, p.Minimums)
			onChange(p)
		case e, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[WARN] policy watcher error: %v", e)
		}
	}
}

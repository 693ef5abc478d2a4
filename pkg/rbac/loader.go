package rbac

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// overlayFile is the on-disk shape of a permission overlay:
//
//	operations:
//	  list_documents: [end_user, project_admin]
//	  register_tenant: []
type overlayFile struct {
	Operations map[string][]string `yaml:"operations"`
}

// LoadOverlay reads and validates a permission overlay file. Role names are
// canonicalized through ParseRole so alias roles work in overlays too.
func LoadOverlay(path string) (map[string][]auth.Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overlay: %w", err)
	}

	var file overlayFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse overlay: %w", err)
	}

	overlay := make(map[string][]auth.Role, len(file.Operations))
	for op, rawRoles := range file.Operations {
		roles := make([]auth.Role, 0, len(rawRoles))
		for _, raw := range rawRoles {
			role, err := auth.ParseRole(raw)
			if err != nil {
				return nil, fmt.Errorf("overlay operation %q: %w", op, err)
			}
			roles = append(roles, role)
		}
		overlay[op] = roles
	}
	return overlay, nil
}

// WatchOverlay loads the overlay, applies it, and reapplies it whenever the
// file changes. A broken edit is logged and skipped; the last good overlay
// stays in effect. Watching stops when ctx is cancelled.
func WatchOverlay(ctx context.Context, path string, registry *Registry, logger *observability.Logger) error {
	overlay, err := LoadOverlay(path)
	if err != nil {
		return err
	}
	if err := registry.ApplyOverlay(overlay); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create overlay watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config reloaders
	// typically replace the file, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch overlay directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				overlay, err := LoadOverlay(path)
				if err != nil {
					logger.WithError(err).Warn("ignoring broken permission overlay")
					continue
				}
				if err := registry.ApplyOverlay(overlay); err != nil {
					logger.WithError(err).Warn("ignoring invalid permission overlay")
					continue
				}
				logger.WithField("path", path).Info("reloaded permission overlay")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("overlay watcher error")
			}
		}
	}()

	return nil
}

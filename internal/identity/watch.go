package identity

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch обновляет пул при изменении файла identity.
//
// Следит за каталогом, а не за файлом: редакторы и деплой-скрипты
// часто заменяют файл через rename. Блокируется до отмены ctx.
func (p *Pool) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create identity watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	p.logger.Info("watching identity file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			p.logger.Debug("identity file changed", "path", target, "op", event.Op.String())
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("identity reload failed", "path", target, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("identity watcher error", "error", err)
		}
	}
}

package session

import (
	"context"
	"log/slog"
	"peer-chat/domain"
)

// DirectoryWatcher applies directory changes to a Manager.
type DirectoryWatcher struct {
	manager *Manager
	changes <-chan domain.DirectoryEvent
	log     *slog.Logger
}

func NewDirectoryWatcher(manager *Manager, changes <-chan domain.DirectoryEvent, log *slog.Logger) *DirectoryWatcher {
	return &DirectoryWatcher{manager: manager, changes: changes, log: log}
}

func (w *DirectoryWatcher) Run(ctx context.Context) error {
	for {
		select {
		case evt, ok := <-w.changes:
			if !ok {
				w.log.Debug("Directory changes closed")
				return nil
			}
			if err := w.manager.Apply(ctx, evt); err != nil {
				w.log.Warn("Directory change not applied", "kind", evt.Kind, "target", evt.Target.ID, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

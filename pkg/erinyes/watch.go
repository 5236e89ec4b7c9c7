package erinyes

import (
	"context"
	"time"
)

// watchMemory polls memory while a plugin runs and cancels the returned context with the
// violation on breach. The returned stop function must be called once the plugin returns.
func (s *Sandbox) watchMemory(ctx context.Context, exec *execution) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.cfg.MemoryWatchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.checkMemory(ctx, exec); err != nil {
					s.logger.WarnContext(ctx, "memory limit breached, cancelling plugin", "plugin", exec.plugin, "error", err)
					cancel(err)
					return
				}
			}
		}
	}()

	return ctx, func() {
		close(done)
		<-stopped
		cancel(nil)
	}
}

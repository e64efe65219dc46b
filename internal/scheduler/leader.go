package scheduler

import (
	"context"
	"time"
)

// LeaderLock — распределённая блокировка лидера.
type LeaderLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// Run вызывает Tick каждые interval, пока процесс — лидер.
// Возвращается при отмене ctx; lock при этом отпускается.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, lock LeaderLock) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer lock.Release(context.Background())

	leader := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ok, err := lock.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("leader lock check failed", "error", err)
			ok = false
		}
		if ok != leader {
			leader = ok
			if leader {
				s.logger.Info("became scheduler leader")
			} else {
				s.logger.Warn("lost scheduler leadership")
			}
		}
		if !leader {
			continue
		}

		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}
}

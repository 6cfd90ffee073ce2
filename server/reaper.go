package server

import (
	"time"
)

// reapInterval keeps the reaper cadence at or below the default lease
// period, so an orphaned job waits at most one lease plus one interval
// before requeue.
const reapInterval = 30 * time.Second

// startReaper runs the orphan reaper periodically. In networked mode the
// server is the only component guaranteed to be alive, so it owns the
// cadence that embedded mode gets for free from worker startups.
func (s *Server) startReaper() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				reaped, err := s.store.ReapExpired(s.ctx, time.Now(), s.config().HeartbeatTimeout())
				if err != nil {
					s.log.Warnw("Periodic reap failed", "error", err)
					continue
				}
				for _, id := range reaped {
					s.log.Infow("Requeued job with expired lease", "job_id", id)
				}
			}
		}
	}()
}

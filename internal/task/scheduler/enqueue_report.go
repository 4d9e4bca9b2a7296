package scheduler

import (
	"errors"
	"time"

	"nudgebot/internal/task/engine"
	logx "nudgebot/pkg/logx"
)

const warnThrottle = 5 * time.Minute

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen when a previous run is still going.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("task skipped, previous run in flight", logx.String("task", name), logx.Err(err))
		return
	}
	// Queue full / stopping are important but can be bursty.
	s.warnThrottled("enqueue:"+name, "failed to enqueue task", logx.String("task", name), logx.Err(err))
}

// warnThrottled logs at most once per warnThrottle for a given key, so a
// broken catalog row does not flood the log on every rescan.
func (s *Service) warnThrottled(key, msg string, fields ...logx.Field) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()
	s.log.Warn(msg, fields...)
}

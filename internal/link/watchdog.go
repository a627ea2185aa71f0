package link

import (
	"context"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

// watchdog waits WatchdogGrace, then checks heartbeat liveness every
// WatchdogTick and moves the link to Error once it goes stale. It never
// reconnects; that is the manager's call.
func (s *Session) watchdog(ctx context.Context, gen uint64) error {
	grace := time.NewTimer(s.timing.WatchdogGrace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-grace.C:
	}

	ticker := time.NewTicker(s.timing.WatchdogTick)
	defer ticker.Stop()
	for {
		if s.checkLiveness(gen, time.Now()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// checkLiveness reports whether the watchdog flagged the link.
func (s *Session) checkLiveness(gen uint64, now time.Time) bool {
	cause, failed := s.failWhen(gen, func(st session.ConnectionStatus) (string, bool) {
		if !st.State.Live() {
			return "", false
		}
		alive, cause := st.Liveness(now, s.timing)
		return cause, !alive
	})
	if failed {
		logging.Warnf("link.Session.watchdog target=%s cause=%q", s.settings.CommandAddress(), cause)
	}
	return failed
}

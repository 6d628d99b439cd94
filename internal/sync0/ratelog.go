package sync0

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rateLimitedLogger suppresses repeats of a high-frequency warning to at most
// one line per interval.
type rateLimitedLogger struct {
	log      *logrus.Entry
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log *logrus.Entry, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	l.log.Warnf(format, args...)
}

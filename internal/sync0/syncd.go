package sync0

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// syncScheduler is the deferred-delivery hook: the queue registers a named
// tag when it enqueues, and the scheduler replays on the next →online edge
// without anyone having to call Sync by hand. A slow periodic pass catches
// the case where the edge fired before the tag was registered. Manual Sync
// stays available when the scheduler is absent.
type syncScheduler struct {
	queue *WriteQueue
	conn  ConnectivitySource
	log   *logrus.Entry
	every time.Duration

	mu   sync.Mutex
	tags map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newSyncScheduler(queue *WriteQueue, conn ConnectivitySource, every time.Duration, log *logrus.Entry) *syncScheduler {
	return &syncScheduler{
		queue:  queue,
		conn:   conn,
		log:    log,
		every:  every,
		tags:   map[string]struct{}{},
		stopCh: make(chan struct{}),
	}
}

func (s *syncScheduler) Register(tag string) {
	s.mu.Lock()
	s.tags[tag] = struct{}{}
	s.mu.Unlock()
}

func (s *syncScheduler) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tags) > 0
}

func (s *syncScheduler) clear() {
	s.mu.Lock()
	s.tags = map[string]struct{}{}
	s.mu.Unlock()
}

func (s *syncScheduler) Start() {
	ch, cancel := s.conn.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		var tick <-chan time.Time
		if s.every > 0 {
			t := time.NewTicker(s.every)
			defer t.Stop()
			tick = t.C
		}

		for {
			select {
			case <-s.stopCh:
				return
			case tr, ok := <-ch:
				if !ok {
					return
				}
				if tr == WentOnline {
					s.fire()
				}
			case <-tick:
				if s.pending() && s.conn.Online() {
					s.fire()
				}
			}
		}
	}()
}

func (s *syncScheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, err := s.queue.Sync(ctx)
	if err != nil {
		s.log.WithError(err).Warn("scheduler: sync pass failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"success": report.Success,
		"failed":  report.Failed,
	}).Info("scheduler: sync pass done")
	if report.Failed == 0 {
		s.clear()
	}
}

func (s *syncScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

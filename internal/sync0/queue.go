package sync0

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const queueNS = "q:"

// QueuedRequest is one undelivered mutating call, persisted until a replay
// attempt gets a success response or an operator purges it.
type QueuedRequest struct {
	ID             string              `json:"id"`
	URL            string              `json:"url"`
	Method         string              `json:"method"`
	Headers        map[string][]string `json:"headers"`
	Body           []byte              `json:"body"`
	Timestamp      int64               `json:"timestamp"` // unix millis at enqueue
	RetryCount     int                 `json:"retryCount"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
}

type SubmitRequest struct {
	URL            string
	Method         string
	Headers        http.Header
	Body           []byte
	IdempotencyKey string
}

// SubmitResult is either a delivered origin response or a queued sentinel.
// Queuing is a recovery path, not a failure path: Submit never returns an
// error for it.
type SubmitResult struct {
	Queued bool
	ID     string

	Status int
	Header http.Header
	Body   []byte
}

type SyncReport struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// WriteQueue captures mutating requests that cannot be delivered and replays
// them later in FIFO enqueue order.
type WriteQueue struct {
	store  Store
	client *http.Client
	conn   ConnectivitySource
	origin string
	log    *logrus.Entry
	clock  func() time.Time
	stats  *statsCollector

	// notify asks the scheduler for deferred delivery; nil when no scheduler
	// is attached (manual Sync remains the fallback).
	notify func()

	seqMu sync.Mutex
	seq   int64

	// syncMu serializes replay passes; FIFO ordering forbids concurrent
	// in-flight replays.
	syncMu sync.Mutex
}

func NewWriteQueue(store Store, client *http.Client, conn ConnectivitySource, origin string, log *logrus.Entry) *WriteQueue {
	return &WriteQueue{
		store:  store,
		client: client,
		conn:   conn,
		origin: strings.TrimRight(origin, "/"),
		log:    log,
		clock:  time.Now,
	}
}

func (q *WriteQueue) SetNotify(fn func()) { q.notify = fn }

// Submit attempts immediate delivery when online. A non-2xx origin response
// is surfaced unchanged as an application fault; a transport-level failure or
// an offline state enqueues the request instead and returns a queued result.
func (q *WriteQueue) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	var transportErr error
	if q.conn.Online() {
		status, header, body, err := q.deliver(ctx, req.Method, req.URL, req.Headers, req.Body)
		if err == nil {
			if status >= 200 && status < 300 {
				return SubmitResult{Status: status, Header: header, Body: body}, nil
			}
			return SubmitResult{}, applicationFault(status, body)
		}
		transportErr = err
	}

	id, err := q.enqueue(ctx, req)
	if err != nil {
		// Persistence denied: the request is lost. Loud by contract.
		q.log.WithError(err).WithFields(logrus.Fields{
			"url":    req.URL,
			"method": req.Method,
		}).Error("write queue: could not persist request, it is lost")
		if transportErr != nil {
			return SubmitResult{}, transportErr
		}
		return SubmitResult{}, err
	}
	if q.stats != nil {
		q.stats.queued.Add(1)
	}
	if q.notify != nil {
		q.notify()
	}
	return SubmitResult{Queued: true, ID: id}, nil
}

func (q *WriteQueue) enqueue(ctx context.Context, req SubmitRequest) (string, error) {
	if req.IdempotencyKey != "" {
		pending, err := q.ListPending(ctx)
		if err == nil {
			for _, p := range pending {
				if p.IdempotencyKey == req.IdempotencyKey {
					return p.ID, nil
				}
			}
		}
	}

	id, err := newID()
	if err != nil {
		return "", err
	}
	now := q.clock()

	rec := QueuedRequest{
		ID:             id,
		URL:            req.URL,
		Method:         req.Method,
		Headers:        req.Headers,
		Body:           req.Body,
		Timestamp:      now.UnixMilli(),
		IdempotencyKey: req.IdempotencyKey,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	q.seqMu.Lock()
	q.seq++
	seq := q.seq
	q.seqMu.Unlock()

	// Key order is enqueue order: nanosecond timestamp, then an in-process
	// sequence to break same-nanosecond ties.
	key := fmt.Sprintf("%s%020d:%012d:%s", queueNS, now.UnixNano(), seq, id)
	if err := q.store.Set(ctx, key, b); err != nil {
		return "", err
	}
	return id, nil
}

// ListPending returns all queued requests in FIFO insertion order.
func (q *WriteQueue) ListPending(ctx context.Context) ([]QueuedRequest, error) {
	kvs, err := q.store.ListAll(ctx, queueNS)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedRequest, 0, len(kvs))
	for _, kv := range kvs {
		var rec QueuedRequest
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			q.log.WithError(err).WithField("key", kv.Key).Warn("write queue: corrupt record skipped")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Sync replays pending requests strictly oldest-first, one in-flight at a
// time. A record is deleted only on a 2xx replay; anything else bumps its
// retry count in place and does not block later items in the pass.
func (q *WriteQueue) Sync(ctx context.Context) (SyncReport, error) {
	q.syncMu.Lock()
	defer q.syncMu.Unlock()

	kvs, err := q.store.ListAll(ctx, queueNS)
	if err != nil {
		return SyncReport{}, err
	}

	var report SyncReport
	for _, kv := range kvs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var rec QueuedRequest
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			q.log.WithError(err).WithField("key", kv.Key).Warn("write queue: corrupt record skipped")
			continue
		}

		status, _, _, derr := q.deliver(ctx, rec.Method, rec.URL, http.Header(rec.Headers), rec.Body)
		if derr == nil && status >= 200 && status < 300 {
			if err := q.store.Delete(ctx, kv.Key); err != nil {
				q.log.WithError(err).WithField("id", rec.ID).Error("write queue: replayed but not removed")
			}
			report.Success++
			if q.stats != nil {
				q.stats.replayed.Add(1)
			}
			continue
		}

		report.Failed++
		rec.RetryCount++
		if b, err := json.Marshal(rec); err == nil {
			// Same key, so the record keeps its place in line.
			if err := q.store.Set(ctx, kv.Key, b); err != nil {
				q.log.WithError(err).WithField("id", rec.ID).Warn("write queue: retry count not persisted")
			}
		}
		if derr != nil {
			q.log.WithError(derr).WithFields(logrus.Fields{
				"id":      rec.ID,
				"retries": rec.RetryCount,
			}).Info("write queue: replay failed, kept for next pass")
		} else {
			q.log.WithFields(logrus.Fields{
				"id":     rec.ID,
				"status": status,
			}).Info("write queue: origin rejected replay, kept for next pass")
		}
	}
	return report, nil
}

// Purge drops every pending record. Explicit operator action; replay is the
// only automatic removal path.
func (q *WriteQueue) Purge(ctx context.Context) (int, error) {
	kvs, err := q.store.ListAll(ctx, queueNS)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, kv := range kvs {
		if err := q.store.Delete(ctx, kv.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *WriteQueue) deliver(ctx context.Context, method, url string, headers http.Header, body []byte) (int, http.Header, []byte, error) {
	target := url
	if strings.HasPrefix(target, "/") {
		target = q.origin + target
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, transportFault("build request", err)
	}
	for k, vs := range headers {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, nil, nil, transportFault(method+" "+url, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, transportFault("read response", err)
	}
	return resp.StatusCode, cloneHeader(resp.Header), respBody, nil
}

package sync0

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestService(t *testing.T, origin string) *Service {
	t.Helper()
	yaml := fmt.Sprintf(`
server:
  origin: %s
storage:
  path: %s
routes:
  - match: PathPrefix(/assets/)
    strategy: static-asset
  - match: PathPrefix(/api/)
    strategy: api
`, origin, t.TempDir())
	cfg, err := parseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	svc, err := NewService(cfg, log)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestServiceEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/test":
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":7}`)
		case r.URL.Path == "/api/agents":
			io.WriteString(w, `{"agents":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	h := svc.Handler()

	// Online mutation sails through untouched.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader(`{"name":"Test"}`)))
	if rec.Code != http.StatusCreated || rec.Body.String() != `{"id":7}` {
		t.Fatalf("online mutation: code=%d body=%q", rec.Code, rec.Body.String())
	}

	// Connectivity drops; the same mutation is captured instead.
	svc.Connectivity().SetOnline(false)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader(`{"name":"Test"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("offline mutation: code=%d", rec.Code)
	}
	var sentinel struct {
		OfflineSubmitted bool   `json:"_offlineSubmitted"`
		FormID           string `json:"_formId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sentinel); err != nil || !sentinel.OfflineSubmitted {
		t.Fatalf("sentinel %q err=%v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_sync0/queue", nil))
	var queueOut struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &queueOut); err != nil || queueOut.Count != 1 {
		t.Fatalf("queue endpoint: %q err=%v", rec.Body.String(), err)
	}

	// Reconnect; the scheduler drains the queue on the edge.
	svc.Connectivity().SetOnline(true)
	waitFor(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_sync0/queue", nil))
		var out struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		return out.Count == 0
	}, "queue drain after reconnect")

	// Status reflects the wiring.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_sync0/status", nil))
	var status struct {
		Online           bool   `json:"online"`
		ActiveGeneration string `json:"activeGeneration"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("status decode: %v", err)
	}
	if !status.Online || status.ActiveGeneration != "v1" {
		t.Fatalf("status %+v", status)
	}
}

func TestServiceManualSyncEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	h := svc.Handler()

	svc.Connectivity().SetOnline(false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/forms", strings.NewReader("{}")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("offline submit code=%d", rec.Code)
	}

	// Origin is reachable even though the watch still says offline; a manual
	// sync is the operator's escape hatch.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_sync0/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync endpoint code=%d", rec.Code)
	}
	var report SyncReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("report decode: %v", err)
	}
	if report.Success != 1 || report.Failed != 0 {
		t.Fatalf("report %+v", report)
	}
}

package sync0

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNetwatchPublishesOnlyEdges(t *testing.T) {
	n := NewNetwatch(true, nil)
	ch, cancel := n.Subscribe()
	defer cancel()

	n.SetOnline(true) // no change, no edge
	n.SetOnline(false)
	n.SetOnline(false) // still no change
	n.SetOnline(true)

	var got []Transition
	for len(got) < 2 {
		select {
		case tr := <-ch:
			got = append(got, tr)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != WentOffline || got[1] != WentOnline {
		t.Fatalf("edges %v, want [offline online]", got)
	}
	select {
	case tr := <-ch:
		t.Fatalf("unexpected extra edge %v", tr)
	case <-time.After(50 * time.Millisecond):
	}
	if !n.Online() {
		t.Fatal("poll disagrees with last edge")
	}
}

func TestNetwatchCancelStopsDelivery(t *testing.T) {
	n := NewNetwatch(true, nil)
	ch, cancel := n.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// Publishing after cancel must not panic.
	n.SetOnline(false)
}

func TestNetwatchProbeDrivesState(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			// Hijack-free way to kill the connection mid-request.
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNetwatch(false, nil)
	defer n.Stop()
	n.StartProbe(srv.Client(), srv.URL+"/healthz", 10*time.Millisecond)

	waitFor(t, func() bool { return n.Online() }, "probe success → online")

	healthy.Store(false)
	waitFor(t, func() bool { return !n.Online() }, "probe failure → offline")
}

package sync0

import (
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transition is a connectivity edge.
type Transition int

const (
	WentOnline Transition = iota
	WentOffline
)

func (t Transition) String() string {
	if t == WentOnline {
		return "online"
	}
	return "offline"
}

// ConnectivitySource is the injected capability replacing a process-global
// online flag. Components poll Online or subscribe to edges; tests drive
// transitions deterministically through a Netwatch.
type ConnectivitySource interface {
	Online() bool
	// Subscribe returns a channel of transitions and a cancel func. The
	// channel is buffered; a slow subscriber drops edges rather than blocking
	// the publisher.
	Subscribe() (<-chan Transition, func())
}

// Netwatch owns the process-wide connectivity state. State is re-derived at
// each start: with a probe configured the watch starts offline until the
// first probe succeeds, without one it starts online.
type Netwatch struct {
	log *logrus.Entry

	mu     sync.Mutex
	online bool
	subs   map[int]chan Transition
	nextID int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewNetwatch(startOnline bool, log *logrus.Entry) *Netwatch {
	return &Netwatch{
		log:    log,
		online: startOnline,
		subs:   map[int]chan Transition{},
		stopCh: make(chan struct{}),
	}
}

func (n *Netwatch) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *Netwatch) Subscribe() (<-chan Transition, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	ch := make(chan Transition, 4)
	n.subs[id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// SetOnline flips the state and fans the edge out to subscribers. No-op when
// the state is unchanged, so repeated probe successes publish nothing.
func (n *Netwatch) SetOnline(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	tr := WentOffline
	if online {
		tr = WentOnline
	}
	for _, ch := range n.subs {
		select {
		case ch <- tr:
		default:
			// subscriber lagging; it will re-poll Online
		}
	}
	n.mu.Unlock()

	if n.log != nil {
		n.log.WithField("state", tr.String()).Info("connectivity transition")
	}
}

// StartProbe polls url on a fixed interval and flips the watch from the probe
// result. Any response at all counts as online; only transport-level failure
// means offline.
func (n *Netwatch) StartProbe(client *http.Client, url string, every time.Duration) {
	if url == "" || every <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()

		probe := func() {
			resp, err := client.Get(url)
			if err != nil {
				n.SetOnline(false)
				return
			}
			resp.Body.Close()
			n.SetOnline(true)
		}

		probe()
		for {
			select {
			case <-n.stopCh:
				return
			case <-t.C:
				probe()
			}
		}
	}()
}

func (n *Netwatch) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

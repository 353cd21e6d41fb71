package observer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupeWindow is how long a detection waits for its counterpart
// from the other path.
const DefaultDedupeWindow = 2 * time.Second

type pending struct {
	source string
	at     time.Time
}

// Deduper drops a detection when an unmatched detection for the same host
// from the other source is stamped within the window of it. Detections are
// compared by when the request started, not when the report arrived. Each match consumes the
// pending entry, so one logical request observed by both paths counts once.
// Repeats from the same source always count.
type Deduper struct {
	window time.Duration
	hosts  *lru.Cache[string, []pending]
	mu     sync.Mutex
}

// NewDeduper creates a deduper tracking at most size hosts.
func NewDeduper(window time.Duration, size int) (*Deduper, error) {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	if size <= 0 {
		size = 1024
	}
	hosts, err := lru.New[string, []pending](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{window: window, hosts: hosts}, nil
}

// Admit reports whether d should be counted.
func (d *Deduper) Admit(det Detection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, _ := d.hosts.Get(det.Host)

	live := entries[:0]
	for _, e := range entries {
		if det.At.Sub(e.at) <= d.window {
			live = append(live, e)
		}
	}

	for i, e := range live {
		if e.source != det.Source && absDuration(det.At.Sub(e.at)) <= d.window {
			live = append(live[:i], live[i+1:]...)
			d.store(det.Host, live)
			return false
		}
	}

	d.store(det.Host, append(live, pending{source: det.Source, at: det.At}))
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (d *Deduper) store(host string, entries []pending) {
	if len(entries) == 0 {
		d.hosts.Remove(host)
		return
	}
	d.hosts.Add(host, entries)
}

// Package connectivity derives the online flag that gates every offline
// decision from raw platform network signals.
package connectivity

import (
	"sync"
	"time"

	"github.com/kimhsiao/fitcoach/core/internal/logging"
)

// Signal is one raw network report from the platform.
type Signal struct {
	// IsConnected reports an active network link.
	IsConnected bool `json:"is_connected"`
	// IsInternetReachable is nil when the platform cannot tell.
	IsInternetReachable *bool `json:"is_internet_reachable"`
}

// Reachable is a helper for building a Signal with a known reachability.
func Reachable(v bool) *bool {
	return &v
}

// Derive turns a Signal into the online flag. Explicit reachability wins;
// only when it is unknown does the raw link flag decide. A link that is up
// behind a captive portal reports reachable=false and counts as offline.
func Derive(s Signal) bool {
	if s.IsInternetReachable != nil {
		return *s.IsInternetReachable
	}
	return s.IsConnected
}

// State is a snapshot of the detector.
type State struct {
	Online    bool      `json:"online"`
	Signal    Signal    `json:"signal"`
	ChangedAt time.Time `json:"changed_at"`
	Observed  bool      `json:"observed"`
}

// Detector holds the current online flag and notifies subscribers when it
// flips. Until the first Update it reports offline.
type Detector struct {
	now func() time.Time

	mu        sync.RWMutex
	online    bool
	observed  bool
	signal    Signal
	changedAt time.Time
	subs      map[int]func(online bool)
	nextID    int
}

// NewDetector creates a Detector in the offline state.
func NewDetector() *Detector {
	return &Detector{
		now:  time.Now,
		subs: make(map[int]func(bool)),
	}
}

// Update records a platform signal. It reports the derived flag and
// whether it changed. Subscribers run only on a change, after the lock is
// released.
func (d *Detector) Update(s Signal) (online, changed bool) {
	online = Derive(s)

	d.mu.Lock()
	changed = online != d.online
	d.signal = s
	d.observed = true
	if changed {
		d.online = online
		d.changedAt = d.now()
	}
	var subs []func(bool)
	if changed {
		subs = make([]func(bool), 0, len(d.subs))
		for _, fn := range d.subs {
			subs = append(subs, fn)
		}
	}
	d.mu.Unlock()

	if changed {
		logging.Info("Connectivity changed", map[string]interface{}{
			"component":    "connectivity",
			"online":       online,
			"is_connected": s.IsConnected,
		})
		for _, fn := range subs {
			fn(online)
		}
	}
	return online, changed
}

// Online reports the current derived flag.
func (d *Detector) Online() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online
}

// State returns a snapshot.
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return State{
		Online:    d.online,
		Signal:    d.signal,
		ChangedAt: d.changedAt,
		Observed:  d.observed,
	}
}

// Subscribe registers fn for online/offline transitions and returns a
// function that removes it.
func (d *Detector) Subscribe(fn func(online bool)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

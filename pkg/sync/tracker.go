package sync

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/meshsync/pkg/metrics"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// TrackerConfig tunes backoff and reputation handling.
type TrackerConfig struct {
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	JitterFrac   float64
	StrikeLimit  int
	StrikeWindow time.Duration
	BanDuration  time.Duration
}

// DefaultTrackerConfig is the shipped tuning.
var DefaultTrackerConfig = TrackerConfig{
	BackoffBase:  time.Second,
	BackoffMax:   5 * time.Minute,
	JitterFrac:   0.2,
	StrikeLimit:  3,
	StrikeWindow: 5 * time.Minute,
	BanDuration:  10 * time.Minute,
}

// Key identifies a (context, peer) sync relationship.
type Key struct {
	Context types.ContextID
	Peer    peer.ID
}

type record struct {
	lastSync     time.Time
	failures     int
	backoffUntil time.Time
	inProgress   bool
	strikes      []time.Time
	bannedUntil  time.Time
}

// Tracker holds per-(context, peer) sync state: last sync time, failure
// backoff, in-progress flags and reputation strikes. The orchestrator
// consults it every tick.
type Tracker struct {
	mu      sync.Mutex
	cfg     TrackerConfig
	records map[Key]*record
	now     func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.BackoffBase <= 0 {
		cfg = DefaultTrackerConfig
	}
	return &Tracker{
		cfg:     cfg,
		records: make(map[Key]*record),
		now:     time.Now,
	}
}

func (t *Tracker) get(key Key) *record {
	r, ok := t.records[key]
	if !ok {
		r = &record{}
		t.records[key] = r
	}
	return r
}

// Eligible filters and orders candidate peers for a context: not mid-sync,
// not backed off, not banned, least-recently-synced first, at most k.
func (t *Tracker) Eligible(ctx types.ContextID, peers []peer.ID, k int) []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var candidates []peer.ID
	for _, p := range peers {
		r := t.get(Key{Context: ctx, Peer: p})
		if r.inProgress || now.Before(r.backoffUntil) || now.Before(r.bannedUntil) {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri := t.get(Key{Context: ctx, Peer: candidates[i]})
		rj := t.get(Key{Context: ctx, Peer: candidates[j]})
		return ri.lastSync.Before(rj.lastSync)
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// Begin marks a session in progress, refusing a concurrent session for the
// same pair.
func (t *Tracker) Begin(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(key)
	now := t.now()
	if r.inProgress || now.Before(r.backoffUntil) || now.Before(r.bannedUntil) {
		return false
	}
	r.inProgress = true
	return true
}

// Success records a completed session and clears backoff.
func (t *Tracker) Success(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(key)
	r.inProgress = false
	r.lastSync = t.now()
	r.failures = 0
	r.backoffUntil = time.Time{}
}

// Failure records a failed session: exponential backoff with jitter, and a
// reputation strike for crypto and protocol errors. After StrikeLimit
// strikes inside the window the peer is banned for the context. Returns
// true when this failure triggered a ban.
func (t *Tracker) Failure(key Key, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r := t.get(key)
	r.inProgress = false
	r.failures++

	backoff := t.cfg.BackoffBase << (r.failures - 1)
	if backoff > t.cfg.BackoffMax || backoff <= 0 {
		backoff = t.cfg.BackoffMax
	}
	jitter := 1 + t.cfg.JitterFrac*(2*rand.Float64()-1)
	r.backoffUntil = now.Add(time.Duration(float64(backoff) * jitter))

	if !syncerr.Strike(err) {
		return false
	}
	metrics.PeerStrikes.WithLabelValues(string(syncerr.KindOf(err))).Inc()

	cutoff := now.Add(-t.cfg.StrikeWindow)
	kept := r.strikes[:0]
	for _, s := range r.strikes {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	r.strikes = append(kept, now)

	if len(r.strikes) >= t.cfg.StrikeLimit {
		r.bannedUntil = now.Add(t.cfg.BanDuration)
		r.strikes = nil
		metrics.PeersBanned.Inc()
		return true
	}
	return false
}

// Banned reports whether the peer is currently banned for the context.
func (t *Tracker) Banned(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Before(t.get(key).bannedUntil)
}

// Strikes returns the live strike count for a pair.
func (t *Tracker) Strikes(key Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.StrikeWindow)
	n := 0
	for _, s := range t.get(key).strikes {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}

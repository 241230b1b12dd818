// Package session holds the operator's DirectoryConfig between HTTP requests.
// Entries live in memory only and expire after a sliding idle TTL.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/time/rate"

	"github.com/isometry/ad-unlock/internal/ldap"
)

// Subsystem is the tflog subsystem session events are logged under.
const Subsystem = "session"

// DefaultTTL matches the one hour cookie lifetime operators expect.
const DefaultTTL = time.Hour

// Entry is one operator session.
type Entry struct {
	ID        string
	Directory ldap.DirectoryConfig
	Created   time.Time
	LastSeen  time.Time

	// limiter throttles directory operations run under this session; nil when unlimited.
	limiter *rate.Limiter
}

// Stats provides statistics about session usage.
type Stats struct {
	Hits      int64
	Misses    int64
	Created   int64
	Expired   int64
	Throttled int64
	Sessions  int64
	HitRate   float64
}

// Store provides thread-safe storage of directory configurations keyed by
// random session ID.
type Store struct {
	ctx     context.Context // Logging context for background eviction
	entries sync.Map        // map[string]*Entry
	ttl     time.Duration

	limit rate.Limit
	burst int

	statsMu sync.RWMutex
	stats   Stats

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithRateLimit gives every session a token bucket of burst operations
// refilled at limit per second. rate.Inf disables throttling.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Store) {
		s.limit = limit
		s.burst = burst
	}
}

// NewStore creates a store whose entries expire after ttl without use. A
// positive cleanupInterval starts a background sweep; call Close to stop it.
func NewStore(ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Store{
		ctx:   ctx,
		ttl:   ttl,
		limit: rate.Inf,
		now:   time.Now,
		stop:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if cleanupInterval > 0 {
		ticker := time.NewTicker(cleanupInterval)
		s.wg.Go(func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.EvictExpired()
				case <-s.stop:
					return
				}
			}
		})
	}

	return s
}

// TTL returns the idle lifetime of a session.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create stores cfg under a new session ID.
func (s *Store) Create(cfg ldap.DirectoryConfig) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	now := s.now()
	s.entries.Store(id.String(), &Entry{
		ID:        id.String(),
		Directory: cfg,
		Created:   now,
		LastSeen:  now,
		limiter:   s.newLimiter(),
	})

	s.statsMu.Lock()
	s.stats.Created++
	s.statsMu.Unlock()

	tflog.SubsystemDebug(s.ctx, Subsystem, "Session created", map[string]any{
		"server":    cfg.Server,
		"bind_user": cfg.BindDN,
	})

	return id.String(), nil
}

// Put replaces the configuration of an existing session.
func (s *Store) Put(id string, cfg ldap.DirectoryConfig) error {
	entry, ok := s.load(id)
	if !ok {
		return errors.New("session not found")
	}

	now := s.now()
	s.entries.Store(id, &Entry{
		ID:        id,
		Directory: cfg,
		Created:   entry.Created,
		LastSeen:  now,
		limiter:   entry.limiter,
	})

	return nil
}

// Get returns the configuration stored under id and refreshes its TTL.
func (s *Store) Get(id string) (ldap.DirectoryConfig, bool) {
	entry, ok := s.load(id)
	if !ok {
		s.incrementMisses()
		return ldap.DirectoryConfig{}, false
	}

	touched := *entry
	touched.LastSeen = s.now()
	s.entries.CompareAndSwap(id, entry, &touched)

	s.incrementHits()
	return entry.Directory, true
}

// Allow reports whether the session may run another directory operation
// now, consuming a token if so. Unknown sessions are allowed; callers reject
// them separately.
func (s *Store) Allow(id string) bool {
	entry, ok := s.load(id)
	if !ok || entry.limiter == nil || entry.limiter.Allow() {
		return true
	}

	s.statsMu.Lock()
	s.stats.Throttled++
	s.statsMu.Unlock()

	tflog.SubsystemWarn(s.ctx, Subsystem, "Session throttled", map[string]any{
		"server":    entry.Directory.Server,
		"bind_user": entry.Directory.BindDN,
	})

	return false
}

func (s *Store) newLimiter() *rate.Limiter {
	if s.limit == rate.Inf {
		return nil
	}
	return rate.NewLimiter(s.limit, s.burst)
}

// Delete drops the session. Deleting an unknown ID is a no-op.
func (s *Store) Delete(id string) {
	if _, loaded := s.entries.LoadAndDelete(id); loaded {
		tflog.SubsystemDebug(s.ctx, Subsystem, "Session cleared")
	}
}

// load returns a live entry, dropping it if it has expired.
func (s *Store) load(id string) (*Entry, bool) {
	if id == "" {
		return nil, false
	}

	value, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}

	entry := value.(*Entry)
	if s.expired(entry) {
		if s.entries.CompareAndDelete(id, entry) {
			s.incrementExpired(1)
		}
		return nil, false
	}

	return entry, true
}

func (s *Store) expired(entry *Entry) bool {
	return s.now().Sub(entry.LastSeen) > s.ttl
}

// EvictExpired removes every session idle for longer than the TTL.
func (s *Store) EvictExpired() int {
	dropped := 0
	s.entries.Range(func(key, value any) bool {
		if entry := value.(*Entry); s.expired(entry) && s.entries.CompareAndDelete(key, entry) {
			dropped++
		}
		return true
	})

	if dropped > 0 {
		s.incrementExpired(int64(dropped))
		tflog.SubsystemDebug(s.ctx, Subsystem, "Expired sessions evicted", map[string]any{
			"count": dropped,
		})
	}

	return dropped
}

// Stats returns current session statistics.
func (s *Store) Stats() Stats {
	s.statsMu.RLock()
	stats := s.stats
	s.statsMu.RUnlock()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	s.entries.Range(func(_, _ any) bool {
		stats.Sessions++
		return true
	})

	return stats
}

// Close stops the background sweep and drops every session.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.entries.Clear()
	})
}

func (s *Store) incrementHits() {
	s.statsMu.Lock()
	s.stats.Hits++
	s.statsMu.Unlock()
}

func (s *Store) incrementMisses() {
	s.statsMu.Lock()
	s.stats.Misses++
	s.statsMu.Unlock()
}

func (s *Store) incrementExpired(n int64) {
	s.statsMu.Lock()
	s.stats.Expired += n
	s.statsMu.Unlock()
}

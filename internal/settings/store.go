/**
 * @description
 * This package implements the store for admin-tunable runtime settings (task
 * price, referral bonus, withdrawal minimum, working hours, monitored apps).
 * Settings live in a single JSONB document in Postgres and are read through a
 * short-TTL in-memory cache to bound read load, since every submission and
 * every reconciler cycle consults them.
 *
 * Semantics:
 * - Snapshot returns a point-in-time value; callers act on the snapshot they
 *   read and tolerate staleness up to one TTL window.
 * - Fetched documents are decoded over the hard-coded defaults, so a record
 *   written by an older deployment that lacks newly introduced fields still
 *   yields a complete snapshot.
 * - Update merges a partial document in the backing store and invalidates the
 *   cache rather than patching it, so a failed write cannot leave a
 *   stale-but-confident cache.
 *
 * @dependencies
 * - context, encoding/json, log, sync, time: Standard Go libraries.
 * - internal/domain: The Settings snapshot model.
 */

package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/reviewpay/reward-service/internal/domain"
)

// DefaultTTL bounds how stale a cached snapshot may get.
const DefaultTTL = 60 * time.Second

// Backing is the persistence contract the store needs: a single JSON document
// with partial-merge write semantics. GetSettingsJSON returns nil with no
// error when the record does not exist yet.
type Backing interface {
	GetSettingsJSON(ctx context.Context) ([]byte, error)
	MergeSettingsJSON(ctx context.Context, partial []byte) error
}

// Defaults returns the hard-coded settings used to seed an empty store and to
// backfill fields missing from a fetched record.
func Defaults() domain.Settings {
	return domain.Settings{
		TaskPrice:                  500,  // 5.00 in poisha
		ReferralBonus:              200,  // 2.00
		MinWithdraw:                5000, // 50.00
		WorkStart:                  "15:30",
		WorkEnd:                    "23:00",
		MonitoredApps:              []domain.MonitoredApp{},
		AutoApproveIntervalSeconds: 3600,
		PendingTaskMaxAgeHours:     24,
		NotifyTargetID:             "",
		RulesText:                  "Install the app, leave a 5-star rating and write a genuine review.",
		ScheduleText:               "Working hours: 15:30 to 23:00 daily.",
	}
}

// Store caches the settings document behind a TTL. It is safe for concurrent
// use and is injected into every component that needs runtime settings; there
// is no package-level state.
type Store struct {
	backing Backing
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	cached    *domain.Settings
	fetchedAt time.Time
	seeded    bool
}

// New creates a settings store around the given backing record. A ttl of zero
// selects DefaultTTL.
func New(backing Backing, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		backing: backing,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Snapshot returns the current settings. It serves the cached value while it
// is younger than the TTL, refetches otherwise, and degrades to the last good
// value (or the defaults) when the backing store is unreachable. It never
// returns an error: settings reads must not take down callers.
func (s *Store) Snapshot(ctx context.Context) domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Sub(s.fetchedAt) < s.ttl {
		return *s.cached
	}

	data, err := s.backing.GetSettingsJSON(ctx)
	if err != nil {
		log.Printf("level=warn component=settings msg=\"settings fetch failed; serving last good value\" err=%v", err)
		if s.cached != nil {
			return *s.cached
		}
		return Defaults()
	}

	merged := Defaults()
	if data == nil {
		// First-ever read on an empty store: seed the backing record once so
		// admins edit a concrete document rather than implicit defaults.
		if !s.seeded {
			s.seeded = true
			if seedErr := s.seedDefaults(ctx); seedErr != nil {
				log.Printf("level=warn component=settings msg=\"seeding default settings failed\" err=%v", seedErr)
			}
		}
	} else if err := json.Unmarshal(data, &merged); err != nil {
		log.Printf("level=error component=settings msg=\"settings document is malformed; serving defaults\" err=%v", err)
		if s.cached != nil {
			return *s.cached
		}
		return Defaults()
	}

	s.cached = &merged
	s.fetchedAt = s.now()
	return merged
}

// Update merges the given partial document into the backing record and
// invalidates the cache so the next Snapshot refetches. The partial document
// uses the same JSON field names as domain.Settings.
func (s *Store) Update(ctx context.Context, partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	data, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("encode settings update: %w", err)
	}
	if err := s.backing.MergeSettingsJSON(ctx, data); err != nil {
		log.Printf("level=error component=settings msg=\"settings update failed\" err=%v", err)
		return fmt.Errorf("persist settings update: %w", err)
	}
	s.Invalidate()
	return nil
}

// Invalidate drops the cached snapshot, forcing the next Snapshot to refetch.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Store) seedDefaults(ctx context.Context) error {
	data, err := json.Marshal(Defaults())
	if err != nil {
		return err
	}
	return s.backing.MergeSettingsJSON(ctx, data)
}

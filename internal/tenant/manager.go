// Package tenant guards inbound ingestion per organization: a token-bucket
// rate limit and an optional daily turn quota counted from the audit store.
package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
)

var (
	ErrMissingOrg         = errors.New("organization id is required")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrDailyQuotaExceeded = errors.New("daily turn quota exceeded")
)

// Org holds per-organization overrides.
type Org struct {
	ID             string
	RateLimit      int // events per second; 0 uses the manager default
	DailyTurnLimit int // audited turns per UTC day; 0 means no limit
}

// Manager validates inbound events per org. Limiters are created lazily so
// orgs without an override still get the default rate.
type Manager struct {
	defaultRate   int
	orgs          map[string]Org
	limiters      map[string]*rate.Limiter
	evidenceStore *evidence.Store
	now           func() time.Time
	mu            sync.Mutex
}

// NewManager creates a manager. defaultRate is events per second for every
// org without an override; 0 disables rate limiting for those orgs. The
// evidence store is only consulted for orgs with a daily turn limit.
func NewManager(defaultRate int, orgs []Org, evidenceStore *evidence.Store) *Manager {
	m := &Manager{
		defaultRate:   defaultRate,
		orgs:          make(map[string]Org, len(orgs)),
		limiters:      make(map[string]*rate.Limiter),
		evidenceStore: evidenceStore,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, o := range orgs {
		m.orgs[o.ID] = o
	}
	return m
}

// SetClock replaces the clock used for the quota window.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// ValidateRequest checks the org's rate limit and daily quota.
func (m *Manager) ValidateRequest(ctx context.Context, orgID string) error {
	if orgID == "" {
		return ErrMissingOrg
	}
	m.mu.Lock()
	org, ok := m.orgs[orgID]
	lim := m.limiterLocked(orgID, org)
	m.mu.Unlock()

	if lim != nil && !lim.AllowN(m.now(), 1) {
		return ErrRateLimitExceeded
	}
	if !ok || org.DailyTurnLimit <= 0 || m.evidenceStore == nil {
		return nil
	}

	now := m.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	counts, err := m.evidenceStore.OutcomeCounts(ctx, orgID, dayStart)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total >= org.DailyTurnLimit {
		return ErrDailyQuotaExceeded
	}
	return nil
}

// RateLimit returns the effective events-per-second limit for an org.
func (m *Manager) RateLimit(orgID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orgs[orgID]; ok && o.RateLimit > 0 {
		return o.RateLimit
	}
	return m.defaultRate
}

func (m *Manager) limiterLocked(orgID string, org Org) *rate.Limiter {
	if lim, ok := m.limiters[orgID]; ok {
		return lim
	}
	perSecond := m.defaultRate
	if org.RateLimit > 0 {
		perSecond = org.RateLimit
	}
	if perSecond <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), perSecond*2) // burst = 2s worth
	m.limiters[orgID] = lim
	return lim
}

package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypool/cc-gateway/internal/account/strategies"
	"github.com/relaypool/cc-gateway/internal/config"
	"github.com/relaypool/cc-gateway/internal/utils"
	"github.com/relaypool/cc-gateway/pkg/redis"
)

// windowAffinityTTL is how long the pool's last-used account stays "warm"
// for the time-window affinity step.
const windowAffinityTTL = 60 * time.Second

// lockoutRetryThreshold is the shortest-outstanding-lockout bar under which
// the scheduler bothers to sleep-and-retry instead of failing immediately.
const lockoutRetryThreshold = 2 * time.Second

// lockoutRetryBuffer is the sleep used to let distributed rate-limit state
// settle before the scheduler retries a selection it expects to succeed.
const lockoutRetryBuffer = 500 * time.Millisecond

// Scheduler implements the single, literal account selection policy: sticky
// session binding, then 60s window affinity, then round-robin (optionally
// tie-broken by a supplemental health/token/quota/LRU score), then an
// all-unavailable fallback sequence. There is exactly one policy; scoring is
// a tie-break layer inside step 3, never an alternate mode.
type Scheduler struct {
	mu sync.Mutex

	sessions      map[string]string // session_id -> account email
	lastUsedEmail string
	lastUsedAt    time.Time
	rrCursor      uint64

	accountStore *redis.AccountStore
	scorer       *strategies.HybridStrategy // optional tie-break layer
	cfg          *config.Config
}

// NewScheduler creates a selection policy backed by store for rate-limit
// lookups, with an optional scorer used as a round-robin tie-break.
func NewScheduler(store *redis.AccountStore, scorer *strategies.HybridStrategy, cfg *config.Config) *Scheduler {
	return &Scheduler{
		sessions:     make(map[string]string),
		accountStore: store,
		scorer:       scorer,
		cfg:          cfg,
	}
}

// SchedulerOptions carries the per-request inputs the selection policy reads.
type SchedulerOptions struct {
	SessionID      string
	ForceRotate    bool
	IsImageRequest bool
	Attempted      map[string]bool // emails already tried this request
}

// sortedEligible returns accounts passing the eligibility invariant, ordered
// by tier (ULTRA<PRO<FREE<unknown) then by descending remaining quota.
func sortedEligible(accounts []*redis.Account) []*redis.Account {
	tierRank := map[redis.Tier]int{
		redis.TierUltra:   0,
		redis.TierPro:     1,
		redis.TierFree:    2,
		redis.TierUnknown: 3,
	}

	out := make([]*redis.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Eligible() {
			out = append(out, a)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := tierRank[out[i].TierOf()], tierRank[out[j].TierOf()]
		if ti != tj {
			return ti < tj
		}
		return out[i].RemainingQuota() > out[j].RemainingQuota()
	})
	return out
}

// SelectAccount runs the four-step policy. modelID scopes rate-limit checks;
// a nil return with a nil error never happens — callers get either an
// account or a *NoAccountsError.
func (s *Scheduler) SelectAccount(ctx context.Context, accounts []*redis.Account, modelID string, opts SchedulerOptions) (*SelectionResult, error) {
	return s.selectAccount(ctx, accounts, modelID, opts, 0)
}

func (s *Scheduler) selectAccount(ctx context.Context, accounts []*redis.Account, modelID string, opts SchedulerOptions, retryDepth int) (*SelectionResult, error) {
	sorted := sortedEligible(accounts)
	if len(sorted) == 0 {
		return nil, NewNoAccountsError("No eligible accounts configured", false)
	}

	mode := s.cfg.SchedulingModeValue()
	stickyAllowed := mode != config.SchedulingPerformanceFirst

	s.mu.Lock()

	// Step 1: sticky session.
	if stickyAllowed && opts.SessionID != "" && !opts.ForceRotate {
		if email, bound := s.sessions[opts.SessionID]; bound {
			if acc := findByEmail(sorted, email); acc != nil {
				if !s.isRateLimited(ctx, acc, modelID) {
					acc.LastUsed = time.Now().UnixMilli()
					s.lastUsedEmail = acc.Email
					s.lastUsedAt = time.Now()
					s.mu.Unlock()
					utils.Debug("[Scheduler] Sticky session %s bound to %s", opts.SessionID, acc.Email)
					return &SelectionResult{Account: acc, Index: indexOf(accounts, acc)}, nil
				}
				// Rate-limited: unbind immediately, never wait on it.
				delete(s.sessions, opts.SessionID)
				utils.Debug("[Scheduler] Unbinding session %s from rate-limited %s", opts.SessionID, acc.Email)
			}
		}
	}

	// Step 2: 60-second window affinity (CacheFirst only extends to no-session
	// requests per spec; Balance/CacheFirst both observe it when reached here).
	windowEligible := mode != config.SchedulingPerformanceFirst && !opts.IsImageRequest && !opts.ForceRotate
	if windowEligible && s.lastUsedEmail != "" && time.Since(s.lastUsedAt) < windowAffinityTTL {
		if acc := findByEmail(sorted, s.lastUsedEmail); acc != nil && !s.isRateLimited(ctx, acc, modelID) {
			acc.LastUsed = time.Now().UnixMilli()
			s.lastUsedAt = time.Now()
			s.mu.Unlock()
			utils.Debug("[Scheduler] Window affinity reusing %s", acc.Email)
			return &SelectionResult{Account: acc, Index: indexOf(accounts, acc)}, nil
		}
	}

	// Step 3: round-robin over the sorted list, skipping attempted and
	// currently rate-limited accounts; optional scoring tie-break among the
	// candidates still standing.
	candidates := make([]*redis.Account, 0, len(sorted))
	n := len(sorted)
	start := int(atomic.LoadUint64(&s.rrCursor) % uint64(n))
	for i := 0; i < n; i++ {
		acc := sorted[(start+i)%n]
		if opts.Attempted != nil && opts.Attempted[acc.Email] {
			continue
		}
		if s.isRateLimited(ctx, acc, modelID) {
			continue
		}
		candidates = append(candidates, acc)
	}

	if len(candidates) > 0 {
		chosen := candidates[0]
		if s.cfg.AccountSelection.ScoringEnabled() && s.scorer != nil && len(candidates) > 1 {
			chosen = s.bestScored(candidates, modelID)
		}
		atomic.AddUint64(&s.rrCursor, 1)
		chosen.LastUsed = time.Now().UnixMilli()
		s.lastUsedEmail = chosen.Email
		s.lastUsedAt = time.Now()
		if stickyAllowed && opts.SessionID != "" {
			s.sessions[opts.SessionID] = chosen.Email
		}
		s.mu.Unlock()
		utils.Info("[Scheduler] Selected account %s via round-robin", chosen.Email)
		return &SelectionResult{Account: chosen, Index: indexOf(accounts, chosen)}, nil
	}
	s.mu.Unlock()

	// Step 4: all accounts unavailable.
	shortestWait := s.shortestLockout(ctx, sorted, modelID)
	if retryDepth == 0 && shortestWait >= 0 && shortestWait <= lockoutRetryThreshold {
		time.Sleep(lockoutRetryBuffer)
		return s.selectAccount(ctx, accounts, modelID, opts, 1)
	}
	if retryDepth == 1 {
		s.clearAll(ctx, sorted)
		return s.selectAccount(ctx, accounts, modelID, opts, 2)
	}

	return nil, NewNoAccountsError("No available accounts: all are rate-limited", true)
}

func (s *Scheduler) bestScored(candidates []*redis.Account, modelID string) *redis.Account {
	best := candidates[0]
	bestScore := s.scorer.ScoreAccount(best, modelID)
	for _, acc := range candidates[1:] {
		score := s.scorer.ScoreAccount(acc, modelID)
		if score > bestScore {
			best, bestScore = acc, score
		}
	}
	return best
}

func (s *Scheduler) isRateLimited(ctx context.Context, acc *redis.Account, modelID string) bool {
	if s.accountStore == nil || modelID == "" {
		return false
	}
	info, err := s.accountStore.GetRateLimit(ctx, acc.Email, modelID)
	if err != nil || info == nil || !info.IsRateLimited {
		return false
	}
	if info.ResetTime > 0 && time.Now().UnixMilli() >= info.ResetTime {
		return false
	}
	return true
}

func (s *Scheduler) shortestLockout(ctx context.Context, accounts []*redis.Account, modelID string) time.Duration {
	shortest := time.Duration(-1)
	now := time.Now().UnixMilli()
	for _, acc := range accounts {
		if s.accountStore == nil {
			continue
		}
		info, err := s.accountStore.GetRateLimit(ctx, acc.Email, modelID)
		if err != nil || info == nil || !info.IsRateLimited || info.ResetTime <= now {
			continue
		}
		wait := time.Duration(info.ResetTime-now) * time.Millisecond
		if shortest < 0 || wait < shortest {
			shortest = wait
		}
	}
	return shortest
}

// clearAll performs the optimistic reset: drop every rate-limit record for
// these accounts, on the theory the tracked lockout view is stale.
func (s *Scheduler) clearAll(ctx context.Context, accounts []*redis.Account) {
	if s.accountStore == nil {
		return
	}
	utils.Warn("[Scheduler] clear_all: optimistic rate-limit reset across %d account(s)", len(accounts))
	for _, acc := range accounts {
		_ = s.accountStore.ClearRateLimits(ctx, acc.Email)
	}
}

// UnbindSession removes a session's sticky binding, e.g. when the bound
// account turns out rate-limited mid-request.
func (s *Scheduler) UnbindSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func findByEmail(accounts []*redis.Account, email string) *redis.Account {
	for _, a := range accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

func indexOf(accounts []*redis.Account, target *redis.Account) int {
	for i, a := range accounts {
		if a == target {
			return i
		}
	}
	return -1
}

// describeEligibility is a small debugging helper used by status endpoints.
func describeEligibility(acc *redis.Account) string {
	if acc.Eligible() {
		return "eligible"
	}
	if acc.Disabled {
		return fmt.Sprintf("disabled: %s", acc.DisabledReason)
	}
	if acc.ProxyDisabled {
		return fmt.Sprintf("proxy_disabled: %s", acc.ProxyDisabledReason)
	}
	return "missing refresh_token"
}

package account

import (
	"context"
	"testing"
	"time"

	"github.com/relaypool/cc-gateway/internal/config"
	"github.com/relaypool/cc-gateway/pkg/redis"
)

func newTestScheduler(mode config.SchedulingMode) *Scheduler {
	cfg := &config.Config{
		Scheduling:       config.SchedulingConfig{Mode: mode},
		AccountSelection: config.AccountSelectionConfig{EnableScoring: false},
	}
	return NewScheduler(nil, nil, cfg)
}

func eligibleAccount(email string, tier redis.Tier) *redis.Account {
	return &redis.Account{
		Email:        email,
		RefreshToken: "refresh-" + email,
		Subscription: &redis.SubscriptionInfo{Tier: string(tier)},
	}
}

func TestSortedEligible_FiltersAndOrders(t *testing.T) {
	accounts := []*redis.Account{
		eligibleAccount("free@x.com", redis.TierFree),
		{Email: "disabled@x.com", RefreshToken: "tok", Disabled: true},
		{Email: "proxy-disabled@x.com", RefreshToken: "tok", ProxyDisabled: true},
		{Email: "no-token@x.com"},
		eligibleAccount("pro@x.com", redis.TierPro),
		eligibleAccount("ultra@x.com", redis.TierUltra),
	}

	sorted := sortedEligible(accounts)
	if len(sorted) != 3 {
		t.Fatalf("expected 3 eligible accounts, got %d: %+v", len(sorted), sorted)
	}
	want := []string{"ultra@x.com", "pro@x.com", "free@x.com"}
	for i, email := range want {
		if sorted[i].Email != email {
			t.Errorf("position %d: want %s, got %s", i, email, sorted[i].Email)
		}
	}
}

func TestSortedEligible_OrdersByRemainingQuotaWithinTier(t *testing.T) {
	low := eligibleAccount("low@x.com", redis.TierPro)
	low.Quota = &redis.QuotaInfo{Models: map[string]*redis.ModelQuotaInfo{"m": {RemainingFraction: 0.1}}}
	high := eligibleAccount("high@x.com", redis.TierPro)
	high.Quota = &redis.QuotaInfo{Models: map[string]*redis.ModelQuotaInfo{"m": {RemainingFraction: 0.9}}}

	sorted := sortedEligible([]*redis.Account{low, high})
	if sorted[0].Email != "high@x.com" || sorted[1].Email != "low@x.com" {
		t.Fatalf("expected high-quota account first, got %+v", sorted)
	}
}

func TestSelectAccount_NoEligibleAccounts(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	accounts := []*redis.Account{{Email: "disabled@x.com", RefreshToken: "tok", Disabled: true}}

	_, err := s.SelectAccount(context.Background(), accounts, "claude-3-5-sonnet", SchedulerOptions{})
	if err == nil {
		t.Fatal("expected NoAccountsError, got nil")
	}
	var noAcct *NoAccountsError
	if !assertIsNoAccountsError(err, &noAcct) {
		t.Fatalf("expected *NoAccountsError, got %T: %v", err, err)
	}
	if noAcct.AllRateLimited {
		t.Error("no eligible accounts at all is not the all-rate-limited case")
	}
}

func assertIsNoAccountsError(err error, target **NoAccountsError) bool {
	e, ok := err.(*NoAccountsError)
	if ok {
		*target = e
	}
	return ok
}

func TestSelectAccount_RoundRobinAdvancesCursor(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	first, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{ForceRotate: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Account.Email == first.Account.Email {
		t.Errorf("expected round-robin to rotate away from %s, got it again", first.Account.Email)
	}
}

func TestSelectAccount_StickySessionBindsAndReuses(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	first, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 5; i++ {
		again, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{SessionID: "sess-1"})
		if err != nil {
			t.Fatalf("unexpected error on repeat %d: %v", i, err)
		}
		if again.Account.Email != first.Account.Email {
			t.Fatalf("sticky session drifted: first=%s, got=%s", first.Account.Email, again.Account.Email)
		}
	}
}

func TestSelectAccount_ForceRotateBypassesStickySession(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	first, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rotated, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{SessionID: "sess-1", ForceRotate: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rotated.Account.Email == first.Account.Email {
		t.Error("ForceRotate should bypass the sticky binding, but the same account was selected again")
	}
}

func TestSelectAccount_PerformanceFirstDisablesStickySession(t *testing.T) {
	s := newTestScheduler(config.SchedulingPerformanceFirst)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	first, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Account.Email == first.Account.Email {
		t.Error("PerformanceFirst mode must not honor sticky sessions, but selection repeated")
	}
}

func TestSelectAccount_AttemptedAccountsAreSkipped(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	result, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{
		ForceRotate: true,
		Attempted:   map[string]bool{"a@x.com": true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Account.Email != "b@x.com" {
		t.Errorf("expected the non-attempted account b@x.com, got %s", result.Account.Email)
	}
}

func TestSelectAccount_AllAttemptedReturnsNoAccountsError(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	accounts := []*redis.Account{a}

	_, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{
		ForceRotate: true,
		Attempted:   map[string]bool{"a@x.com": true},
	})
	if err == nil {
		t.Fatal("expected an error when every eligible account has already been attempted")
	}
	noAcct, ok := err.(*NoAccountsError)
	if !ok {
		t.Fatalf("expected *NoAccountsError, got %T", err)
	}
	if !noAcct.AllRateLimited {
		t.Error("exhausting every candidate via step 4 should report AllRateLimited")
	}
}

func TestSelectAccount_WindowAffinityReusesLastUsedAccount(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	first, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// No session, no force-rotate, no image request: window affinity should
	// reuse the account just used instead of advancing round-robin.
	second, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Account.Email != first.Account.Email {
		t.Errorf("expected window affinity to reuse %s, got %s", first.Account.Email, second.Account.Email)
	}
}

func TestSelectAccount_ImageRequestBypassesWindowAffinity(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	first, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{IsImageRequest: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Account.Email == first.Account.Email {
		t.Error("image requests should skip window affinity and round-robin to the other account")
	}
}

func TestSelectAccount_WindowAffinityExpires(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	_, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate the affinity window having elapsed.
	s.mu.Lock()
	s.lastUsedAt = time.Now().Add(-2 * windowAffinityTTL)
	s.mu.Unlock()

	second, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Account.Email != "b@x.com" {
		t.Errorf("expected round-robin to pick up b@x.com once affinity expired, got %s", second.Account.Email)
	}
}

func TestUnbindSession_RemovesStickyBinding(t *testing.T) {
	s := newTestScheduler(config.SchedulingBalance)
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	_, err := s.SelectAccount(context.Background(), accounts, "m", SchedulerOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.mu.Lock()
	_, bound := s.sessions["sess-1"]
	s.mu.Unlock()
	if !bound {
		t.Fatal("expected the session to be bound after selection")
	}

	s.UnbindSession("sess-1")

	s.mu.Lock()
	_, stillBound := s.sessions["sess-1"]
	s.mu.Unlock()
	if stillBound {
		t.Error("expected UnbindSession to remove the sticky binding")
	}
}

func TestFindByEmail(t *testing.T) {
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	if got := findByEmail(accounts, "b@x.com"); got != b {
		t.Errorf("expected to find b@x.com, got %+v", got)
	}
	if got := findByEmail(accounts, "missing@x.com"); got != nil {
		t.Errorf("expected nil for missing email, got %+v", got)
	}
}

func TestIndexOf(t *testing.T) {
	a := eligibleAccount("a@x.com", redis.TierPro)
	b := eligibleAccount("b@x.com", redis.TierPro)
	accounts := []*redis.Account{a, b}

	if idx := indexOf(accounts, b); idx != 1 {
		t.Errorf("expected index 1, got %d", idx)
	}
	if idx := indexOf(accounts, eligibleAccount("c@x.com", redis.TierPro)); idx != -1 {
		t.Errorf("expected -1 for an account not in the slice, got %d", idx)
	}
}

func TestDescribeEligibility(t *testing.T) {
	cases := []struct {
		name string
		acc  *redis.Account
		want string
	}{
		{"eligible", eligibleAccount("a@x.com", redis.TierPro), "eligible"},
		{"disabled", &redis.Account{RefreshToken: "t", Disabled: true, DisabledReason: "invalid_grant"}, "disabled: invalid_grant"},
		{"proxy disabled", &redis.Account{RefreshToken: "t", ProxyDisabled: true, ProxyDisabledReason: "manual"}, "proxy_disabled: manual"},
		{"missing token", &redis.Account{}, "missing refresh_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := describeEligibility(tc.acc); got != tc.want {
				t.Errorf("describeEligibility() = %q, want %q", got, tc.want)
			}
		})
	}
}

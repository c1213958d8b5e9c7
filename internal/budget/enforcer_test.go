package budget

import (
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/session"
)

func testSession(now time.Time) *session.Session {
	return &session.Session{
		ID:                 "s-1",
		AgentID:            "agent-1",
		Allowance:          1_000_000,
		AllowanceRemaining: 1_000_000,
		PerTxCap:           100_000,
		DailyCap:           500_000,
		DailyRemaining:     500_000,
		MonthlyCap:         2_000_000,
		MonthlyRemaining:   2_000_000,
		MaxRequests:        10,
		RequestsRemaining:  10,
		MaxConcurrentTasks: 3,
		AgentMaxPerHour:    5,
		AgentMaxPerDay:     20,
		ExpiresAt:          now.Add(time.Hour),
	}
}

func TestCheckAllowsWithinLimits(t *testing.T) {
	now := time.Now()
	if reason := Check(testSession(now), "agent-a", 50_000, now, Pending{}); reason != nil {
		t.Fatalf("expected pass, got %v", reason)
	}
}

func TestCheckNilSession(t *testing.T) {
	reason := Check(nil, "agent-a", 1, time.Now(), Pending{})
	if reason == nil || reason.Code != session.CodeSessionNotFound {
		t.Fatalf("expected session not found, got %v", reason)
	}
}

func TestCheckPausedBeforeEverything(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	sess.Paused = true
	sess.PauseReason = "manual hold"
	// Amount also violates the per-tx cap, but pause must win.
	reason := Check(sess, "agent-a", 999_999_999, now, Pending{})
	if reason == nil || reason.Code != session.CodeSessionPaused {
		t.Fatalf("expected paused, got %v", reason)
	}
}

func TestCheckExpired(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	sess.ExpiresAt = now.Add(-time.Minute)
	reason := Check(sess, "agent-a", 1, now, Pending{})
	if reason == nil || reason.Code != session.CodeSessionExpired {
		t.Fatalf("expected expired, got %v", reason)
	}
}

func TestCheckRejectsNonPositiveAmount(t *testing.T) {
	now := time.Now()
	for _, amount := range []int64{0, -5} {
		reason := Check(testSession(now), "agent-a", amount, now, Pending{})
		if reason == nil || reason.Code != xerrors.CodeInvalidArgument {
			t.Fatalf("amount %d: expected invalid argument, got %v", amount, reason)
		}
	}
}

func TestCheckPerTxCap(t *testing.T) {
	now := time.Now()
	reason := Check(testSession(now), "agent-a", 100_001, now, Pending{})
	if reason == nil || reason.Code != CodeTxCapExceeded {
		t.Fatalf("expected per-tx cap, got %v", reason)
	}
	if reason.Limit != 100_000 || reason.Current != 100_001 {
		t.Fatalf("unexpected limit metadata: %+v", reason)
	}
}

func TestCheckWhitelist(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	sess.Whitelist = []string{"agent-a", "agent-b"}

	if reason := Check(sess, "agent-b", 1_000, now, Pending{}); reason != nil {
		t.Fatalf("whitelisted agent rejected: %v", reason)
	}
	reason := Check(sess, "agent-x", 1_000, now, Pending{})
	if reason == nil || reason.Code != CodeAgentNotWhitelisted {
		t.Fatalf("expected whitelist rejection, got %v", reason)
	}
}

func TestCheckDailyBeforeMonthly(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	sess.DailyRemaining = 10_000
	sess.MonthlyRemaining = 5_000
	// Both would fail; the daily gate is checked first.
	reason := Check(sess, "agent-a", 50_000, now, Pending{})
	if reason == nil || reason.Code != CodeDailyBudgetExceeded {
		t.Fatalf("expected daily gate first, got %v", reason)
	}
}

func TestCheckMonthlyBudget(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	sess.MonthlyRemaining = 20_000
	reason := Check(sess, "agent-a", 50_000, now, Pending{})
	if reason == nil || reason.Code != CodeMonthlyBudgetExceeded {
		t.Fatalf("expected monthly gate, got %v", reason)
	}
}

func TestCheckAgentHourlyRate(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	for i := 0; i < sess.AgentMaxPerHour; i++ {
		sess.RecordAgentCall("agent-a", now.Add(-time.Duration(i)*time.Minute))
	}
	reason := Check(sess, "agent-a", 1_000, now, Pending{})
	if reason == nil || reason.Code != CodeAgentRateLimited {
		t.Fatalf("expected rate limit, got %v", reason)
	}
	// A different agent is unaffected.
	if reason := Check(sess, "agent-b", 1_000, now, Pending{}); reason != nil {
		t.Fatalf("unrelated agent blocked: %v", reason)
	}
}

func TestCheckAgentHourlyWindowSlides(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	for i := 0; i < sess.AgentMaxPerHour; i++ {
		sess.RecordAgentCall("agent-a", now)
	}
	// After an hour of silence the hourly count resets. The session must
	// outlive the window slide so only the rate gate is in play.
	sess.ExpiresAt = now.Add(2 * time.Hour)
	later := now.Add(61 * time.Minute)
	if reason := Check(sess, "agent-a", 1_000, later, Pending{}); reason != nil {
		t.Fatalf("expected pass after window slide, got %v", reason)
	}
}

func TestCheckConcurrency(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	reason := Check(sess, "agent-a", 1_000, now, Pending{Count: sess.MaxConcurrentTasks})
	if reason == nil || reason.Code != CodeConcurrencyExceeded {
		t.Fatalf("expected concurrency gate, got %v", reason)
	}
	if reason := Check(sess, "agent-a", 1_000, now, Pending{Count: sess.MaxConcurrentTasks - 1}); reason != nil {
		t.Fatalf("expected pass below concurrency limit, got %v", reason)
	}
}

func TestCheckPendingAmountReservesDailyBudget(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	sess.DailyRemaining = 100_000

	// 70k already signed but unsettled leaves only 30k of today's budget.
	reason := Check(sess, "agent-a", 50_000, now, Pending{Count: 1, Amount: 70_000})
	if reason == nil || reason.Code != CodeDailyBudgetExceeded {
		t.Fatalf("expected daily gate with pending reservation, got %v", reason)
	}
	if reason.Limit != 30_000 {
		t.Fatalf("expected available 30000, got %d", reason.Limit)
	}
	if reason := Check(sess, "agent-a", 30_000, now, Pending{Count: 1, Amount: 70_000}); reason != nil {
		t.Fatalf("expected pass within available budget, got %v", reason)
	}
}

func TestCheckPendingAmountReservesMonthlyBudget(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	sess.MonthlyRemaining = 60_000

	reason := Check(sess, "agent-a", 50_000, now, Pending{Count: 1, Amount: 40_000})
	if reason == nil || reason.Code != CodeMonthlyBudgetExceeded {
		t.Fatalf("expected monthly gate with pending reservation, got %v", reason)
	}
	if reason.Limit != 20_000 {
		t.Fatalf("expected available 20000, got %d", reason.Limit)
	}
}

func TestCheckRequestsExhausted(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	sess.RequestsRemaining = 0
	reason := Check(sess, "agent-a", 1_000, now, Pending{})
	if reason == nil || reason.Code != CodeRequestsExhausted {
		t.Fatalf("expected requests exhausted, got %v", reason)
	}
}

func TestCheckIsPure(t *testing.T) {
	now := time.Now()
	sess := testSession(now)
	before := *sess
	_ = Check(sess, "agent-a", 50_000, now, Pending{})
	_ = Check(sess, "agent-a", 999_999_999, now, Pending{})
	if sess.DailyRemaining != before.DailyRemaining ||
		sess.RequestsRemaining != before.RequestsRemaining ||
		sess.Nonce != before.Nonce {
		t.Fatal("check mutated the session")
	}
}

func TestLimitExceededErrCarriesMetadata(t *testing.T) {
	reason := &LimitExceeded{Code: CodeTxCapExceeded, Limit: 10, Current: 25, Message: "over"}
	err := reason.Err()
	meta := err.Metadata()
	if meta["limit"] != "10" || meta["current"] != "25" {
		t.Fatalf("unexpected metadata: %v", meta)
	}
	if xerrors.CodeOf(err) != CodeTxCapExceeded {
		t.Fatalf("unexpected code: %v", xerrors.CodeOf(err))
	}
}

package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/session"
)

func newTestLedger(t *testing.T) (*Ledger, *session.Registry, *session.Session) {
	t.Helper()
	registry := session.NewRegistry(session.NewMemoryStore(), session.Defaults{
		Duration:           time.Hour,
		Allowance:          1_000_000,
		PerTxCap:           100_000,
		DailyCap:           500_000,
		MonthlyCap:         2_000_000,
		MaxRequests:        10,
		MaxConcurrentTasks: 3,
		TaskTimeout:        time.Minute,
		AgentMaxPerHour:    60,
		AgentMaxPerDay:     500,
	})
	sess, err := registry.Create(context.Background(), "principal-1", "agent-1", session.Overrides{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return NewLedger(NewMemoryStore(), registry), registry, sess
}

func TestRecordPendingDoesNotDebit(t *testing.T) {
	ledger, registry, sess := newTestLedger(t)
	ctx := context.Background()

	record, err := ledger.RecordPending(ctx, sess, "agent-a", 40_000, "inference", "", sess.Nonce)
	if err != nil {
		t.Fatalf("record pending: %v", err)
	}
	if record.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}

	after, _ := registry.Get(ctx, sess.ID)
	if after.AllowanceRemaining != sess.AllowanceRemaining {
		t.Fatal("pending record must not touch the allowance")
	}
	if after.DailyRemaining != sess.DailyRemaining {
		t.Fatal("pending record must not touch the daily budget")
	}

	count, err := ledger.PendingCount(ctx, sess.ID)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pending, got %d", count)
	}
}

func TestReconcileCompletedDebitsOnce(t *testing.T) {
	ledger, registry, sess := newTestLedger(t)
	ctx := context.Background()

	record, err := ledger.RecordPending(ctx, sess, "agent-a", 40_000, "inference", "", sess.Nonce)
	if err != nil {
		t.Fatalf("record pending: %v", err)
	}

	meta := ReconcileMeta{ReceiptHash: "0xabc", BlockNumber: 12, Fee: "21000"}
	done, err := ledger.Reconcile(ctx, sess.ID, record.ID, StatusCompleted, meta)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if done.Status != StatusCompleted || done.ReceiptHash != "0xabc" || done.BlockNumber != 12 {
		t.Fatalf("terminal record not updated: %+v", done)
	}

	after, _ := registry.Get(ctx, sess.ID)
	if after.AllowanceRemaining != sess.AllowanceRemaining-40_000 {
		t.Fatalf("allowance not debited: %d", after.AllowanceRemaining)
	}
	if after.DailyRemaining != sess.DailyRemaining-40_000 {
		t.Fatalf("daily budget not debited: %d", after.DailyRemaining)
	}
	if after.MonthlyRemaining != sess.MonthlyRemaining-40_000 {
		t.Fatalf("monthly budget not debited: %d", after.MonthlyRemaining)
	}
	hour, day := after.AgentCallCounts("agent-a", registry.Now())
	if hour != 1 || day != 1 {
		t.Fatalf("agent call window not recorded: %d/%d", hour, day)
	}

	// Reconciling again is a no-op and must not debit a second time.
	again, err := ledger.Reconcile(ctx, sess.ID, record.ID, StatusCompleted, meta)
	if err != nil {
		t.Fatalf("idempotent reconcile: %v", err)
	}
	if again.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", again.Status)
	}
	final, _ := registry.Get(ctx, sess.ID)
	if final.AllowanceRemaining != after.AllowanceRemaining {
		t.Fatal("double debit on repeated reconcile")
	}
}

func TestReconcileFailedNeverDebits(t *testing.T) {
	ledger, registry, sess := newTestLedger(t)
	ctx := context.Background()

	record, err := ledger.RecordPending(ctx, sess, "agent-a", 40_000, "inference", "", sess.Nonce)
	if err != nil {
		t.Fatalf("record pending: %v", err)
	}
	failed, err := ledger.Reconcile(ctx, sess.ID, record.ID, StatusFailed, ReconcileMeta{ErrorMessage: "timeout"})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorMessage != "timeout" {
		t.Fatalf("unexpected record: %+v", failed)
	}

	after, _ := registry.Get(ctx, sess.ID)
	if after.AllowanceRemaining != sess.AllowanceRemaining {
		t.Fatal("failed settlement must not debit the allowance")
	}

	count, _ := ledger.PendingCount(ctx, sess.ID)
	if count != 0 {
		t.Fatalf("failed record still counted as pending: %d", count)
	}
}

func TestReconcileRejectsNonTerminalTarget(t *testing.T) {
	ledger, _, sess := newTestLedger(t)
	ctx := context.Background()

	record, _ := ledger.RecordPending(ctx, sess, "agent-a", 1_000, "inference", "", sess.Nonce)
	if _, err := ledger.Reconcile(ctx, sess.ID, record.ID, StatusPending, ReconcileMeta{}); err == nil {
		t.Fatal("expected error for non-terminal target status")
	}
	if _, err := ledger.Reconcile(ctx, sess.ID, record.ID, Status("bogus"), ReconcileMeta{}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestReconcileUnknownTransaction(t *testing.T) {
	ledger, _, sess := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Reconcile(ctx, sess.ID, "no-such-tx", StatusCompleted, ReconcileMeta{})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReconcileWrongSession(t *testing.T) {
	ledger, _, sess := newTestLedger(t)
	ctx := context.Background()

	record, _ := ledger.RecordPending(ctx, sess, "agent-a", 1_000, "inference", "", sess.Nonce)
	_, err := ledger.Reconcile(ctx, "other-session", record.ID, StatusCompleted, ReconcileMeta{})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found for mismatched session, got %v", err)
	}
}

func TestHistoryReturnsRecentInOrder(t *testing.T) {
	ledger, _, sess := newTestLedger(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		record, err := ledger.RecordPending(ctx, sess, "agent-a", int64(1000+i), "inference", "", uint64(i))
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		ids = append(ids, record.ID)
		time.Sleep(2 * time.Millisecond)
	}

	history, err := ledger.History(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 records, got %d", len(history))
	}
	// Most recent three, oldest first.
	for i, record := range history {
		if record.ID != ids[2+i] {
			t.Fatalf("unexpected order at %d: got %s want %s", i, record.ID, ids[2+i])
		}
	}
}

func TestOutstandingSumsPendingAmounts(t *testing.T) {
	ledger, _, sess := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.RecordPending(ctx, sess, "agent-a", 30_000, "inference", "", 0)
	if err != nil {
		t.Fatalf("record first: %v", err)
	}
	if _, err := ledger.RecordPending(ctx, sess, "agent-a", 20_000, "inference", "", 1); err != nil {
		t.Fatalf("record second: %v", err)
	}

	pending, err := ledger.Outstanding(ctx, sess.ID)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if pending.Count != 2 || pending.Amount != 50_000 {
		t.Fatalf("unexpected outstanding: %+v", pending)
	}

	// Settled records drop out of the reservation.
	if _, err := ledger.Reconcile(ctx, sess.ID, first.ID, StatusCompleted, ReconcileMeta{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	pending, err = ledger.Outstanding(ctx, sess.ID)
	if err != nil {
		t.Fatalf("outstanding after settle: %v", err)
	}
	if pending.Count != 1 || pending.Amount != 20_000 {
		t.Fatalf("unexpected outstanding after settle: %+v", pending)
	}
}

// flakySessionStore 让前 failSaves 次 Save 失败，用于模拟余额扣减落库失败。
type flakySessionStore struct {
	session.Store
	failSaves int
}

func (f *flakySessionStore) Save(ctx context.Context, sess *session.Session) error {
	if f.failSaves > 0 {
		f.failSaves--
		return xerrors.New(xerrors.CodeStorageFailure, "save unavailable")
	}
	return f.Store.Save(ctx, sess)
}

func TestReconcileDebitFailureKeepsRecordPending(t *testing.T) {
	store := &flakySessionStore{Store: session.NewMemoryStore()}
	registry := session.NewRegistry(store, session.Defaults{
		Duration:           time.Hour,
		Allowance:          1_000_000,
		PerTxCap:           100_000,
		DailyCap:           500_000,
		MonthlyCap:         2_000_000,
		MaxRequests:        10,
		MaxConcurrentTasks: 3,
		TaskTimeout:        time.Minute,
	})
	ctx := context.Background()
	sess, err := registry.Create(ctx, "principal-1", "agent-1", session.Overrides{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	ledger := NewLedger(NewMemoryStore(), registry)

	record, err := ledger.RecordPending(ctx, sess, "agent-a", 40_000, "inference", "", sess.Nonce)
	if err != nil {
		t.Fatalf("record pending: %v", err)
	}

	store.failSaves = 1
	if _, err := ledger.Reconcile(ctx, sess.ID, record.ID, StatusCompleted, ReconcileMeta{}); err == nil {
		t.Fatal("expected reconcile to surface the debit failure")
	}

	// 扣账失败时状态回到 pending，余额保持不变。
	stuck, err := ledger.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stuck.Status != StatusPending {
		t.Fatalf("record left in %s after failed debit", stuck.Status)
	}
	after, _ := registry.Get(ctx, sess.ID)
	if after.AllowanceRemaining != sess.AllowanceRemaining {
		t.Fatal("failed debit changed the allowance")
	}

	// 重试成功后恰好扣减一次。
	done, err := ledger.Reconcile(ctx, sess.ID, record.ID, StatusCompleted, ReconcileMeta{})
	if err != nil {
		t.Fatalf("retry reconcile: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	after, _ = registry.Get(ctx, sess.ID)
	if after.AllowanceRemaining != sess.AllowanceRemaining-40_000 {
		t.Fatalf("allowance not debited exactly once: %d", after.AllowanceRemaining)
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Fatal("pending must not be terminal")
	}
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !status.Terminal() {
			t.Fatalf("%s must be terminal", status)
		}
	}
	if IsValidStatus(Status("bogus")) {
		t.Fatal("bogus status accepted")
	}
}

package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/speakle/rewards/pkg/points"
)

var fixedNow = time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)

func mustUserID(test *testing.T, raw string) points.UserID {
	test.Helper()
	userID, err := points.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestWithTxDiscardsWritesOnError(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "user-1")
	errAbort := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, transactionStore points.Store) error {
		if _, err := transactionStore.LockAccount(ctx, userID, fixedNow); err != nil {
			return err
		}
		if _, err := transactionStore.InsertLedgerEntry(ctx, points.LedgerEntry{UserID: userID, Source: points.SourceBlank, Delta: 5, OccurredAt: fixedNow}); err != nil {
			return err
		}
		sum, err := transactionStore.SumLedger(ctx, userID)
		if err != nil || sum != 5 {
			test.Fatalf("staged ledger not visible inside tx: %v %d", err, sum)
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		test.Fatalf("expected abort error, got %v", err)
	}
	if _, err := store.GetAccount(context.Background(), userID); !errors.Is(err, points.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount after rollback, got %v", err)
	}
	if sum, _ := store.SumLedger(context.Background(), userID); sum != 0 {
		test.Fatalf("expected empty ledger after rollback, got %d", sum)
	}
}

func TestSaveAccountRejectsInconsistentTier(test *testing.T) {
	test.Parallel()
	account := points.NewAccount(mustUserID(test, "user-1"), fixedNow)
	account.Balance = 150
	if err := New().SaveAccount(context.Background(), account); !errors.Is(err, points.ErrInvalidTier) {
		test.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestCommitRejectsConcurrentDuplicateAttendance(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustUserID(test, "user-1")
	date := points.NewCalendarDate(2024, time.April, 1)
	record := points.AttendanceRecord{RecordID: "a", UserID: userID, Date: date, CheckedInAt: fixedNow, StreakCount: 1, PointsEarned: 10, Source: "app"}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithTx(context.Background(), func(ctx context.Context, transactionStore points.Store) error {
			if err := transactionStore.InsertAttendance(ctx, record); err != nil {
				return err
			}
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	second := record
	second.RecordID = "b"
	if err := store.InsertAttendance(context.Background(), second); err != nil {
		test.Fatalf("first commit: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, points.ErrDuplicateCheckIn) {
		test.Fatalf("expected ErrDuplicateCheckIn, got %v", err)
	}
	latest, err := store.LatestAttendance(context.Background(), userID)
	if err != nil || latest.RecordID != "b" {
		test.Fatalf("unexpected latest record %+v %v", latest, err)
	}
}

func TestListingsAreOrdered(test *testing.T) {
	test.Parallel()
	store := New()
	ctx := context.Background()
	for _, raw := range []string{"carol", "alice", "bob"} {
		if _, err := store.LockAccount(ctx, mustUserID(test, raw), fixedNow); err != nil {
			test.Fatalf("lock %s: %v", raw, err)
		}
	}
	accounts, err := store.ListAccounts(ctx, "alice", 10)
	if err != nil {
		test.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 2 || accounts[0].UserID.String() != "bob" || accounts[1].UserID.String() != "carol" {
		test.Fatalf("unexpected accounts %+v", accounts)
	}

	userID := mustUserID(test, "alice")
	for delta := points.Points(1); delta <= 4; delta++ {
		if _, err := store.InsertLedgerEntry(ctx, points.LedgerEntry{UserID: userID, Source: points.SourceBlank, Delta: delta, OccurredAt: fixedNow}); err != nil {
			test.Fatalf("insert: %v", err)
		}
	}
	entries, err := store.ListLedgerEntries(ctx, userID, 4, 2)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 3 || entries[1].ID != 2 {
		test.Fatalf("unexpected page %+v", entries)
	}

	for offset := 0; offset < 3; offset++ {
		record := points.AttendanceRecord{RecordID: string(rune('x' + offset)), UserID: userID, Date: points.NewCalendarDate(2024, time.March, 28+offset), StreakCount: offset + 1}
		if err := store.InsertAttendance(ctx, record); err != nil {
			test.Fatalf("insert attendance: %v", err)
		}
	}
	since, err := store.AttendanceSince(ctx, userID, points.NewCalendarDate(2024, time.March, 29))
	if err != nil {
		test.Fatalf("attendance since: %v", err)
	}
	if len(since) != 2 || since[0].StreakCount != 3 {
		test.Fatalf("expected newest first, got %+v", since)
	}
}

package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/speakle/rewards/pkg/points"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var storeTestNow = time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

func newSQLiteStore(test *testing.T) (*Store, *gorm.DB) {
	test.Helper()
	path := filepath.Join(test.TempDir(), "points.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db, WithLockTimeout(time.Second)), db
}

func mustUserID(test *testing.T, raw string) points.UserID {
	test.Helper()
	userID, err := points.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustEngine(test *testing.T, store points.Store) *points.Engine {
	test.Helper()
	engine, err := points.NewEngine(store, func() time.Time { return storeTestNow }, points.EngineConfig{})
	if err != nil {
		test.Fatalf("engine: %v", err)
	}
	return engine
}

func TestLockAccountCreatesOnce(test *testing.T) {
	test.Parallel()
	store, _ := newSQLiteStore(test)
	userID := mustUserID(test, "user-1")
	ctx := context.Background()

	for attempt := 0; attempt < 2; attempt++ {
		err := store.WithTx(ctx, func(ctx context.Context, transactionStore points.Store) error {
			account, err := transactionStore.LockAccount(ctx, userID, storeTestNow)
			if err != nil {
				return err
			}
			if account.Balance != 0 || account.Tier != points.TierBronze {
				test.Errorf("unexpected account %+v", account)
			}
			return nil
		})
		if err != nil {
			test.Fatalf("lock account: %v", err)
		}
	}
	accounts, err := store.ListAccounts(ctx, "", 10)
	if err != nil || len(accounts) != 1 {
		test.Fatalf("expected one account, got %d err %v", len(accounts), err)
	}
}

func TestSaveAccountRejectsInconsistentTier(test *testing.T) {
	test.Parallel()
	store, _ := newSQLiteStore(test)
	account := points.NewAccount(mustUserID(test, "user-1"), storeTestNow)
	account.Balance = 120
	err := store.SaveAccount(context.Background(), account)
	if !errors.Is(err, points.ErrInvalidTier) {
		test.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestGetAccountUnknown(test *testing.T) {
	test.Parallel()
	store, _ := newSQLiteStore(test)
	_, err := store.GetAccount(context.Background(), mustUserID(test, "ghost"))
	if !errors.Is(err, points.ErrUnknownAccount) || points.Classify(err) != points.KindNotFound {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestEngineOverSQLite(test *testing.T) {
	test.Parallel()
	store, _ := newSQLiteStore(test)
	engine := mustEngine(test, store)
	userID := mustUserID(test, "user-1")
	ctx := context.Background()
	reference, err := points.NewReference("quiz", "q-1")
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	metadata, err := points.NewMetadataJSON(`{"score":9}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}

	if _, err := engine.Apply(ctx, points.AccrualCommand{UserID: userID, Delta: 80, Source: points.SourceDictation, Reference: reference, Metadata: metadata}); err != nil {
		test.Fatalf("apply: %v", err)
	}
	account, err := engine.Apply(ctx, points.AccrualCommand{UserID: userID, Delta: 40, Source: points.SourceSpeaking})
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if account.Balance != 120 || account.Tier != points.TierGold {
		test.Fatalf("unexpected account %+v", account)
	}

	stored, err := store.GetAccount(ctx, userID)
	if err != nil || stored.Balance != 120 || stored.Tier != points.TierGold {
		test.Fatalf("unexpected stored account %+v err %v", stored, err)
	}
	sum, err := store.SumLedger(ctx, userID)
	if err != nil || sum != 120 {
		test.Fatalf("unexpected ledger sum %d err %v", sum, err)
	}
	entries, err := store.ListLedgerEntries(ctx, userID, 0, 10)
	if err != nil || len(entries) != 2 {
		test.Fatalf("unexpected entries %+v err %v", entries, err)
	}
	oldest := entries[1]
	if oldest.Reference != reference || oldest.Source != points.SourceDictation || oldest.Metadata.String() != `{"score":9}` {
		test.Fatalf("unexpected oldest entry %+v", oldest)
	}
	if !entries[0].Reference.IsZero() || entries[0].Metadata.String() != "{}" {
		test.Fatalf("unexpected newest entry %+v", entries[0])
	}
	older, err := store.ListLedgerEntries(ctx, userID, entries[0].ID, 10)
	if err != nil || len(older) != 1 || older[0].ID != oldest.ID {
		test.Fatalf("unexpected page %+v err %v", older, err)
	}
}

type failingSaveStore struct {
	*Store
}

func (store *failingSaveStore) WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore points.Store) error) error {
	return store.Store.WithTx(ctx, func(ctx context.Context, transactionStore points.Store) error {
		return fn(ctx, &failingSaveStore{Store: transactionStore.(*Store)})
	})
}

func (store *failingSaveStore) SaveAccount(context.Context, points.Account) error {
	return points.PersistenceError(errors.New("disk full"))
}

func TestFailedSaveRollsBackLedgerRow(test *testing.T) {
	test.Parallel()
	store, _ := newSQLiteStore(test)
	engine := mustEngine(test, &failingSaveStore{Store: store})
	userID := mustUserID(test, "user-1")

	_, err := engine.Apply(context.Background(), points.AccrualCommand{UserID: userID, Delta: 10, Source: points.SourceBlank})
	if !errors.Is(err, points.ErrPersistence) {
		test.Fatalf("expected persistence error, got %v", err)
	}
	entries, err := store.ListLedgerEntries(context.Background(), userID, 0, 10)
	if err != nil || len(entries) != 0 {
		test.Fatalf("expected rollback, got %d entries err %v", len(entries), err)
	}
}

func TestAttendanceOverSQLite(test *testing.T) {
	test.Parallel()
	store, _ := newSQLiteStore(test)
	userID := mustUserID(test, "user-1")
	ctx := context.Background()
	today := points.DateIn(storeTestNow, time.UTC)

	if _, err := store.LatestAttendance(ctx, userID); !errors.Is(err, points.ErrNoAttendance) {
		test.Fatalf("expected ErrNoAttendance, got %v", err)
	}
	for offset, streak := range []int{3, 2, 1} {
		record := points.AttendanceRecord{
			RecordID:     "",
			UserID:       userID,
			Date:         today.AddDays(-offset),
			CheckedInAt:  storeTestNow,
			StreakCount:  streak,
			PointsEarned: 10,
			Source:       "app",
		}
		if err := store.InsertAttendance(ctx, record); err != nil {
			test.Fatalf("insert %d: %v", offset, err)
		}
	}
	duplicate := points.AttendanceRecord{UserID: userID, Date: today, CheckedInAt: storeTestNow, StreakCount: 4, Source: "app"}
	err := store.InsertAttendance(ctx, duplicate)
	if !errors.Is(err, points.ErrDuplicateCheckIn) || points.Classify(err) != points.KindConflict {
		test.Fatalf("expected ErrDuplicateCheckIn, got %v", err)
	}

	exists, err := store.AttendanceExists(ctx, userID, today)
	if err != nil || !exists {
		test.Fatalf("expected record for today, exists %v err %v", exists, err)
	}
	latest, err := store.LatestAttendance(ctx, userID)
	if err != nil || !latest.Date.Equal(today) || latest.StreakCount != 3 {
		test.Fatalf("unexpected latest %+v err %v", latest, err)
	}
	since, err := store.AttendanceSince(ctx, userID, today.AddDays(-1))
	if err != nil || len(since) != 2 || !since[0].Date.Equal(today) {
		test.Fatalf("unexpected window %+v err %v", since, err)
	}
}

func TestCheckInOverSQLite(test *testing.T) {
	test.Parallel()
	store, _ := newSQLiteStore(test)
	engine := mustEngine(test, store)
	service, err := points.NewAttendanceService(engine, points.AttendanceConfig{Policy: points.RewardPolicy{BaseReward: 10, StreakBonusEvery: 7, StreakBonusAmount: 5}})
	if err != nil {
		test.Fatalf("attendance: %v", err)
	}
	userID := mustUserID(test, "user-1")

	result, err := service.CheckIn(context.Background(), points.CheckInRequest{UserID: userID})
	if err != nil {
		test.Fatalf("check-in: %v", err)
	}
	if result.Account.Balance != 10 || result.Record.StreakCount != 1 {
		test.Fatalf("unexpected result %+v", result)
	}
	if _, err := service.CheckIn(context.Background(), points.CheckInRequest{UserID: userID}); !errors.Is(err, points.ErrAlreadyCheckedIn) {
		test.Fatalf("expected ErrAlreadyCheckedIn, got %v", err)
	}
	verification, err := engine.VerifyAccount(context.Background(), userID)
	if err != nil || !verification.Consistent() {
		test.Fatalf("unexpected verification %+v err %v", verification, err)
	}
}

func TestAttendanceConflictOnlyForDuplicates(test *testing.T) {
	test.Parallel()
	_, db := newSQLiteStore(test)
	const insert = "INSERT INTO attendance_records (record_id, user_id, attendance_date, checked_in_at, streak_count, points_earned, source, note) VALUES (?, ?, ?, ?, 1, 10, 'app', '')"
	if err := db.Exec(insert, "rec-1", "user-1", "2024-03-10", storeTestNow).Error; err != nil {
		test.Fatalf("seed attendance: %v", err)
	}

	testCases := []struct {
		name     string
		recordID string
		userID   any
		date     string
		conflict bool
	}{
		{name: "same user and day", recordID: "rec-2", userID: "user-1", date: "2024-03-10", conflict: true},
		{name: "same record id", recordID: "rec-1", userID: "user-2", date: "2024-03-11", conflict: true},
		{name: "missing user", recordID: "rec-3", userID: nil, date: "2024-03-12", conflict: false},
	}
	for _, testCase := range testCases {
		err := db.Exec(insert, testCase.recordID, testCase.userID, testCase.date, storeTestNow).Error
		if err == nil {
			test.Fatalf("%s: expected constraint failure", testCase.name)
		}
		if got := isAttendanceConflict(err); got != testCase.conflict {
			test.Fatalf("%s: isAttendanceConflict = %t, want %t (%v)", testCase.name, got, testCase.conflict, err)
		}
	}
}

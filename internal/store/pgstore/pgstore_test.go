package pgstore

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/speakle/rewards/pkg/points"
)

const testDatabaseURLEnv = "POINTSD_TEST_DATABASE_URL"

type fakeRow struct {
	values []any
	err    error
}

func (row fakeRow) Scan(dest ...any) error {
	if row.err != nil {
		return row.err
	}
	for index := range dest {
		reflect.ValueOf(dest[index]).Elem().Set(reflect.ValueOf(row.values[index]))
	}
	return nil
}

type fakeQueryer struct {
	execErr error
	row     fakeRow
	execs   []string
}

func (fake *fakeQueryer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	fake.execs = append(fake.execs, sql)
	return pgconn.CommandTag{}, fake.execErr
}

func (fake *fakeQueryer) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (fake *fakeQueryer) QueryRow(context.Context, string, ...any) pgx.Row {
	return fake.row
}

func mustUserID(test *testing.T, raw string) points.UserID {
	test.Helper()
	userID, err := points.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestWrapStoreErrorClassifiesDriverFailures(test *testing.T) {
	test.Parallel()
	lockErr := wrapStoreError(errorSubjectAccount, errorCodeLock, &pgconn.PgError{Code: pgLockNotAvailableCode})
	if !errors.Is(lockErr, points.ErrAccountLockTimeout) || !points.Retryable(lockErr) {
		test.Fatalf("expected retryable lock timeout, got %v", lockErr)
	}
	otherErr := wrapStoreError(errorSubjectAccount, errorCodeLock, errors.New("connection reset"))
	if !errors.Is(otherErr, points.ErrPersistence) || points.Classify(otherErr) != points.KindFatal {
		test.Fatalf("expected fatal persistence error, got %v", otherErr)
	}
}

func TestInsertAttendanceMapsUniqueViolation(test *testing.T) {
	test.Parallel()
	fake := &fakeQueryer{execErr: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintAttendanceUserDate}}
	store := queries{db: fake}
	record := points.AttendanceRecord{RecordID: "r-1", UserID: mustUserID(test, "user-1"), Date: points.NewCalendarDate(2024, time.March, 10)}
	err := store.InsertAttendance(context.Background(), record)
	if !errors.Is(err, points.ErrDuplicateCheckIn) {
		test.Fatalf("expected ErrDuplicateCheckIn, got %v", err)
	}
	fake.execErr = &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "points_accounts_pkey"}
	if err := store.InsertAttendance(context.Background(), record); !errors.Is(err, points.ErrPersistence) {
		test.Fatalf("expected unrelated constraint to be a persistence error, got %v", err)
	}
}

func TestQueriesMapMissingRows(test *testing.T) {
	test.Parallel()
	store := queries{db: &fakeQueryer{row: fakeRow{err: pgx.ErrNoRows}}}
	userID := mustUserID(test, "user-1")
	if _, err := store.GetAccount(context.Background(), userID); !errors.Is(err, points.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if _, err := store.LatestAttendance(context.Background(), userID); !errors.Is(err, points.ErrNoAttendance) {
		test.Fatalf("expected ErrNoAttendance, got %v", err)
	}
}

func TestQueriesScanRows(test *testing.T) {
	test.Parallel()
	updatedAt := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	store := queries{db: &fakeQueryer{row: fakeRow{values: []any{"user-1", int64(150), "GOLD", updatedAt, updatedAt}}}}
	account, err := store.GetAccount(context.Background(), mustUserID(test, "user-1"))
	if err != nil || account.Balance != 150 || account.Tier != points.TierGold {
		test.Fatalf("unexpected account %+v err %v", account, err)
	}

	corrupt := queries{db: &fakeQueryer{row: fakeRow{values: []any{"user-1", int64(150), "DIAMOND", updatedAt, updatedAt}}}}
	if _, err := corrupt.GetAccount(context.Background(), mustUserID(test, "user-1")); !errors.Is(err, points.ErrInvalidTier) {
		test.Fatalf("expected ErrInvalidTier, got %v", err)
	}

	exists := queries{db: &fakeQueryer{row: fakeRow{values: []any{true}}}}
	found, err := exists.AttendanceExists(context.Background(), mustUserID(test, "user-1"), points.NewCalendarDate(2024, time.March, 10))
	if err != nil || !found {
		test.Fatalf("expected existing attendance, got %v err %v", found, err)
	}
}

func TestSaveAccountRejectsInconsistentTier(test *testing.T) {
	test.Parallel()
	fake := &fakeQueryer{}
	account := points.NewAccount(mustUserID(test, "user-1"), time.Now())
	account.Balance = 75
	if err := (queries{db: fake}).SaveAccount(context.Background(), account); !errors.Is(err, points.ErrInvalidTier) {
		test.Fatalf("expected ErrInvalidTier, got %v", err)
	}
	if len(fake.execs) != 0 {
		test.Fatalf("inconsistent account must not reach the database")
	}
}

func TestEngineOverPostgres(test *testing.T) {
	databaseURL := os.Getenv(testDatabaseURLEnv)
	if databaseURL == "" {
		test.Skipf("%s not set", testDatabaseURLEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if err := EnsureSchema(ctx, pool); err != nil {
		test.Fatalf("schema: %v", err)
	}
	store := New(pool, WithLockTimeout(2*time.Second))
	engine, err := points.NewEngine(store, func() time.Time { return time.Now().UTC() }, points.EngineConfig{})
	if err != nil {
		test.Fatalf("engine: %v", err)
	}
	userID := mustUserID(test, "pgstore-test-"+time.Now().Format("20060102150405.000000000"))

	for _, delta := range []points.Points{40, 30, -20} {
		if _, err := engine.Apply(ctx, points.AccrualCommand{UserID: userID, Delta: delta, Source: points.SourceSpeaking}); err != nil {
			test.Fatalf("apply %d: %v", delta, err)
		}
	}
	verification, err := engine.VerifyAccount(ctx, userID)
	if err != nil || !verification.Consistent() || verification.Balance != 50 || verification.Tier != points.TierSilver {
		test.Fatalf("unexpected verification %+v err %v", verification, err)
	}
	entries, err := engine.LedgerEntries(ctx, userID, 0, 2)
	if err != nil || len(entries) != 2 || entries[0].Delta != -20 {
		test.Fatalf("unexpected entries %+v err %v", entries, err)
	}
}

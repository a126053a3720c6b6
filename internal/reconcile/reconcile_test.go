package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/speakle/rewards/internal/store/memstore"
	"github.com/speakle/rewards/pkg/points"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var fixedNow = time.Date(2024, time.July, 1, 10, 0, 0, 0, time.UTC)

// tamperedStore inflates one user's stored balance to simulate an out-of-band write.
type tamperedStore struct {
	*memstore.Store
	target string
}

func (store *tamperedStore) WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore points.Store) error) error {
	return store.Store.WithTx(ctx, func(ctx context.Context, transactionStore points.Store) error {
		return fn(ctx, &tamperedStore{Store: transactionStore.(*memstore.Store), target: store.target})
	})
}

func (store *tamperedStore) LockAccount(ctx context.Context, userID points.UserID, now time.Time) (points.Account, error) {
	account, err := store.Store.LockAccount(ctx, userID, now)
	if err == nil && userID.String() == store.target {
		account.Balance += 5
	}
	return account, err
}

func mustEngine(test *testing.T, store points.Store) *points.Engine {
	test.Helper()
	engine, err := points.NewEngine(store, func() time.Time { return fixedNow }, points.EngineConfig{})
	if err != nil {
		test.Fatalf("engine init failed: %v", err)
	}
	return engine
}

func seed(test *testing.T, engine *points.Engine, users int) {
	test.Helper()
	for index := 0; index < users; index++ {
		userID, err := points.NewUserID(fmt.Sprintf("user-%02d", index))
		if err != nil {
			test.Fatalf("user id: %v", err)
		}
		for _, delta := range []points.Points{30, 25, -10} {
			if _, err := engine.Apply(context.Background(), points.AccrualCommand{UserID: userID, Delta: delta, Source: points.SourceDictation}); err != nil {
				test.Fatalf("apply: %v", err)
			}
		}
	}
}

func TestNewRejectsMissingEngine(test *testing.T) {
	test.Parallel()
	if _, err := New(nil, nil); !errors.Is(err, points.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestRunReportsNoDriftAcrossPages(test *testing.T) {
	test.Parallel()
	engine := mustEngine(test, memstore.New())
	seed(test, engine, 7)
	reconciler, err := New(engine, zap.NewNop(), WithPageSize(3))
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}
	report, err := reconciler.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Checked != 7 || report.Skipped != 0 || len(report.Drifted) != 0 {
		test.Fatalf("unexpected report %+v", report)
	}
}

func TestRunReportsTamperedAccount(test *testing.T) {
	test.Parallel()
	store := &tamperedStore{Store: memstore.New(), target: "user-01"}
	seed(test, mustEngine(test, store.Store), 3)

	core, logs := observer.New(zapcore.InfoLevel)
	reconciler, err := New(mustEngine(test, store), zap.New(core), WithPageSize(2))
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}
	report, err := reconciler.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Checked != 3 || len(report.Drifted) != 1 {
		test.Fatalf("unexpected report %+v", report)
	}
	drift := report.Drifted[0]
	if drift.UserID.String() != "user-01" || drift.Balance != 50 || drift.LedgerSum != 45 {
		test.Fatalf("unexpected drift %+v", drift)
	}
	if logs.FilterMessage("ledger drift detected").Len() != 1 {
		test.Fatalf("expected one drift log, got %d", logs.FilterMessage("ledger drift detected").Len())
	}
}

func TestServeRunsOnSchedule(test *testing.T) {
	test.Parallel()
	engine := mustEngine(test, memstore.New())
	seed(test, engine, 2)
	core, logs := observer.New(zapcore.InfoLevel)
	reconciler, err := New(engine, zap.New(core))
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}
	if err := reconciler.Serve(context.Background(), 0); !errors.Is(err, ErrInvalidInterval) {
		test.Fatalf("expected ErrInvalidInterval, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reconciler.Serve(ctx, 20*time.Millisecond) }()

	deadline := time.Now().Add(5 * time.Second)
	for logs.FilterMessage("reconcile completed").Len() < 2 {
		if time.Now().After(deadline) {
			cancel()
			test.Fatalf("scheduler did not run twice")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		test.Fatalf("serve: %v", err)
	}
	entry := logs.FilterMessage("reconcile completed").All()[0]
	if entry.ContextMap()["checked"] != int64(2) {
		test.Fatalf("unexpected log fields %v", entry.ContextMap())
	}
}

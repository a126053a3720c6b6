package points

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// EngineConfig tunes the accrual engine.
type EngineConfig struct {
	LockTimeout  time.Duration
	BalanceFloor BalanceFloor
}

// Validate applies defaults and rejects unusable settings.
func (config *EngineConfig) Validate() error {
	if config.LockTimeout < 0 {
		return fmt.Errorf("%w: lock timeout must not be negative", ErrInvalidServiceConfig)
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = defaultLockTimeout
	}
	floor, err := ParseBalanceFloor(string(config.BalanceFloor))
	if err != nil {
		return err
	}
	config.BalanceFloor = floor
	return nil
}

// AccrualCommand is one balance mutation request.
type AccrualCommand struct {
	UserID    UserID
	Delta     Points
	Source    Source
	Reference Reference
	Metadata  MetadataJSON
}

// Verification compares an account row with its ledger.
type Verification struct {
	UserID       UserID
	Balance      Points
	LedgerSum    Points
	Tier         Tier
	ExpectedTier Tier
}

// Consistent reports whether the balance equals the ledger sum and the tier matches it.
func (verification Verification) Consistent() bool {
	return verification.Balance == verification.LedgerSum && verification.Tier == verification.ExpectedTier
}

// Engine is the only writer of account balances and tiers.
type Engine struct {
	store  Store
	nowFn  func() time.Time
	config EngineConfig
	locks  *accountLocks
	logger OperationLogger
	cache  AccountCache
}

// NewEngine wires an Engine.
func NewEngine(store Store, now func() time.Time, config EngineConfig, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	engine := &Engine{store: store, nowFn: now, config: config, locks: newAccountLocks()}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Apply records one delta in the ledger and updates the account balance and tier atomically.
func (engine *Engine) Apply(ctx context.Context, command AccrualCommand) (Account, error) {
	var account Account
	operationError := validateCommand(command)
	if operationError == nil {
		account, operationError = engine.lockedTx(ctx, command.UserID, func(ctx context.Context, transactionStore Store) (Account, error) {
			return engine.accrue(ctx, transactionStore, command, engine.nowFn())
		})
	}
	engine.logOperation(ctx, OperationLog{
		Operation: operationApply,
		UserID:    command.UserID,
		Source:    command.Source,
		Delta:     command.Delta,
		Balance:   account.Balance,
		Tier:      account.Tier,
		Reference: command.Reference,
		Error:     operationError,
	})
	return account, operationError
}

// Account returns a possibly stale snapshot without locking. Users without an account get a zero snapshot.
func (engine *Engine) Account(ctx context.Context, userID UserID) (Account, error) {
	if userID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if engine.cache != nil {
		if account, ok := engine.cache.Get(ctx, userID); ok {
			return account, nil
		}
	}
	account, err := engine.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrUnknownAccount) {
		return NewAccount(userID, time.Time{}), nil
	}
	if err != nil {
		return Account{}, err
	}
	// The cache is only filled under the account lock; an unlocked Put could replace a newer snapshot.
	return account, nil
}

// LedgerEntries pages a user's ledger by descending id. beforeID 0 starts from the newest entry.
func (engine *Engine) LedgerEntries(ctx context.Context, userID UserID, beforeID int64, limit int) ([]LedgerEntry, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if beforeID < 0 {
		return nil, fmt.Errorf("%w: before id must not be negative", ErrInvalidPageLimit)
	}
	normalizedLimit, err := normalizePageLimit(limit)
	if err != nil {
		return nil, err
	}
	return engine.store.ListLedgerEntries(ctx, userID, beforeID, normalizedLimit)
}

// AccountPage lists accounts ordered by user id, starting after afterUserID.
func (engine *Engine) AccountPage(ctx context.Context, afterUserID string, limit int) ([]Account, error) {
	normalizedLimit, err := normalizePageLimit(limit)
	if err != nil {
		return nil, err
	}
	return engine.store.ListAccounts(ctx, afterUserID, normalizedLimit)
}

// VerifyAccount compares the stored balance and tier with the ledger while holding the account lock.
func (engine *Engine) VerifyAccount(ctx context.Context, userID UserID) (Verification, error) {
	if userID.IsZero() {
		return Verification{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	var verification Verification
	operationError := engine.withAccountLock(ctx, userID, func(ctx context.Context) error {
		return engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			// Read first so verification never creates an account.
			if _, err := transactionStore.GetAccount(ctx, userID); err != nil {
				return err
			}
			account, err := transactionStore.LockAccount(ctx, userID, engine.nowFn())
			if err != nil {
				return err
			}
			sum, err := transactionStore.SumLedger(ctx, userID)
			if err != nil {
				return err
			}
			verification = Verification{
				UserID:       userID,
				Balance:      account.Balance,
				LedgerSum:    sum,
				Tier:         account.Tier,
				ExpectedTier: TierOf(account.Balance),
			}
			return nil
		})
	})
	if operationError == nil && !verification.Consistent() {
		engine.logOperation(ctx, OperationLog{
			Operation: operationVerify,
			UserID:    userID,
			Balance:   verification.Balance,
			Tier:      verification.Tier,
			Status:    operationStatusDrift,
		})
	}
	return verification, operationError
}

// lockedTx runs fn in one store transaction while holding the user's lock and refreshes the cache on commit.
func (engine *Engine) lockedTx(ctx context.Context, userID UserID, fn func(ctx context.Context, transactionStore Store) (Account, error)) (Account, error) {
	var account Account
	err := engine.withAccountLock(ctx, userID, func(ctx context.Context) error {
		txErr := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			updated, err := fn(ctx, transactionStore)
			if err != nil {
				return err
			}
			account = updated
			return nil
		})
		if txErr != nil {
			return txErr
		}
		if engine.cache != nil {
			engine.cache.Put(ctx, account)
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (engine *Engine) withAccountLock(ctx context.Context, userID UserID, fn func(ctx context.Context) error) error {
	if err := engine.locks.acquire(ctx, userID.String(), engine.config.LockTimeout); err != nil {
		return err
	}
	defer engine.locks.release(userID.String())
	return fn(ctx)
}

func (engine *Engine) accrue(ctx context.Context, transactionStore Store, command AccrualCommand, now time.Time) (Account, error) {
	current, err := transactionStore.LockAccount(ctx, command.UserID, now)
	if err != nil {
		return Account{}, err
	}
	newBalance, err := engine.nextBalance(current.Balance, command.Delta)
	if err != nil {
		return Account{}, err
	}
	entry := LedgerEntry{
		UserID:     command.UserID,
		Source:     command.Source,
		Delta:      command.Delta,
		Reference:  command.Reference,
		Metadata:   command.Metadata,
		OccurredAt: now,
	}
	if _, err := transactionStore.InsertLedgerEntry(ctx, entry); err != nil {
		return Account{}, err
	}
	updated := current.withBalance(newBalance, now)
	if err := transactionStore.SaveAccount(ctx, updated); err != nil {
		return Account{}, err
	}
	return updated, nil
}

func (engine *Engine) nextBalance(balance Points, delta Points) (Points, error) {
	current, change := balance.Int64(), delta.Int64()
	if (change > 0 && current > math.MaxInt64-change) || (change < 0 && current < math.MinInt64-change) {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidDelta)
	}
	next := current + change
	if engine.config.BalanceFloor == BalanceFloorZero && next < 0 {
		return 0, fmt.Errorf("%w: balance would drop below zero", ErrInvalidDelta)
	}
	return Points(next), nil
}

func validateCommand(command AccrualCommand) error {
	if command.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if !command.Source.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSource, command.Source)
	}
	if _, err := NewMetadataJSON(command.Metadata.String()); err != nil {
		return err
	}
	return nil
}

func normalizePageLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return defaultPageLimit, nil
	case limit < 0 || limit > maxPageLimit:
		return 0, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidPageLimit, maxPageLimit)
	default:
		return limit, nil
	}
}

// Package memstore keeps points data in process memory. Transactions stage their writes and
// apply them atomically on commit; the engine's per-user lock provides row-level exclusion.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/speakle/rewards/pkg/points"
)

const (
	errorOperationStore    = "store"
	errorSubjectAccount    = "account"
	errorSubjectAttendance = "attendance"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInvalid       = "invalid"
	errorCodeLatest        = "latest"
)

type dataset struct {
	mutex        sync.RWMutex
	accounts     map[string]points.Account
	ledger       []points.LedgerEntry
	attendance   map[string][]points.AttendanceRecord
	nextLedgerID int64
}

type changes struct {
	accounts   map[string]points.Account
	ledger     []points.LedgerEntry
	attendance []points.AttendanceRecord
}

// Store implements points.Store in memory.
type Store struct {
	data   *dataset
	staged *changes
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: &dataset{
		accounts:   make(map[string]points.Account),
		attendance: make(map[string][]points.AttendanceRecord),
	}}
}

// WithTx executes fn against staged writes and commits them when fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore points.Store) error) error {
	if store.staged != nil {
		return fn(ctx, store)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	transaction := &Store{data: store.data, staged: &changes{accounts: make(map[string]points.Account)}}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	return store.data.commit(transaction.staged)
}

func (store *Store) LockAccount(ctx context.Context, userID points.UserID, now time.Time) (points.Account, error) {
	account, err := store.GetAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	account = points.NewAccount(userID, now)
	if err := store.SaveAccount(ctx, account); err != nil {
		return points.Account{}, err
	}
	return account, nil
}

func (store *Store) SaveAccount(ctx context.Context, account points.Account) error {
	if !account.Consistent() {
		return points.WrapError(errorOperationStore, errorSubjectAccount, errorCodeInvalid, fmt.Errorf("%w: %s does not match balance %d", points.ErrInvalidTier, account.Tier, account.Balance))
	}
	return store.write(ctx, func(staged *changes) error {
		staged.accounts[account.UserID.String()] = account
		return nil
	})
}

func (store *Store) GetAccount(_ context.Context, userID points.UserID) (points.Account, error) {
	if store.staged != nil {
		if account, ok := store.staged.accounts[userID.String()]; ok {
			return account, nil
		}
	}
	store.data.mutex.RLock()
	defer store.data.mutex.RUnlock()
	account, ok := store.data.accounts[userID.String()]
	if !ok {
		return points.Account{}, points.WrapError(errorOperationStore, errorSubjectAccount, errorCodeGet, points.ErrUnknownAccount)
	}
	return account, nil
}

func (store *Store) ListAccounts(_ context.Context, afterUserID string, limit int) ([]points.Account, error) {
	merged := make(map[string]points.Account)
	store.data.mutex.RLock()
	for key, account := range store.data.accounts {
		merged[key] = account
	}
	store.data.mutex.RUnlock()
	if store.staged != nil {
		for key, account := range store.staged.accounts {
			merged[key] = account
		}
	}
	keys := make([]string, 0, len(merged))
	for key := range merged {
		if key > afterUserID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	accounts := make([]points.Account, 0, len(keys))
	for _, key := range keys {
		accounts = append(accounts, merged[key])
	}
	return accounts, nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry points.LedgerEntry) (points.LedgerEntry, error) {
	entry.ID = store.data.reserveLedgerID()
	if err := store.write(ctx, func(staged *changes) error {
		staged.ledger = append(staged.ledger, entry)
		return nil
	}); err != nil {
		return points.LedgerEntry{}, err
	}
	return entry, nil
}

func (store *Store) ListLedgerEntries(_ context.Context, userID points.UserID, beforeID int64, limit int) ([]points.LedgerEntry, error) {
	entries := make([]points.LedgerEntry, 0)
	for _, entry := range store.ledgerFor(userID) {
		if beforeID == 0 || entry.ID < beforeID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].ID > entries[right].ID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *Store) SumLedger(_ context.Context, userID points.UserID) (points.Points, error) {
	var total int64
	for _, entry := range store.ledgerFor(userID) {
		total += entry.Delta.Int64()
	}
	return points.Points(total), nil
}

func (store *Store) AttendanceExists(_ context.Context, userID points.UserID, date points.CalendarDate) (bool, error) {
	for _, record := range store.attendanceFor(userID) {
		if record.Date.Equal(date) {
			return true, nil
		}
	}
	return false, nil
}

func (store *Store) LatestAttendance(_ context.Context, userID points.UserID) (points.AttendanceRecord, error) {
	records := store.attendanceFor(userID)
	if len(records) == 0 {
		return points.AttendanceRecord{}, points.WrapError(errorOperationStore, errorSubjectAttendance, errorCodeLatest, points.ErrNoAttendance)
	}
	return records[0], nil
}

func (store *Store) AttendanceSince(_ context.Context, userID points.UserID, from points.CalendarDate) ([]points.AttendanceRecord, error) {
	records := make([]points.AttendanceRecord, 0)
	for _, record := range store.attendanceFor(userID) {
		if !record.Date.Before(from) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (store *Store) InsertAttendance(ctx context.Context, record points.AttendanceRecord) error {
	exists, err := store.AttendanceExists(ctx, record.UserID, record.Date)
	if err != nil {
		return err
	}
	if exists {
		return duplicateAttendance(record)
	}
	return store.write(ctx, func(staged *changes) error {
		staged.attendance = append(staged.attendance, record)
		return nil
	})
}

// write applies a mutation to the current transaction, or to a single-write transaction outside one.
func (store *Store) write(ctx context.Context, mutate func(staged *changes) error) error {
	if store.staged != nil {
		return mutate(store.staged)
	}
	return store.WithTx(ctx, func(ctx context.Context, transactionStore points.Store) error {
		return mutate(transactionStore.(*Store).staged)
	})
}

func (store *Store) ledgerFor(userID points.UserID) []points.LedgerEntry {
	entries := make([]points.LedgerEntry, 0)
	store.data.mutex.RLock()
	for _, entry := range store.data.ledger {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	store.data.mutex.RUnlock()
	if store.staged != nil {
		for _, entry := range store.staged.ledger {
			if entry.UserID == userID {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

// attendanceFor returns committed and staged records, newest first.
func (store *Store) attendanceFor(userID points.UserID) []points.AttendanceRecord {
	store.data.mutex.RLock()
	records := append([]points.AttendanceRecord(nil), store.data.attendance[userID.String()]...)
	store.data.mutex.RUnlock()
	if store.staged != nil {
		for _, record := range store.staged.attendance {
			if record.UserID == userID {
				records = append(records, record)
			}
		}
	}
	sort.SliceStable(records, func(left, right int) bool {
		return records[left].Date.After(records[right].Date)
	})
	return records
}

func (data *dataset) reserveLedgerID() int64 {
	data.mutex.Lock()
	defer data.mutex.Unlock()
	data.nextLedgerID++
	return data.nextLedgerID
}

func (data *dataset) commit(staged *changes) error {
	data.mutex.Lock()
	defer data.mutex.Unlock()
	for _, record := range staged.attendance {
		for _, existing := range data.attendance[record.UserID.String()] {
			if existing.Date.Equal(record.Date) {
				return duplicateAttendance(record)
			}
		}
	}
	for key, account := range staged.accounts {
		data.accounts[key] = account
	}
	data.ledger = append(data.ledger, staged.ledger...)
	for _, record := range staged.attendance {
		key := record.UserID.String()
		data.attendance[key] = append(data.attendance[key], record)
	}
	return nil
}

func duplicateAttendance(record points.AttendanceRecord) error {
	return points.WrapError(errorOperationStore, errorSubjectAttendance, errorCodeDuplicate, fmt.Errorf("%w: %s on %s", points.ErrDuplicateCheckIn, record.UserID, record.Date))
}

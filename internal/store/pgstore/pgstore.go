package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/speakle/rewards/pkg/points"
)

const (
	constraintAttendanceUserDate = "uniq_attendance_user_date"
	constraintAttendancePrimary  = "attendance_records_pkey"
	pgUniqueViolationCode        = "23505"
	pgLockNotAvailableCode       = "55P03"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectAttendance       = "attendance"
	errorSubjectBalance          = "balance"
	errorSubjectEntry            = "entry"
	errorSubjectSchema           = "schema"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeEnsure              = "ensure"
	errorCodeExists              = "exists"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeLatest              = "latest"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeLockTimeout         = "lock_timeout"
	errorCodeSave                = "save"
	errorCodeSum                 = "sum"

	// Schema matches the tables gormstore migrates so either store can serve the same database.
	Schema = `
		create table if not exists points_accounts (
			user_id varchar(191) primary key,
			balance bigint not null default 0,
			tier varchar(16) not null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create table if not exists points_ledger_entries (
			id bigserial primary key,
			user_id varchar(191) not null,
			source varchar(16) not null,
			delta bigint not null,
			ref_type varchar(191),
			ref_id varchar(191),
			meta jsonb not null default '{}',
			occurred_at timestamptz not null
		);
		create index if not exists idx_points_ledger_user_id on points_ledger_entries(user_id);
		create table if not exists attendance_records (
			record_id varchar(36) primary key,
			user_id varchar(191) not null,
			attendance_date varchar(10) not null,
			checked_in_at timestamptz not null,
			streak_count bigint not null,
			points_earned bigint not null,
			source varchar(32) not null,
			note varchar(255) not null default ''
		);
		create unique index if not exists uniq_attendance_user_date on attendance_records(user_id, attendance_date);
	`

	sqlSeedAccount = `
		insert into points_accounts(user_id, balance, tier, created_at, updated_at)
		values ($1, 0, $2, $3, $3)
		on conflict (user_id) do nothing
	`

	sqlLockAccount = `
		select user_id, balance, tier, created_at, updated_at
		from points_accounts
		where user_id = $1
		for update
	`

	sqlSelectAccount = `
		select user_id, balance, tier, created_at, updated_at
		from points_accounts
		where user_id = $1
	`

	sqlListAccounts = `
		select user_id, balance, tier, created_at, updated_at
		from points_accounts
		where user_id > $1
		order by user_id asc
		limit $2
	`

	sqlUpsertAccount = `
		insert into points_accounts(user_id, balance, tier, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id) do update set balance = excluded.balance, tier = excluded.tier, updated_at = excluded.updated_at
	`

	sqlInsertEntry = `
		insert into points_ledger_entries(user_id, source, delta, ref_type, ref_id, meta, occurred_at)
		values ($1, $2, $3, nullif($4,''), nullif($5,''), coalesce(nullif($6,''),'{}')::jsonb, $7)
		returning id
	`

	sqlListEntries = `
		select id, user_id, source, delta, coalesce(ref_type,''), coalesce(ref_id,''), meta::text, occurred_at
		from points_ledger_entries
		where user_id = $1 and ($2::bigint = 0 or id < $2::bigint)
		order by id desc
		limit $3
	`

	sqlSumLedger = `
		select coalesce(sum(delta),0)::bigint from points_ledger_entries where user_id = $1
	`

	sqlAttendanceExists = `
		select exists(select 1 from attendance_records where user_id = $1 and attendance_date = $2)
	`

	sqlLatestAttendance = `
		select record_id, user_id, attendance_date, checked_in_at, streak_count, points_earned, source, note
		from attendance_records
		where user_id = $1
		order by attendance_date desc
		limit 1
	`

	sqlAttendanceSince = `
		select record_id, user_id, attendance_date, checked_in_at, streak_count, points_earned, source, note
		from attendance_records
		where user_id = $1 and attendance_date >= $2
		order by attendance_date desc
	`

	sqlInsertAttendance = `
		insert into attendance_records(record_id, user_id, attendance_date, checked_in_at, streak_count, points_earned, source, note)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`
)

// queryer is the subset of pgx shared by pools and transactions.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds row-lock waits through SET LOCAL lock_timeout.
func WithLockTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		store.lockTimeout = timeout
	}
}

// Store implements points.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// TxStore implements points.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool, options ...Option) *Store {
	store := &Store{queries: queries{db: pool}, pool: pool}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// EnsureSchema creates the points tables when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if store.lockTimeout > 0 {
		statement := fmt.Sprintf("set local lock_timeout = '%dms'", store.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, statement); err != nil {
			_ = tx.Rollback(ctx)
			return wrapStoreError(errorSubjectTransaction, errorCodeLockTimeout, err)
		}
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db queryer
}

func (q queries) LockAccount(ctx context.Context, userID points.UserID, now time.Time) (points.Account, error) {
	if _, err := q.db.Exec(ctx, sqlSeedAccount, userID.String(), points.TierOf(0).String(), now.UTC()); err != nil {
		return points.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	account, err := scanAccount(q.db.QueryRow(ctx, sqlLockAccount, userID.String()))
	if err != nil {
		return points.Account{}, wrapAccountError(errorCodeLock, err)
	}
	return account, nil
}

func (q queries) SaveAccount(ctx context.Context, account points.Account) error {
	if !account.Consistent() {
		return points.WrapError(errorOperationStore, errorSubjectAccount, errorCodeInvalid, fmt.Errorf("%w: %s does not match balance %d", points.ErrInvalidTier, account.Tier, account.Balance))
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = account.UpdatedAt
	}
	_, err := q.db.Exec(ctx, sqlUpsertAccount,
		account.UserID.String(),
		account.Balance.Int64(),
		account.Tier.String(),
		createdAt.UTC(),
		account.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, err)
	}
	return nil
}

func (q queries) GetAccount(ctx context.Context, userID points.UserID) (points.Account, error) {
	account, err := scanAccount(q.db.QueryRow(ctx, sqlSelectAccount, userID.String()))
	if err != nil {
		return points.Account{}, wrapAccountError(errorCodeGet, err)
	}
	return account, nil
}

func (q queries) ListAccounts(ctx context.Context, afterUserID string, limit int) ([]points.Account, error) {
	rows, err := q.db.Query(ctx, sqlListAccounts, afterUserID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]points.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, wrapAccountError(errorCodeList, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

func (q queries) InsertLedgerEntry(ctx context.Context, entry points.LedgerEntry) (points.LedgerEntry, error) {
	occurredAt := entry.OccurredAt.UTC()
	if entry.OccurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	err := q.db.QueryRow(ctx, sqlInsertEntry,
		entry.UserID.String(),
		entry.Source.String(),
		entry.Delta.Int64(),
		entry.Reference.Type,
		entry.Reference.ID,
		entry.Metadata.String(),
		occurredAt,
	).Scan(&entry.ID)
	if err != nil {
		return points.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.OccurredAt = occurredAt
	return entry, nil
}

func (q queries) ListLedgerEntries(ctx context.Context, userID points.UserID, beforeID int64, limit int) ([]points.LedgerEntry, error) {
	rows, err := q.db.Query(ctx, sqlListEntries, userID.String(), beforeID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]points.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, points.WrapError(errorOperationStore, errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (q queries) SumLedger(ctx context.Context, userID points.UserID) (points.Points, error) {
	var sum int64
	if err := q.db.QueryRow(ctx, sqlSumLedger, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return points.Points(sum), nil
}

func (q queries) AttendanceExists(ctx context.Context, userID points.UserID, date points.CalendarDate) (bool, error) {
	var exists bool
	if err := q.db.QueryRow(ctx, sqlAttendanceExists, userID.String(), date.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectAttendance, errorCodeExists, err)
	}
	return exists, nil
}

func (q queries) LatestAttendance(ctx context.Context, userID points.UserID) (points.AttendanceRecord, error) {
	record, err := scanAttendance(q.db.QueryRow(ctx, sqlLatestAttendance, userID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return points.AttendanceRecord{}, points.WrapError(errorOperationStore, errorSubjectAttendance, errorCodeLatest, points.ErrNoAttendance)
		}
		return points.AttendanceRecord{}, wrapScanError(errorSubjectAttendance, errorCodeLatest, err)
	}
	return record, nil
}

func (q queries) AttendanceSince(ctx context.Context, userID points.UserID, from points.CalendarDate) ([]points.AttendanceRecord, error) {
	rows, err := q.db.Query(ctx, sqlAttendanceSince, userID.String(), from.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectAttendance, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]points.AttendanceRecord, 0)
	for rows.Next() {
		record, err := scanAttendance(rows)
		if err != nil {
			return nil, wrapScanError(errorSubjectAttendance, errorCodeList, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAttendance, errorCodeList, err)
	}
	return records, nil
}

func (q queries) InsertAttendance(ctx context.Context, record points.AttendanceRecord) error {
	_, err := q.db.Exec(ctx, sqlInsertAttendance,
		record.RecordID,
		record.UserID.String(),
		record.Date.String(),
		record.CheckedInAt.UTC(),
		record.StreakCount,
		record.PointsEarned.Int64(),
		record.Source,
		record.Note,
	)
	if isAttendanceConflict(err) {
		return points.WrapError(errorOperationStore, errorSubjectAttendance, errorCodeDuplicate, points.ErrDuplicateCheckIn)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAttendance, errorCodeInsert, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (points.Account, error) {
	var (
		userIDValue string
		balance     int64
		tierValue   string
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := row.Scan(&userIDValue, &balance, &tierValue, &createdAt, &updatedAt); err != nil {
		return points.Account{}, err
	}
	userID, err := points.NewUserID(userIDValue)
	if err != nil {
		return points.Account{}, err
	}
	tier, err := points.ParseTier(tierValue)
	if err != nil {
		return points.Account{}, err
	}
	return points.Account{
		UserID:    userID,
		Balance:   points.Points(balance),
		Tier:      tier,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

func scanLedgerEntry(row pgx.Row) (points.LedgerEntry, error) {
	var (
		id          int64
		userIDValue string
		sourceValue string
		delta       int64
		refType     string
		refID       string
		metaValue   string
		occurredAt  time.Time
	)
	if err := row.Scan(&id, &userIDValue, &sourceValue, &delta, &refType, &refID, &metaValue, &occurredAt); err != nil {
		return points.LedgerEntry{}, err
	}
	userID, err := points.NewUserID(userIDValue)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	source, err := points.ParseSource(sourceValue)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	reference, err := points.NewReference(refType, refID)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	metadata, err := points.NewMetadataJSON(metaValue)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	return points.LedgerEntry{
		ID:         id,
		UserID:     userID,
		Source:     source,
		Delta:      points.Points(delta),
		Reference:  reference,
		Metadata:   metadata,
		OccurredAt: occurredAt.UTC(),
	}, nil
}

func scanAttendance(row pgx.Row) (points.AttendanceRecord, error) {
	var (
		record      points.AttendanceRecord
		userIDValue string
		dateValue   string
		streak      int64
		earned      int64
	)
	if err := row.Scan(&record.RecordID, &userIDValue, &dateValue, &record.CheckedInAt, &streak, &earned, &record.Source, &record.Note); err != nil {
		return points.AttendanceRecord{}, err
	}
	userID, err := points.NewUserID(userIDValue)
	if err != nil {
		return points.AttendanceRecord{}, err
	}
	date, err := points.ParseCalendarDate(dateValue)
	if err != nil {
		return points.AttendanceRecord{}, err
	}
	record.UserID = userID
	record.Date = date
	record.CheckedInAt = record.CheckedInAt.UTC()
	record.StreakCount = int(streak)
	record.PointsEarned = points.Points(earned)
	return record, nil
}

func wrapAccountError(code string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return points.WrapError(errorOperationStore, errorSubjectAccount, code, points.ErrUnknownAccount)
	}
	return wrapScanError(errorSubjectAccount, code, err)
}

// wrapScanError keeps domain validation failures from row mapping distinct from driver failures.
func wrapScanError(subject string, code string, err error) error {
	if points.Classify(err) == points.KindValidation {
		return points.WrapError(errorOperationStore, subject, errorCodeInvalid, err)
	}
	return wrapStoreError(subject, code, err)
}

// wrapStoreError tags driver failures as persistence errors, or as lock timeouts when the row lock wait expired.
func wrapStoreError(subject string, code string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailableCode {
		return points.WrapError(errorOperationStore, subject, errorCodeLockTimeout, fmt.Errorf("%w: %v", points.ErrAccountLockTimeout, err))
	}
	return points.WrapError(errorOperationStore, subject, code, points.PersistenceError(err))
}

func isAttendanceConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (pgErr.ConstraintName == constraintAttendanceUserDate || pgErr.ConstraintName == constraintAttendancePrimary)
	}
	return false
}

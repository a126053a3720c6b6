package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/speakle/rewards/pkg/points"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAttendanceUserDate = "uniq_attendance_user_date"
	defaultMetadataJSON          = "{}"
	dialectPostgres              = "postgres"
	pgUniqueViolationCode        = "23505"
	pgLockNotAvailableCode       = "55P03"
	sqliteBusyCode               = 5
	sqliteUniqueCode             = 2067
	sqlitePrimaryKeyCode         = 1555
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectAttendance       = "attendance"
	errorSubjectBalance          = "balance"
	errorSubjectEntry            = "entry"
	errorSubjectTransaction      = "transaction"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
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
)

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds row-lock waits on PostgreSQL through SET LOCAL lock_timeout.
func WithLockTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		store.lockTimeout = timeout
	}
}

// Store implements points.Store using GORM.
type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
	inTx        bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// Migrate creates or updates the tables owned by the store.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction. Nested calls join the outer transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := store.applyLockTimeout(transaction); err != nil {
			return err
		}
		return fn(ctx, &Store{db: transaction, lockTimeout: store.lockTimeout, inTx: true})
	})
	if err == nil || passThrough(err) {
		return err
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
}

func (store *Store) applyLockTimeout(transaction *gorm.DB) error {
	if store.lockTimeout <= 0 || transaction.Dialector.Name() != dialectPostgres {
		return nil
	}
	statement := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", store.lockTimeout.Milliseconds())
	if err := transaction.Exec(statement).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeLockTimeout, err)
	}
	return nil
}

func (store *Store) LockAccount(ctx context.Context, userID points.UserID, now time.Time) (points.Account, error) {
	initial := points.NewAccount(userID, now.UTC())
	seed := PointsAccount{
		UserID:    userID.String(),
		Balance:   initial.Balance.Int64(),
		Tier:      initial.Tier.String(),
		CreatedAt: initial.CreatedAt,
		UpdatedAt: initial.UpdatedAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return points.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var row PointsAccount
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if err != nil {
		return points.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return mapAccount(row)
}

func (store *Store) SaveAccount(ctx context.Context, account points.Account) error {
	if !account.Consistent() {
		return points.WrapError(errorOperationStore, errorSubjectAccount, errorCodeInvalid, fmt.Errorf("%w: %s does not match balance %d", points.ErrInvalidTier, account.Tier, account.Balance))
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = account.UpdatedAt
	}
	row := PointsAccount{
		UserID:    account.UserID.String(),
		Balance:   account.Balance.Int64(),
		Tier:      account.Tier.String(),
		CreatedAt: createdAt.UTC(),
		UpdatedAt: account.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "tier", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID points.UserID) (points.Account, error) {
	var row PointsAccount
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.Account{}, points.WrapError(errorOperationStore, errorSubjectAccount, errorCodeGet, points.ErrUnknownAccount)
		}
		return points.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(row)
}

func (store *Store) ListAccounts(ctx context.Context, afterUserID string, limit int) ([]points.Account, error) {
	var rows []PointsAccount
	err := store.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]points.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry points.LedgerEntry) (points.LedgerEntry, error) {
	row := LedgerEntry{
		UserID:     entry.UserID.String(),
		Source:     entry.Source.String(),
		Delta:      entry.Delta.Int64(),
		RefType:    optionalString(entry.Reference.Type),
		RefID:      optionalString(entry.Reference.ID),
		Meta:       datatypesJSON(entry.Metadata.String()),
		OccurredAt: entry.OccurredAt.UTC(),
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return points.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.ID = row.ID
	return entry, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID points.UserID, beforeID int64, limit int) ([]points.LedgerEntry, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}
	var rows []LedgerEntry
	if err := query.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]points.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, points.WrapError(errorOperationStore, errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumLedger(ctx context.Context, userID points.UserID) (points.Points, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return points.Points(sum.Total), nil
}

func (store *Store) AttendanceExists(ctx context.Context, userID points.UserID, date points.CalendarDate) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&AttendanceRecord{}).
		Where("user_id = ? AND attendance_date = ?", userID.String(), date.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectAttendance, errorCodeExists, err)
	}
	return count > 0, nil
}

func (store *Store) LatestAttendance(ctx context.Context, userID points.UserID) (points.AttendanceRecord, error) {
	var row AttendanceRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("attendance_date DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.AttendanceRecord{}, points.WrapError(errorOperationStore, errorSubjectAttendance, errorCodeLatest, points.ErrNoAttendance)
		}
		return points.AttendanceRecord{}, wrapStoreError(errorSubjectAttendance, errorCodeLatest, err)
	}
	return mapAttendance(row)
}

func (store *Store) AttendanceSince(ctx context.Context, userID points.UserID, from points.CalendarDate) ([]points.AttendanceRecord, error) {
	var rows []AttendanceRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND attendance_date >= ?", userID.String(), from.String()).
		Order("attendance_date DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAttendance, errorCodeList, err)
	}
	records := make([]points.AttendanceRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapAttendance(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) InsertAttendance(ctx context.Context, record points.AttendanceRecord) error {
	row := AttendanceRecord{
		RecordID:       record.RecordID,
		UserID:         record.UserID.String(),
		AttendanceDate: record.Date.String(),
		CheckedInAt:    record.CheckedInAt.UTC(),
		StreakCount:    record.StreakCount,
		PointsEarned:   record.PointsEarned.Int64(),
		Source:         record.Source,
		Note:           record.Note,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isAttendanceConflict(err) {
		return points.WrapError(errorOperationStore, errorSubjectAttendance, errorCodeDuplicate, points.ErrDuplicateCheckIn)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAttendance, errorCodeInsert, err)
	}
	return nil
}

// wrapStoreError tags driver failures as persistence errors, or as lock timeouts when the row lock wait expired.
func wrapStoreError(subject string, code string, err error) error {
	if isLockTimeout(err) {
		return points.WrapError(errorOperationStore, subject, errorCodeLockTimeout, fmt.Errorf("%w: %v", points.ErrAccountLockTimeout, err))
	}
	return points.WrapError(errorOperationStore, subject, code, points.PersistenceError(err))
}

// passThrough reports errors that already carry a domain meaning.
func passThrough(err error) bool {
	var operationError points.OperationError
	if errors.As(err, &operationError) {
		return true
	}
	return points.Classify(err) != points.KindFatal
}

type sqlSum struct {
	Total int64
}

func mapAccount(row PointsAccount) (points.Account, error) {
	userID, err := points.NewUserID(row.UserID)
	if err != nil {
		return points.Account{}, points.WrapError(errorOperationStore, errorSubjectAccount, errorCodeInvalid, err)
	}
	tier, err := points.ParseTier(row.Tier)
	if err != nil {
		return points.Account{}, points.WrapError(errorOperationStore, errorSubjectAccount, errorCodeInvalid, err)
	}
	return points.Account{
		UserID:    userID,
		Balance:   points.Points(row.Balance),
		Tier:      tier,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (points.LedgerEntry, error) {
	userID, err := points.NewUserID(row.UserID)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	source, err := points.ParseSource(row.Source)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	reference, err := points.NewReference(stringOrEmpty(row.RefType), stringOrEmpty(row.RefID))
	if err != nil {
		return points.LedgerEntry{}, err
	}
	metadata, err := points.NewMetadataJSON(string(row.Meta))
	if err != nil {
		return points.LedgerEntry{}, err
	}
	return points.LedgerEntry{
		ID:         row.ID,
		UserID:     userID,
		Source:     source,
		Delta:      points.Points(row.Delta),
		Reference:  reference,
		Metadata:   metadata,
		OccurredAt: row.OccurredAt.UTC(),
	}, nil
}

func mapAttendance(row AttendanceRecord) (points.AttendanceRecord, error) {
	userID, err := points.NewUserID(row.UserID)
	if err != nil {
		return points.AttendanceRecord{}, points.WrapError(errorOperationStore, errorSubjectAttendance, errorCodeInvalid, err)
	}
	date, err := points.ParseCalendarDate(row.AttendanceDate)
	if err != nil {
		return points.AttendanceRecord{}, points.WrapError(errorOperationStore, errorSubjectAttendance, errorCodeInvalid, err)
	}
	return points.AttendanceRecord{
		RecordID:     row.RecordID,
		UserID:       userID,
		Date:         date,
		CheckedInAt:  row.CheckedInAt.UTC(),
		StreakCount:  row.StreakCount,
		PointsEarned: points.Points(row.PointsEarned),
		Source:       row.Source,
		Note:         row.Note,
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isAttendanceConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (pgErr.ConstraintName == constraintAttendanceUserDate || pgErr.ConstraintName == "attendance_records_pkey")
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended codes only; NOT NULL and CHECK failures share the primary constraint code.
		code := sqliteErr.Code()
		return code == sqliteUniqueCode || code == sqlitePrimaryKeyCode
	}
	return false
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailableCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteBusyCode
	}
	return false
}

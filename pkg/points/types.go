package points

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Points is a signed amount of reward points.
type Points int64

// Int64 returns the raw value.
func (amount Points) Int64() int64 {
	return int64(amount)
}

// UserID identifies the owner of a points account.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if utf8.RuneCountInString(trimmed) > maxReferenceFieldLength {
		return UserID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidUserID, maxReferenceFieldLength)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

func (id UserID) IsZero() bool {
	return id.value == ""
}

// Source enumerates where a ledger delta came from.
type Source string

const (
	SourceBlank      Source = "BLANK"
	SourceDictation  Source = "DICTATION"
	SourceSpeaking   Source = "SPEAKING"
	SourceAttendance Source = "ATTENDANCE"
)

// ParseSource accepts the enumerated sources case-insensitively.
func ParseSource(raw string) (Source, error) {
	source := Source(strings.ToUpper(strings.TrimSpace(raw)))
	if !source.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
	}
	return source, nil
}

// Valid reports whether the source is one of the enumerated values.
func (source Source) Valid() bool {
	switch source {
	case SourceBlank, SourceDictation, SourceSpeaking, SourceAttendance:
		return true
	default:
		return false
	}
}

func (source Source) String() string {
	return string(source)
}

// Tier is the classification derived from a balance.
type Tier string

const (
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// ParseTier validates a stored tier label.
func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToUpper(strings.TrimSpace(raw)))
	switch tier {
	case TierBronze, TierSilver, TierGold, TierPlatinum:
		return tier, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

func (tier Tier) String() string {
	return string(tier)
}

// MetadataJSON is an opaque JSON object attached to a ledger entry.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(normalized), &object); err != nil || object == nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap encodes key/value annotations as metadata.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: defaultMetadataJSON}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the JSON text; the zero value renders as "{}".
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// Reference points at the event that produced a ledger entry.
type Reference struct {
	Type string
	ID   string
}

// NewReference validates an optional reference; both fields empty means none.
func NewReference(refType string, refID string) (Reference, error) {
	reference := Reference{Type: strings.TrimSpace(refType), ID: strings.TrimSpace(refID)}
	if utf8.RuneCountInString(reference.Type) > maxReferenceFieldLength || utf8.RuneCountInString(reference.ID) > maxReferenceFieldLength {
		return Reference{}, fmt.Errorf("%w: reference longer than %d characters", ErrInvalidReference, maxReferenceFieldLength)
	}
	if reference.Type == "" && reference.ID != "" {
		return Reference{}, fmt.Errorf("%w: ref id without ref type", ErrInvalidReference)
	}
	return reference, nil
}

func (reference Reference) IsZero() bool {
	return reference.Type == "" && reference.ID == ""
}

// Account is the mutable per-user points state.
type Account struct {
	UserID    UserID
	Balance   Points
	Tier      Tier
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount returns the initial state of a lazily created account.
func NewAccount(userID UserID, now time.Time) Account {
	return Account{
		UserID:    userID,
		Balance:   0,
		Tier:      TierOf(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// withBalance is the only way a new balance is set; the tier is always rederived.
func (account Account) withBalance(balance Points, now time.Time) Account {
	account.Balance = balance
	account.Tier = TierOf(balance)
	account.UpdatedAt = now
	return account
}

// Consistent reports whether the cached tier matches the balance.
func (account Account) Consistent() bool {
	return account.Tier == TierOf(account.Balance)
}

// LedgerEntry is one immutable balance delta.
type LedgerEntry struct {
	ID         int64
	UserID     UserID
	Source     Source
	Delta      Points
	Reference  Reference
	Metadata   MetadataJSON
	OccurredAt time.Time
}

// AttendanceRecord is the immutable fact of one accepted daily check-in.
type AttendanceRecord struct {
	RecordID     string
	UserID       UserID
	Date         CalendarDate
	CheckedInAt  time.Time
	StreakCount  int
	PointsEarned Points
	Source       string
	Note         string
}

// AccountStore persists PointsAccount rows.
type AccountStore interface {
	// LockAccount returns the account, creating it with a zero balance when absent, and holds
	// it exclusively until the surrounding transaction ends.
	LockAccount(ctx context.Context, userID UserID, now time.Time) (Account, error)
	SaveAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	ListAccounts(ctx context.Context, afterUserID string, limit int) ([]Account, error)
}

// LedgerStore persists the append-only ledger.
type LedgerStore interface {
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, userID UserID, beforeID int64, limit int) ([]LedgerEntry, error)
	SumLedger(ctx context.Context, userID UserID) (Points, error)
}

// AttendanceStore persists attendance records, unique per user and date.
type AttendanceStore interface {
	AttendanceExists(ctx context.Context, userID UserID, date CalendarDate) (bool, error)
	LatestAttendance(ctx context.Context, userID UserID) (AttendanceRecord, error)
	AttendanceSince(ctx context.Context, userID UserID, from CalendarDate) ([]AttendanceRecord, error)
	InsertAttendance(ctx context.Context, record AttendanceRecord) error
}

// Store is the persistence contract used by Engine.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error
	AccountStore
	LedgerStore
	AttendanceStore
}

// AccountCache serves non-locking account reads.
type AccountCache interface {
	Get(ctx context.Context, userID UserID) (Account, bool)
	Put(ctx context.Context, account Account)
}

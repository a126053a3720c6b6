package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// AttendanceConfig configures daily check-ins.
type AttendanceConfig struct {
	Policy   RewardPolicy
	Location *time.Location
}

// AttendanceOption configures an AttendanceService instance.
type AttendanceOption func(*AttendanceService)

// WithRecordIDGenerator overrides the uuid generator used for attendance record ids.
func WithRecordIDGenerator(generate func() string) AttendanceOption {
	return func(service *AttendanceService) {
		if generate != nil {
			service.newRecordID = generate
		}
	}
}

// AttendanceService accepts daily check-ins and rewards them through the Engine.
type AttendanceService struct {
	engine      *Engine
	policy      RewardPolicy
	location    *time.Location
	newRecordID func() string
	sanitizer   *bluemonday.Policy
}

// CheckInRequest describes one check-in attempt.
type CheckInRequest struct {
	UserID UserID
	Source string
	Note   string
}

// CheckInResult carries the accepted record and the account after the reward.
type CheckInResult struct {
	Record  AttendanceRecord
	Account Account
}

// NewAttendanceService wires an AttendanceService.
func NewAttendanceService(engine *Engine, config AttendanceConfig, options ...AttendanceOption) (*AttendanceService, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.Policy.Validate(); err != nil {
		return nil, err
	}
	location := config.Location
	if location == nil {
		location = time.UTC
	}
	service := &AttendanceService{
		engine:      engine,
		policy:      config.Policy,
		location:    location,
		newRecordID: uuid.NewString,
		sanitizer:   bluemonday.StrictPolicy(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Today returns the current calendar date in the configured zone.
func (service *AttendanceService) Today() CalendarDate {
	return DateIn(service.engine.nowFn(), service.location)
}

// CheckIn records today's attendance and credits the streak reward in the same transaction.
func (service *AttendanceService) CheckIn(ctx context.Context, request CheckInRequest) (CheckInResult, error) {
	var result CheckInResult
	source, note, operationError := service.normalizeCheckIn(request)
	if operationError == nil {
		now := service.engine.nowFn()
		today := DateIn(now, service.location)
		result.Account, operationError = service.engine.lockedTx(ctx, request.UserID, func(ctx context.Context, transactionStore Store) (Account, error) {
			record, err := service.recordCheckIn(ctx, transactionStore, request.UserID, today, now, source, note)
			if err != nil {
				return Account{}, err
			}
			result.Record = record
			metadata, err := MetadataFromMap(map[string]any{
				metadataKeyAttendanceDate: record.Date.String(),
				metadataKeyStreakCount:    record.StreakCount,
			})
			if err != nil {
				return Account{}, err
			}
			return service.engine.accrue(ctx, transactionStore, AccrualCommand{
				UserID:    request.UserID,
				Delta:     record.PointsEarned,
				Source:    SourceAttendance,
				Reference: Reference{Type: referenceTypeAttendance, ID: record.RecordID},
				Metadata:  metadata,
			}, now)
		})
	}
	if operationError != nil {
		result = CheckInResult{}
	}
	service.engine.logOperation(ctx, OperationLog{
		Operation: operationCheckIn,
		UserID:    request.UserID,
		Source:    SourceAttendance,
		Delta:     result.Record.PointsEarned,
		Balance:   result.Account.Balance,
		Tier:      result.Account.Tier,
		Reference: Reference{Type: referenceTypeAttendance, ID: result.Record.RecordID},
		Error:     operationError,
	})
	return result, operationError
}

func (service *AttendanceService) recordCheckIn(ctx context.Context, transactionStore Store, userID UserID, today CalendarDate, now time.Time, source string, note string) (AttendanceRecord, error) {
	exists, err := transactionStore.AttendanceExists(ctx, userID, today)
	if err != nil {
		return AttendanceRecord{}, err
	}
	if exists {
		return AttendanceRecord{}, ErrAlreadyCheckedIn
	}
	var latestRecord *AttendanceRecord
	latest, err := transactionStore.LatestAttendance(ctx, userID)
	switch {
	case err == nil:
		latestRecord = &latest
	case errors.Is(err, ErrNoAttendance):
	default:
		return AttendanceRecord{}, err
	}
	decision := NextStreak(today, latestRecord)
	if decision.AlreadyCheckedIn {
		return AttendanceRecord{}, ErrAlreadyCheckedIn
	}
	record := AttendanceRecord{
		RecordID:     service.newRecordID(),
		UserID:       userID,
		Date:         today,
		CheckedInAt:  now,
		StreakCount:  decision.Streak,
		PointsEarned: service.policy.RewardFor(decision.Streak),
		Source:       source,
		Note:         note,
	}
	if err := transactionStore.InsertAttendance(ctx, record); err != nil {
		return AttendanceRecord{}, err
	}
	return record, nil
}

// Stats aggregates the last days of attendance ending today. days 0 selects the default window.
func (service *AttendanceService) Stats(ctx context.Context, userID UserID, days int) (AttendanceStats, error) {
	history, today, err := service.window(ctx, userID, days)
	if err != nil {
		return AttendanceStats{}, err
	}
	stats := SummarizeAttendance(history, today)
	latest, err := service.engine.store.LatestAttendance(ctx, userID)
	switch {
	case errors.Is(err, ErrNoAttendance):
		return stats, nil
	case err != nil:
		return AttendanceStats{}, err
	}
	// The latest record may sit outside a short window.
	stats.LastCheckInDate = latest.Date
	stats.CheckedInToday = latest.Date.Equal(today)
	stats.CurrentStreak = 0
	if stats.CheckedInToday || latest.Date.Equal(today.AddDays(-1)) {
		stats.CurrentStreak = latest.StreakCount
	}
	stats.MaxStreak = max(stats.MaxStreak, stats.CurrentStreak)
	return stats, nil
}

// History returns the records of the last days ending today, newest first.
func (service *AttendanceService) History(ctx context.Context, userID UserID, days int) ([]AttendanceRecord, error) {
	history, _, err := service.window(ctx, userID, days)
	return history, err
}

func (service *AttendanceService) window(ctx context.Context, userID UserID, days int) ([]AttendanceRecord, CalendarDate, error) {
	if userID.IsZero() {
		return nil, CalendarDate{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if days == 0 {
		days = defaultStatsWindowDays
	}
	if days < 1 || days > maxStatsWindowDays {
		return nil, CalendarDate{}, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidWindow, maxStatsWindowDays)
	}
	today := service.Today()
	history, err := service.engine.store.AttendanceSince(ctx, userID, today.AddDays(-(days - 1)))
	if err != nil {
		return nil, CalendarDate{}, err
	}
	return history, today, nil
}

// normalizeCheckIn strips markup from the note so stored records never depend on the transport.
func (service *AttendanceService) normalizeCheckIn(request CheckInRequest) (string, string, error) {
	if request.UserID.IsZero() {
		return "", "", fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	source := strings.ToLower(strings.TrimSpace(request.Source))
	if source == "" {
		source = defaultCheckInSource
	}
	if utf8.RuneCountInString(source) > maxCheckInSourceLength {
		return "", "", fmt.Errorf("%w: source longer than %d characters", ErrInvalidCheckIn, maxCheckInSourceLength)
	}
	note := strings.TrimSpace(service.sanitizer.Sanitize(request.Note))
	if utf8.RuneCountInString(note) > maxCheckInNoteLength {
		return "", "", fmt.Errorf("%w: note longer than %d characters", ErrInvalidCheckIn, maxCheckInNoteLength)
	}
	return source, note, nil
}

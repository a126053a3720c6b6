package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestNewUserID(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("  user-7 ")
	if err != nil || userID.String() != "user-7" {
		test.Fatalf("unexpected user id %q, err %v", userID, err)
	}
	for _, raw := range []string{"", "   ", strings.Repeat("u", maxReferenceFieldLength+1)} {
		if _, err := NewUserID(raw); !errors.Is(err, ErrInvalidUserID) {
			test.Fatalf("expected ErrInvalidUserID for %q, got %v", raw, err)
		}
	}
}

func TestParseSource(test *testing.T) {
	test.Parallel()
	source, err := ParseSource("speaking")
	if err != nil || source != SourceSpeaking {
		test.Fatalf("unexpected source %q, err %v", source, err)
	}
	if _, err := ParseSource("QUIZ"); !errors.Is(err, ErrInvalidSource) {
		test.Fatalf("expected ErrInvalidSource, got %v", err)
	}
}

func TestNewMetadataJSON(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil || metadata.String() != "{}" {
		test.Fatalf("expected default metadata, got %q err %v", metadata.String(), err)
	}
	if (MetadataJSON{}).String() != "{}" {
		test.Fatalf("zero metadata should render as an empty object")
	}
	for _, raw := range []string{"[]", "42", "null", "{broken"} {
		if _, err := NewMetadataJSON(raw); !errors.Is(err, ErrInvalidMetadataJSON) {
			test.Fatalf("expected ErrInvalidMetadataJSON for %q, got %v", raw, err)
		}
	}
	encoded, err := MetadataFromMap(map[string]any{"streak_count": 3})
	if err != nil || encoded.String() != `{"streak_count":3}` {
		test.Fatalf("unexpected encoded metadata %q err %v", encoded.String(), err)
	}
}

func TestNewReference(test *testing.T) {
	test.Parallel()
	reference, err := NewReference("quiz", "q-1")
	if err != nil || reference.IsZero() {
		test.Fatalf("unexpected reference %+v err %v", reference, err)
	}
	empty, err := NewReference("", "")
	if err != nil || !empty.IsZero() {
		test.Fatalf("expected empty reference, got %+v err %v", empty, err)
	}
	if _, err := NewReference("", "orphan"); !errors.Is(err, ErrInvalidReference) {
		test.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestCalendarDates(test *testing.T) {
	test.Parallel()
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		test.Skipf("time zone data unavailable: %v", err)
	}
	instant := time.Date(2024, time.March, 9, 16, 30, 0, 0, time.UTC)
	if got := DateIn(instant, seoul).String(); got != "2024-03-10" {
		test.Fatalf("expected Seoul date 2024-03-10, got %s", got)
	}
	if got := DateIn(instant, nil).String(); got != "2024-03-09" {
		test.Fatalf("expected UTC date 2024-03-09, got %s", got)
	}
	parsed, err := ParseCalendarDate("2024-03-01")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if parsed.DaysSince(NewCalendarDate(2024, time.February, 28)) != 2 {
		test.Fatalf("expected leap day between dates")
	}
	if _, err := ParseCalendarDate("03/01/2024"); !errors.Is(err, ErrInvalidDate) {
		test.Fatalf("expected ErrInvalidDate, got %v", err)
	}
}

func TestClassify(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		err  error
		want ErrorKind
	}{
		{err: nil, want: KindNone},
		{err: ErrInvalidDelta, want: KindValidation},
		{err: WrapError("store", "account", "get", ErrUnknownAccount), want: KindNotFound},
		{err: ErrAlreadyCheckedIn, want: KindConflict},
		{err: WrapError("store", "attendance", "duplicate", ErrDuplicateCheckIn), want: KindConflict},
		{err: ErrAccountLockTimeout, want: KindRetryable},
		{err: PersistenceError(ErrAccountLockTimeout), want: KindFatal},
		{err: errors.New("boom"), want: KindFatal},
		{err: context.Canceled, want: KindCanceled},
		{err: fmt.Errorf("lock account: %w", context.DeadlineExceeded), want: KindCanceled},
		{err: PersistenceError(context.Canceled), want: KindCanceled},
	}
	for _, testCase := range testCases {
		if got := Classify(testCase.err); got != testCase.want {
			test.Fatalf("Classify(%v) = %s, want %s", testCase.err, got, testCase.want)
		}
	}
	if !Retryable(WrapError("store", "account", "lock", ErrAccountLockTimeout)) {
		test.Fatalf("expected wrapped lock timeout to be retryable")
	}
}

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	err := WrapError("store", "account", "lock", ErrAccountLockTimeout)
	var operationError OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected OperationError, got %T", err)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "account" || operationError.Code() != "lock" {
		test.Fatalf("unexpected segments %+v", operationError)
	}
	if err.Error() != "store.account.lock: account lock timeout" {
		test.Fatalf("unexpected message %q", err.Error())
	}
	if WrapError("store", "account", "lock", nil) != nil {
		test.Fatalf("expected nil for nil cause")
	}
}

package grpcserver

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/speakle/rewards/pkg/points"
	"google.golang.org/protobuf/types/known/structpb"
)

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

// intField accepts integral numbers and decimal strings; strings keep values beyond 2^53 exact.
func intField(request *structpb.Struct, name string) (int64, bool, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, false, nil
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NumberValue:
		number := kind.NumberValue
		if number != math.Trunc(number) || number >= math.MaxInt64 || number < math.MinInt64 {
			return 0, true, fmt.Errorf("%s must be an integer", name)
		}
		return int64(number), true, nil
	case *structpb.Value_StringValue:
		parsed, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", name)
		}
		return parsed, true, nil
	case *structpb.Value_NullValue:
		return 0, false, nil
	default:
		return 0, true, fmt.Errorf("%s must be an integer", name)
	}
}

// metadataField reads meta as either a nested struct or a JSON string.
func metadataField(request *structpb.Struct) (points.MetadataJSON, error) {
	value, ok := request.GetFields()["meta"]
	if !ok {
		return points.NewMetadataJSON("")
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_StructValue:
		raw, err := json.Marshal(kind.StructValue.AsMap())
		if err != nil {
			return points.MetadataJSON{}, fmt.Errorf("%w: %v", points.ErrInvalidMetadataJSON, err)
		}
		return points.NewMetadataJSON(string(raw))
	case *structpb.Value_StringValue:
		return points.NewMetadataJSON(kind.StringValue)
	case *structpb.Value_NullValue:
		return points.NewMetadataJSON("")
	default:
		return points.MetadataJSON{}, fmt.Errorf("%w: meta must be an object", points.ErrInvalidMetadataJSON)
	}
}

func accountFields(account points.Account) map[string]any {
	fields := map[string]any{
		"user_id": account.UserID.String(),
		"balance": account.Balance.Int64(),
		"tier":    account.Tier.String(),
	}
	if !account.UpdatedAt.IsZero() {
		fields["updated_at"] = account.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

func recordFields(record points.AttendanceRecord) map[string]any {
	return map[string]any{
		"record_id":       record.RecordID,
		"attendance_date": record.Date.String(),
		"checked_in_at":   record.CheckedInAt.UTC().Format(time.RFC3339),
		"streak_count":    record.StreakCount,
		"points_earned":   record.PointsEarned.Int64(),
		"source":          record.Source,
		"note":            record.Note,
	}
}

func entryFields(entry points.LedgerEntry) map[string]any {
	var metadata map[string]any
	if err := json.Unmarshal([]byte(entry.Metadata.String()), &metadata); err != nil || metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"id":          entry.ID,
		"source":      entry.Source.String(),
		"delta":       entry.Delta.Int64(),
		"ref_type":    entry.Reference.Type,
		"ref_id":      entry.Reference.ID,
		"meta":        metadata,
		"occurred_at": entry.OccurredAt.UTC().Format(time.RFC3339),
	}
}

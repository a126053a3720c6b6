package points

import "time"

const (
	operationApply   = "apply"
	operationCheckIn = "check_in"
	operationVerify  = "verify"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusDrift = "drift"

	referenceTypeAttendance = "attendance"

	metadataKeyAttendanceDate = "attendance_date"
	metadataKeyStreakCount    = "streak_count"

	defaultMetadataJSON     = "{}"
	defaultCheckInSource    = "app"
	defaultLockTimeout      = 3 * time.Second
	defaultStatsWindowDays  = 30
	defaultPageLimit        = 50
	maxPageLimit            = 200
	maxStatsWindowDays      = 366
	maxCheckInSourceLength  = 32
	maxCheckInNoteLength    = 255
	maxReferenceFieldLength = 191
	dateLayout              = "2006-01-02"
)

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/speakle/rewards/pkg/points"
	"go.uber.org/zap"
)

// statusClientClosedRequest is the de facto status for a client that disconnected before the response.
const statusClientClosedRequest = 499

type httpHandler struct {
	logger     *zap.Logger
	engine     *points.Engine
	attendance *points.AttendanceService
}

type checkInRequest struct {
	Source string `json:"source"`
	Note   string `json:"note"`
}

type rewardRequest struct {
	Delta    *int64          `json:"delta"`
	Source   string          `json:"source"`
	RefType  string          `json:"ref_type"`
	RefID    string          `json:"ref_id"`
	Metadata json.RawMessage `json:"meta"`
}

type accountPayload struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Tier      string `json:"tier"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type recordPayload struct {
	RecordID     string `json:"record_id"`
	Date         string `json:"attendance_date"`
	CheckedInAt  string `json:"checked_in_at"`
	StreakCount  int    `json:"streak_count"`
	PointsEarned int64  `json:"points_earned"`
	Source       string `json:"source"`
	Note         string `json:"note,omitempty"`
}

type entryPayload struct {
	ID         int64           `json:"id"`
	Source     string          `json:"source"`
	Delta      int64           `json:"delta"`
	RefType    string          `json:"ref_type,omitempty"`
	RefID      string          `json:"ref_id,omitempty"`
	Metadata   json.RawMessage `json:"meta"`
	OccurredAt string          `json:"occurred_at"`
}

type statsPayload struct {
	CurrentStreak       int    `json:"current_streak"`
	MaxStreak           int    `json:"max_streak"`
	TotalAttendanceDays int    `json:"total_attendance_days"`
	CheckedInToday      bool   `json:"checked_in_today"`
	LastCheckInDate     string `json:"last_check_in_date,omitempty"`
}

func (handler *httpHandler) handleCheckIn(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request checkInRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_json", "invalid payload"))
		return
	}
	result, err := handler.attendance.CheckIn(ctx.Request.Context(), points.CheckInRequest{
		UserID: userID,
		Source: request.Source,
		Note:   request.Note,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"record":  newRecordPayload(result.Record),
		"account": newAccountPayload(result.Account),
	})
}

func (handler *httpHandler) handleStats(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	days, err := queryInt(ctx, "days")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_window", "days must be an integer"))
		return
	}
	stats, err := handler.attendance.Stats(ctx.Request.Context(), userID, int(days))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, statsPayload{
		CurrentStreak:       stats.CurrentStreak,
		MaxStreak:           stats.MaxStreak,
		TotalAttendanceDays: stats.TotalAttendanceDays,
		CheckedInToday:      stats.CheckedInToday,
		LastCheckInDate:     stats.LastCheckInDate.String(),
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	days, err := queryInt(ctx, "days")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_window", "days must be an integer"))
		return
	}
	records, err := handler.attendance.History(ctx.Request.Context(), userID, int(days))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]recordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newRecordPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"records": payload})
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	account, err := handler.engine.Account(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newAccountPayload(account))
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	beforeID, err := queryInt(ctx, "before_id")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_page", "before_id must be an integer"))
		return
	}
	limit, err := queryInt(ctx, "limit")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_page", "limit must be an integer"))
		return
	}
	entries, err := handler.engine.LedgerEntries(ctx.Request.Context(), userID, beforeID, int(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			ID:         entry.ID,
			Source:     entry.Source.String(),
			Delta:      entry.Delta.Int64(),
			RefType:    entry.Reference.Type,
			RefID:      entry.Reference.ID,
			Metadata:   json.RawMessage(entry.Metadata.String()),
			OccurredAt: entry.OccurredAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleReward(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request rewardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_json", "invalid payload"))
		return
	}
	if request.Delta == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_delta", "delta is required"))
		return
	}
	source, err := points.ParseSource(request.Source)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	// Attendance points are only earned through check-in.
	if source == points.SourceAttendance {
		handler.respondError(ctx, fmt.Errorf("%w: %s is credited by check-in only", points.ErrInvalidSource, source))
		return
	}
	reference, err := points.NewReference(request.RefType, request.RefID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.engine.Apply(ctx.Request.Context(), points.AccrualCommand{
		UserID:    userID,
		Delta:     points.Points(*request.Delta),
		Source:    source,
		Reference: reference,
		Metadata:  metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newAccountPayload(account))
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (points.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return points.UserID{}, false
	}
	userID, err := points.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return points.UserID{}, false
	}
	return userID, true
}

// respondError maps an error kind to a status; fatal causes are logged, never returned.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch points.Classify(err) {
	case points.KindValidation:
		ctx.JSON(http.StatusBadRequest, errorResponse(validationCode(err), err.Error()))
	case points.KindConflict:
		ctx.JSON(http.StatusConflict, errorResponse("already_checked_in", "already checked in today"))
	case points.KindNotFound:
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case points.KindRetryable:
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("account_busy", "account is busy, retry later"))
	case points.KindCanceled:
		handler.logger.Info("request canceled", zap.String("path", ctx.FullPath()), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			ctx.JSON(http.StatusGatewayTimeout, errorResponse("timeout", "request timed out"))
			return
		}
		ctx.JSON(statusClientClosedRequest, errorResponse("request_canceled", "request canceled"))
	default:
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
	}
}

var validationCodes = []struct {
	target error
	code   string
}{
	{points.ErrInvalidUserID, "invalid_user_id"},
	{points.ErrInvalidSource, "invalid_source"},
	{points.ErrInvalidDelta, "invalid_delta"},
	{points.ErrInvalidMetadataJSON, "invalid_metadata"},
	{points.ErrInvalidReference, "invalid_reference"},
	{points.ErrInvalidWindow, "invalid_window"},
	{points.ErrInvalidCheckIn, "invalid_check_in"},
	{points.ErrInvalidPageLimit, "invalid_page"},
}

func validationCode(err error) string {
	for _, candidate := range validationCodes {
		if errors.Is(err, candidate.target) {
			return candidate.code
		}
	}
	return "invalid_request"
}

func queryInt(ctx *gin.Context, name string) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func newAccountPayload(account points.Account) accountPayload {
	payload := accountPayload{
		UserID:  account.UserID.String(),
		Balance: account.Balance.Int64(),
		Tier:    account.Tier.String(),
	}
	if !account.UpdatedAt.IsZero() {
		payload.UpdatedAt = account.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func newRecordPayload(record points.AttendanceRecord) recordPayload {
	return recordPayload{
		RecordID:     record.RecordID,
		Date:         record.Date.String(),
		CheckedInAt:  record.CheckedInAt.UTC().Format(time.RFC3339),
		StreakCount:  record.StreakCount,
		PointsEarned: record.PointsEarned.Int64(),
		Source:       record.Source,
		Note:         record.Note,
	}
}

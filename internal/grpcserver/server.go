package grpcserver

import (
	"context"
	"errors"

	"github.com/speakle/rewards/pkg/points"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInvalidUserID    = "invalid_user_id"
	errorInvalidSource    = "invalid_source"
	errorInvalidDelta     = "invalid_delta"
	errorInvalidMetadata  = "invalid_metadata_json"
	errorInvalidReference = "invalid_reference"
	errorInvalidCheckIn   = "invalid_check_in"
	errorInvalidListLimit = "invalid_list_limit"
	errorInvalidRequest   = "invalid_request"
	errorAlreadyCheckedIn = "already_checked_in"
	errorUnknownAccount   = "unknown_account"
	errorAccountBusy      = "account_busy"
	errorInternal         = "internal_error"
)

// PointsServer exposes the points engine and attendance service over gRPC.
type PointsServer struct {
	engine     *points.Engine
	attendance *points.AttendanceService
	logger     *zap.Logger
}

// NewPointsServer constructs a gRPC server for the points service.
func NewPointsServer(engine *points.Engine, attendance *points.AttendanceService, logger *zap.Logger) *PointsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PointsServer{engine: engine, attendance: attendance, logger: logger}
}

func (server *PointsServer) Apply(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := points.NewUserID(stringField(request, "user_id"))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	delta, present, err := intField(request, "delta")
	if err != nil || !present {
		return nil, status.Error(codes.InvalidArgument, errorInvalidDelta)
	}
	source, err := points.ParseSource(stringField(request, "source"))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	reference, err := points.NewReference(stringField(request, "ref_type"), stringField(request, "ref_id"))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	metadata, err := metadataField(request)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	account, operationError := server.engine.Apply(ctx, points.AccrualCommand{
		UserID:    userID,
		Delta:     points.Points(delta),
		Source:    source,
		Reference: reference,
		Metadata:  metadata,
	})
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return server.respond(map[string]any{"account": accountFields(account)})
}

func (server *PointsServer) CheckIn(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := points.NewUserID(stringField(request, "user_id"))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	result, operationError := server.attendance.CheckIn(ctx, points.CheckInRequest{
		UserID: userID,
		Source: stringField(request, "source"),
		Note:   stringField(request, "note"),
	})
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return server.respond(map[string]any{
		"record":  recordFields(result.Record),
		"account": accountFields(result.Account),
	})
}

func (server *PointsServer) GetAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := points.NewUserID(stringField(request, "user_id"))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	account, operationError := server.engine.Account(ctx, userID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return server.respond(map[string]any{"account": accountFields(account)})
}

func (server *PointsServer) ListLedgerEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := points.NewUserID(stringField(request, "user_id"))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	beforeID, _, err := intField(request, "before_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	limit, _, err := intField(request, "limit")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	entries, operationError := server.engine.LedgerEntries(ctx, userID, beforeID, int(limit))
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	payload := make([]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryFields(entry))
	}
	return server.respond(map[string]any{"entries": payload})
}

func (server *PointsServer) respond(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		server.logger.Error("encode response", zap.Error(err))
		return nil, status.Error(codes.Internal, errorInternal)
	}
	return response, nil
}

func (server *PointsServer) mapToGRPCError(source error) error {
	switch points.Classify(source) {
	case points.KindValidation:
		return status.Error(codes.InvalidArgument, validationCode(source))
	case points.KindConflict:
		return status.Error(codes.AlreadyExists, errorAlreadyCheckedIn)
	case points.KindNotFound:
		return status.Error(codes.NotFound, errorUnknownAccount)
	case points.KindRetryable:
		return status.Error(codes.Unavailable, errorAccountBusy)
	case points.KindCanceled:
		if errors.Is(source, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, source.Error())
		}
		return status.Error(codes.Canceled, source.Error())
	default:
		server.logger.Error("points rpc failed", zap.Error(source))
		return status.Error(codes.Internal, errorInternal)
	}
}

func validationCode(source error) string {
	switch {
	case errors.Is(source, points.ErrInvalidUserID):
		return errorInvalidUserID
	case errors.Is(source, points.ErrInvalidSource):
		return errorInvalidSource
	case errors.Is(source, points.ErrInvalidDelta):
		return errorInvalidDelta
	case errors.Is(source, points.ErrInvalidMetadataJSON):
		return errorInvalidMetadata
	case errors.Is(source, points.ErrInvalidReference):
		return errorInvalidReference
	case errors.Is(source, points.ErrInvalidCheckIn):
		return errorInvalidCheckIn
	case errors.Is(source, points.ErrInvalidPageLimit):
		return errorInvalidListLimit
	default:
		return errorInvalidRequest
	}
}

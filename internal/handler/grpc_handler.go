package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "workflows.v1.WorkflowService"

// Metadata keys carrying the caller identity.
const (
	MetadataTenantID = "x-tenant-id"
	MetadataUserID   = "x-user-id"
)

// WorkflowServiceServer is the RPC surface. Messages are google.protobuf.Struct
// documents with the same snake_case fields as the REST API.
type WorkflowServiceServer interface {
	CreateInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TakeAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPendingTasks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateApprovalRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetApprovalRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// GRPCHandler implements WorkflowServiceServer on top of the services.
type GRPCHandler struct {
	instances *service.InstanceService
	tasks     *service.TaskQueue
	approvals *service.ApprovalChainService
	logger    *logger.Logger
}

var _ WorkflowServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(
	instances *service.InstanceService,
	tasks *service.TaskQueue,
	approvals *service.ApprovalChainService,
	log *logger.Logger,
) *GRPCHandler {
	return &GRPCHandler{
		instances: instances,
		tasks:     tasks,
		approvals: approvals,
		logger:    log.Component("grpc"),
	}
}

// RegisterWorkflowServiceServer registers srv on s.
func RegisterWorkflowServiceServer(s grpc.ServiceRegistrar, srv WorkflowServiceServer) {
	s.RegisterService(&workflowServiceDesc, srv)
}

// ── Identity ─────────────────────────────────────────────────────────────────

type identityKey struct{}

type identity struct {
	tenantID string
	userID   string
}

// IdentityInterceptor reads x-tenant-id and x-user-id from the incoming
// metadata. Calls without both are rejected.
func IdentityInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
		return next(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	id := identity{tenantID: firstValue(md, MetadataTenantID), userID: firstValue(md, MetadataUserID)}
	if id.tenantID == "" || id.userID == "" {
		return nil, status.Error(codes.Unauthenticated, "tenant and user metadata are required")
	}
	return next(context.WithValue(ctx, identityKey{}, id), req)
}

// LoggingInterceptor logs every call with its status code and duration.
func LoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		log.Info().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func identityOf(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// ── Instances ─────────────────────────────────────────────────────────────────

type idBody struct {
	ID string `json:"id"`
}

type grpcActionBody struct {
	ID       string  `json:"id"`
	Action   string  `json:"action"`
	Comments *string `json:"comments"`
}

type grpcCancelBody struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type grpcTasksBody struct {
	UserID string `json:"user_id"`
}

type grpcDecisionBody struct {
	ID       string  `json:"id"`
	Comments *string `json:"comments"`
}

func (h *GRPCHandler) CreateInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body createInstanceBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	id := identityOf(ctx)

	inst, err := h.instances.CreateInstance(ctx, service.CreateInstanceRequest{
		TenantID:     id.tenantID,
		DefinitionID: body.WorkflowID,
		Title:        body.Title,
		EntityType:   body.EntityType,
		EntityID:     body.EntityID,
		InitiatorID:  id.userID,
		Assignees:    body.Assignees,
	})
	if err != nil {
		return nil, h.mapError("CreateInstance", err)
	}
	return encodeStruct(inst)
}

func (h *GRPCHandler) GetInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body idBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	inst, err := h.instances.GetInstance(ctx, identityOf(ctx).tenantID, body.ID)
	if err != nil {
		return nil, h.mapError("GetInstance", err)
	}
	return encodeStruct(inst)
}

func (h *GRPCHandler) TakeAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body grpcActionBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	id := identityOf(ctx)

	inst, err := h.instances.TakeAction(ctx, id.tenantID, body.ID, id.userID,
		repository.Action(strings.ToUpper(body.Action)), body.Comments)
	if err != nil {
		return nil, h.mapError("TakeAction", err)
	}
	return encodeStruct(inst)
}

func (h *GRPCHandler) CancelInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body grpcCancelBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	id := identityOf(ctx)

	inst, err := h.instances.CancelInstance(ctx, id.tenantID, body.ID, id.userID, body.Reason)
	if err != nil {
		return nil, h.mapError("CancelInstance", err)
	}
	return encodeStruct(inst)
}

func (h *GRPCHandler) ListPendingTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body grpcTasksBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	id := identityOf(ctx)
	if body.UserID != "" && body.UserID != id.userID {
		return nil, h.mapError("ListPendingTasks", errors.Forbidden("users can only list their own tasks"))
	}

	tasks, err := h.tasks.ListPendingTasks(ctx, id.tenantID, id.userID)
	if err != nil {
		return nil, h.mapError("ListPendingTasks", err)
	}
	return encodeStruct(listOf(tasks))
}

// ── Approval requests ─────────────────────────────────────────────────────────

func (h *GRPCHandler) CreateApprovalRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body createApprovalBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	id := identityOf(ctx)

	req, err := h.approvals.CreateRequest(ctx, service.CreateRequestInput{
		TenantID:     id.tenantID,
		WorkflowID:   body.WorkflowID,
		Title:        body.Title,
		EntityType:   body.EntityType,
		EntityID:     body.EntityID,
		RequesterID:  id.userID,
		Approvers:    body.Approvers,
		Amount:       body.Amount,
		Currency:     body.Currency,
		ApprovalType: repository.ApprovalType(strings.ToUpper(body.ApprovalType)),
	})
	if err != nil {
		return nil, h.mapError("CreateApprovalRequest", err)
	}
	return encodeStruct(req)
}

func (h *GRPCHandler) GetApprovalRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body idBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.approvals.GetRequest(ctx, identityOf(ctx).tenantID, body.ID)
	if err != nil {
		return nil, h.mapError("GetApprovalRequest", err)
	}
	return encodeStruct(req)
}

func (h *GRPCHandler) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body grpcDecisionBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	id := identityOf(ctx)

	req, err := h.approvals.Approve(ctx, id.tenantID, body.ID, id.userID, body.Comments)
	if err != nil {
		return nil, h.mapError("Approve", err)
	}
	return encodeStruct(req)
}

func (h *GRPCHandler) Reject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body grpcDecisionBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	id := identityOf(ctx)

	req, err := h.approvals.Reject(ctx, id.tenantID, body.ID, id.userID, body.Comments)
	if err != nil {
		return nil, h.mapError("Reject", err)
	}
	return encodeStruct(req)
}

// ── Service descriptor ────────────────────────────────────────────────────────

type rpcFunc func(WorkflowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call rpcFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WorkflowServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(WorkflowServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var workflowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateInstance", WorkflowServiceServer.CreateInstance),
		unaryMethod("GetInstance", WorkflowServiceServer.GetInstance),
		unaryMethod("TakeAction", WorkflowServiceServer.TakeAction),
		unaryMethod("CancelInstance", WorkflowServiceServer.CancelInstance),
		unaryMethod("ListPendingTasks", WorkflowServiceServer.ListPendingTasks),
		unaryMethod("CreateApprovalRequest", WorkflowServiceServer.CreateApprovalRequest),
		unaryMethod("GetApprovalRequest", WorkflowServiceServer.GetApprovalRequest),
		unaryMethod("Approve", WorkflowServiceServer.Approve),
		unaryMethod("Reject", WorkflowServiceServer.Reject),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "workflows/v1/workflows.proto",
}

// ── Helper functions ──────────────────────────────────────────────────────────

// decodeStruct maps a Struct onto a JSON-tagged body.
func decodeStruct(in *structpb.Struct, out any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// encodeStruct renders v through its JSON form.
func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// mapError converts a service error to a gRPC status.
func (h *GRPCHandler) mapError(method string, err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		h.logger.Error().Err(err).Str("method", method).Msg("RPC failed")
		return status.Error(code, "internal error")
	}
	return status.Error(code, errorMessage(err))
}

func grpcCode(err error) codes.Code {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeValidation:
		return codes.InvalidArgument
	case errors.ErrCodeInvalidState:
		return codes.FailedPrecondition
	case errors.ErrCodeForbidden:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

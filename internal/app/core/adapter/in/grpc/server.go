package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/dto"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// ServiceName gRPC 服務全名
const ServiceName = "ledger.v1.LedgerService"

// OwnerMetadataKey 呼叫者身分 (由上游 gateway 驗證後帶入)
const OwnerMetadataKey = "x-owner-id"

// LedgerServiceServer 所有 RPC 的請求與回應都是 structpb.Struct
type LedgerServiceServer interface {
	OpenWallet(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	TopUp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetWallet(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	VerifyWallet(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RecordExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	EditExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RemoveExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListExpenses(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DailySummary(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	MonthlySummary(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type GrpcServer struct {
	core *usecase.Coordinator
}

var _ LedgerServiceServer = (*GrpcServer)(nil)

func NewGrpcServer(core *usecase.Coordinator) *GrpcServer {
	return &GrpcServer{
		core: core,
	}
}

// Register 把服務註冊到 grpc.Server
func Register(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func (s *GrpcServer) OpenWallet(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dto.AmountRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	initial, err := req.ToMinor(true)
	if err != nil {
		return nil, toStatus(err)
	}
	w, created, err := s.core.OpenWallet(ctx, ownerFrom(ctx), initial)
	if err != nil {
		return nil, toStatus(err)
	}
	view := dto.NewWallet(w)
	view.Created = created
	return encode(view)
}

func (s *GrpcServer) TopUp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dto.AmountRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	amount, err := req.ToMinor(false)
	if err != nil {
		return nil, toStatus(err)
	}
	w, err := s.core.TopUp(ctx, ownerFrom(ctx), amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewWallet(w))
}

func (s *GrpcServer) GetWallet(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.core.GetWallet(ctx, ownerFrom(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewWallet(w))
}

func (s *GrpcServer) VerifyWallet(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	audit, err := s.core.VerifyWallet(ctx, ownerFrom(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewAudit(audit))
}

func (s *GrpcServer) RecordExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dto.ExpenseRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	input, err := req.ToInput(s.core.Location())
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.core.RecordExpense(ctx, ownerFrom(ctx), input)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewResult(res))
}

type editRequest struct {
	ID    string          `json:"id"`
	Patch json.RawMessage `json:"patch"`
}

func (s *GrpcServer) EditExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req editRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	id, err := dto.ParseID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	patch, err := dto.DecodePatch(req.Patch, s.core.Location())
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.core.EditExpense(ctx, ownerFrom(ctx), id, patch)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewResult(res))
}

type idRequest struct {
	ID string `json:"id"`
}

func (s *GrpcServer) RemoveExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	id, err := dto.ParseID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.core.RemoveExpense(ctx, ownerFrom(ctx), id)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewResult(res))
}

func (s *GrpcServer) GetExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	id, err := dto.ParseID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	t, err := s.core.GetExpense(ctx, ownerFrom(ctx), id)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewTransaction(t))
}

func (s *GrpcServer) ListExpenses(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dto.ListQuery
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	filter, err := req.ToFilter(s.core.Location())
	if err != nil {
		return nil, toStatus(err)
	}
	list, err := s.core.ListExpenses(ctx, ownerFrom(ctx), filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewList(list, filter))
}

type dailyRequest struct {
	Date string `json:"date"`
}

func (s *GrpcServer) DailySummary(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dailyRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	var day time.Time
	if req.Date != "" {
		d, err := domain.ParseEffectiveDate(req.Date, s.core.Location())
		if err != nil {
			return nil, toStatus(err)
		}
		day = d
	}
	sum, err := s.core.DailySummary(ctx, ownerFrom(ctx), day)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewSummary(sum))
}

type monthlyRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

func (s *GrpcServer) MonthlySummary(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req monthlyRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	sum, err := s.core.MonthlySummary(ctx, ownerFrom(ctx), req.Year, req.Month)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.NewSummary(sum))
}

// ownerFrom 從 metadata 取出 owner，沒有時回傳空字串 (由 Coordinator 回報 validation)
func ownerFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(OwnerMetadataKey); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus 把 domain 錯誤分類轉成 gRPC status code
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInsufficientFunds):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrConflict):
		code = codes.Aborted
	case errors.Is(err, domain.ErrStorageUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// LoggingInterceptor 記錄每個 RPC 的結果與耗時
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unavailable {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "grpc request",
			"method", info.FullMethod,
			"owner_id", ownerFrom(ctx),
			"code", code.String(),
			"duration", time.Since(start))
		return resp, err
	}
}

type handlerFunc func(srv LedgerServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call handlerFunc) grpc.MethodDesc {
	fullMethod := FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc ledger.v1.LedgerService 的描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("OpenWallet", LedgerServiceServer.OpenWallet),
		unary("TopUp", LedgerServiceServer.TopUp),
		unary("GetWallet", LedgerServiceServer.GetWallet),
		unary("VerifyWallet", LedgerServiceServer.VerifyWallet),
		unary("RecordExpense", LedgerServiceServer.RecordExpense),
		unary("EditExpense", LedgerServiceServer.EditExpense),
		unary("RemoveExpense", LedgerServiceServer.RemoveExpense),
		unary("GetExpense", LedgerServiceServer.GetExpense),
		unary("ListExpenses", LedgerServiceServer.ListExpenses),
		unary("DailySummary", LedgerServiceServer.DailySummary),
		unary("MonthlySummary", LedgerServiceServer.MonthlySummary),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/ledger.proto",
}

// FullMethod 給 client 使用的完整方法名稱
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

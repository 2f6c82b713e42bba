package handler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/core/service"
)

const (
	deductionServiceName = "inventory.v1.DeductionService"
	deductMethod         = "/" + deductionServiceName + "/Deduct"
	recordSaleMethod     = "/" + deductionServiceName + "/RecordSale"

	// JSONCodecName is the content subtype clients must request.
	JSONCodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the domain types as JSON over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type DeductResponse struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Result  *domain.DeductionResult `json:"result,omitempty"`
	Errors  []domain.LineError      `json:"errors,omitempty"`
}

type SaleResponse struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Outcome *service.SaleOutcome `json:"outcome,omitempty"`
}

type DeductionServer interface {
	Deduct(context.Context, *domain.DeductionRequest) (*DeductResponse, error)
	RecordSale(context.Context, *domain.Sale) (*SaleResponse, error)
}

type GRPCHandler struct {
	coordinator *service.Coordinator
	sales       *service.SaleService
	logger      *zap.Logger
}

func NewGRPCHandler(coordinator *service.Coordinator, sales *service.SaleService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{coordinator: coordinator, sales: sales, logger: logger}
}

func RegisterDeductionServer(s grpc.ServiceRegistrar, srv DeductionServer) {
	s.RegisterService(&deductionServiceDesc, srv)
}

func (h *GRPCHandler) Deduct(ctx context.Context, req *domain.DeductionRequest) (*DeductResponse, error) {
	res, err := h.coordinator.Deduct(ctx, *req)
	if err != nil {
		var de *domain.DeductionError
		if errors.As(err, &de) {
			msg := "insufficient stock"
			switch {
			case de.Has(domain.KindConcurrencyConflict):
				msg = "concurrent update, retry later"
			case de.Has(domain.KindItemNotFound):
				msg = "item not found"
			}
			return &DeductResponse{Success: false, Message: msg, Errors: de.Lines}, nil
		}
		return nil, h.statusError(err)
	}

	msg := "deduction applied"
	if res.Replayed {
		msg = "deduction already applied"
	}
	return &DeductResponse{Success: true, Message: msg, Result: &res}, nil
}

func (h *GRPCHandler) RecordSale(ctx context.Context, req *domain.Sale) (*SaleResponse, error) {
	out, err := h.sales.RecordSale(ctx, *req)
	if err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			return &SaleResponse{Success: false, Message: err.Error()}, nil
		}
		return nil, h.statusError(err)
	}

	msg := "sale applied"
	if out.Status == service.SaleQueued {
		msg = "sale queued"
	}
	return &SaleResponse{Success: true, Message: msg, Outcome: &out}, nil
}

func (h *GRPCHandler) statusError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	h.logger.Error("grpc call failed", zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

var deductionServiceDesc = grpc.ServiceDesc{
	ServiceName: deductionServiceName,
	HandlerType: (*DeductionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deduct", Handler: deductHandler},
		{MethodName: "RecordSale", Handler: recordSaleHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func deductHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(domain.DeductionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeductionServer).Deduct(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deductMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DeductionServer).Deduct(ctx, req.(*domain.DeductionRequest))
	})
}

func recordSaleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(domain.Sale)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeductionServer).RecordSale(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: recordSaleMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DeductionServer).RecordSale(ctx, req.(*domain.Sale))
	})
}

// DeductionClient calls a DeductionService over a connection.
type DeductionClient struct {
	cc grpc.ClientConnInterface
}

func NewDeductionClient(cc grpc.ClientConnInterface) *DeductionClient {
	return &DeductionClient{cc: cc}
}

func (c *DeductionClient) Deduct(ctx context.Context, in *domain.DeductionRequest, opts ...grpc.CallOption) (*DeductResponse, error) {
	out := new(DeductResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, deductMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DeductionClient) RecordSale(ctx context.Context, in *domain.Sale, opts ...grpc.CallOption) (*SaleResponse, error) {
	out := new(SaleResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, recordSaleMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

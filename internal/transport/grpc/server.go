package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"slidecredit/internal/model"
	"slidecredit/internal/service"
)

const serviceName = "slidecredit.v1.CreditService"

type BalanceRequest struct {
	AccountID string `json:"account_id"`
}

type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// CreditServiceServer is the gRPC surface of the ledger.
type CreditServiceServer interface {
	Deduct(ctx context.Context, req *model.CreditRequest) (*model.Result, error)
	Add(ctx context.Context, req *model.CreditRequest) (*model.Result, error)
	Balance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deduct", CreditServiceServer.Deduct),
		unary("Add", CreditServiceServer.Add),
		unary("Balance", CreditServiceServer.Balance),
	},
	Streams: []grpc.StreamDesc{},
}

func unary[Req, Resp any](method string, call func(CreditServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(CreditServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

type Server struct {
	svc  service.LedgerService
	srv  *grpc.Server
	addr string
}

var _ CreditServiceServer = (*Server)(nil)

// NewServer serves svc on addr. Callers must present token as a bearer
// service token; the HTTP API's per-user JWTs are not accepted here.
func NewServer(addr string, svc service.LedgerService, token string) *Server {
	s := &Server{
		svc:  svc,
		addr: addr,
		srv:  grpc.NewServer(grpc.ChainUnaryInterceptor(logCalls, requireToken(token))),
	}
	s.srv.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("grpc: listening", "addr", s.addr)
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) Deduct(ctx context.Context, req *model.CreditRequest) (*model.Result, error) {
	res, err := s.svc.Deduct(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) Add(ctx context.Context, req *model.CreditRequest) (*model.Result, error) {
	res, err := s.svc.Add(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) Balance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	if req.AccountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	return &BalanceResponse{AccountID: req.AccountID, Balance: s.svc.Balance(ctx, req.AccountID)}, nil
}

func toStatus(err error) error {
	var insufficient *model.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		return status.Errorf(codes.FailedPrecondition, "%v", insufficient)
	case errors.Is(err, model.ErrInsufficientCredits):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, model.ErrAccountNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrInvalidKind),
		errors.Is(err, model.ErrBalanceOverflow):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.Debug("grpc: call served",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start),
	)
	return resp, err
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/usersim/usersim-go/eval"
	"github.com/usersim/usersim-go/interchange"
	"github.com/usersim/usersim-go/sources"
)

// The judgement service speaks google.protobuf.Struct on both sides, so
// clients need no generated stubs: the request is a metrics or
// perceptions document and the response is a results document, both in
// their usual JSON shapes.
const judgementService = "usersim.v1.Judgement"

type judgementJudge interface {
	Judge(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type judgementServer struct {
	state *serverState
}

// Judge runs one document through perceive and judge synchronously. The
// verdict also lands in the rolling matrix, same as documents arriving
// through a source.
func (s *judgementServer) Judge(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw, err := in.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encoding request: %v", err)
	}
	doc, err := sources.NewDoc("grpc", raw, nil)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	matrix, err := s.state.Process(ctx, doc)
	if err != nil {
		return nil, judgeStatus(ctx, err)
	}

	data, err := json.Marshal(interchange.EncodeMatrix(matrix))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding results: %v", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "shaping results: %v", err)
	}
	return out, nil
}

// judgeStatus maps pipeline failures to gRPC codes. A backend
// disagreement is the server's fault; everything else means the caller
// sent a document the pipeline cannot judge.
func judgeStatus(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return status.FromContextError(ctx.Err()).Err()
	}
	var dis *eval.DisagreementError
	if errors.As(err, &dis) {
		return status.Errorf(codes.Internal, "%v", err)
	}
	return status.Errorf(codes.InvalidArgument, "%v", err)
}

func judgeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(judgementJudge).Judge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + judgementService + "/Judge",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(judgementJudge).Judge(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var judgementServiceDesc = grpc.ServiceDesc{
	ServiceName: judgementService,
	HandlerType: (*judgementJudge)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Judge",
			Handler:    judgeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "usersim/v1/judgement.proto",
}

func startGRPCServer(ctx context.Context, addr string, state *serverState, logger *slog.Logger) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("grpc listen failed", "addr", addr, "error", err)
		return
	}

	server := grpc.NewServer()
	server.RegisterService(&judgementServiceDesc, &judgementServer{state: state})

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	healthSrv.SetServingStatus(judgementService, healthpb.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		healthSrv.Shutdown()
		server.GracefulStop()
	}()

	logger.Info("grpc server listening", "addr", addr)
	if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("grpc server failed", "error", err)
	}
}

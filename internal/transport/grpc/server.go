package grpc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"bookcal/backend/internal/auth"
)

const ServiceName = "bookcal.v1.SchedulingService"

// SchedulingServiceServer is the handler set behind ServiceDesc. Requests and
// responses are google.protobuf.Struct messages with snake_case fields.
type SchedulingServiceServer interface {
	GetAvailableSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CheckAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CreateBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ConnectCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DisconnectCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CalendarStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetAvailableSlots", SchedulingServiceServer.GetAvailableSlots),
		unaryMethod("CheckAvailability", SchedulingServiceServer.CheckAvailability),
		unaryMethod("CreateBooking", SchedulingServiceServer.CreateBooking),
		unaryMethod("CancelBooking", SchedulingServiceServer.CancelBooking),
		unaryMethod("ConnectCalendar", SchedulingServiceServer.ConnectCalendar),
		unaryMethod("DisconnectCalendar", SchedulingServiceServer.DisconnectCalendar),
		unaryMethod("CalendarStatus", SchedulingServiceServer.CalendarStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bookcal/v1/scheduling.proto",
}

type unaryCall func(SchedulingServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SchedulingServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SchedulingServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Invoke calls method on a SchedulingService over cc.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type ServerOptions struct {
	RequestTimeout time.Duration
	Log            *slog.Logger
}

// NewServer builds a gRPC server exposing the scheduling service and the
// standard health service. The returned health server reports SERVING until
// Shutdown is called on it.
func NewServer(svc SchedulingServiceServer, opts ServerOptions) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RequestTimeoutInterceptor(opts.RequestTimeout),
			PrincipalInterceptor(opts.Log),
		),
	)
	s.RegisterService(&ServiceDesc, svc)

	h := health.NewServer()
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, h)
	return s, h
}

func RequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

// PrincipalInterceptor attaches the caller identity forwarded by the upstream
// auth layer in x-user-id / x-user-role metadata. Calls without x-user-id
// proceed anonymously; a missing role means client.
func PrincipalInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "grpc.auth"))

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		userID := firstMetadata(ctx, "x-user-id")
		if userID == "" {
			return handler(ctx, req)
		}

		role := auth.RoleClient
		if raw := firstMetadata(ctx, "x-user-role"); raw != "" {
			r, ok := auth.ParseRole(raw)
			if !ok {
				log.Warn("unknown role", slog.String("rpc", info.FullMethod), slog.String("user_id", userID), slog.String("role", raw))
				return nil, status.Error(codes.Unauthenticated, "unknown role")
			}
			role = r
		}
		return handler(auth.WithPrincipal(ctx, auth.Principal{UserID: userID, Role: role}), req)
	}
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

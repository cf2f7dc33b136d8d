// Package grpc is the peer RPC transport: replica recovery (update-log tail
// and snapshot streaming), forwarding of store writes to the raft leader and
// node status. Services are described by hand and carried with a JSON codec.
package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "time"

    "go.uber.org/zap"
    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-shardcoord/pkg/observability/tracing"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

const (
    recoveryService   = "shardcoord.v1.Recovery"
    storeService      = "shardcoord.v1.Store"
    managementService = "shardcoord.v1.Management"

    methodTail     = "/" + recoveryService + "/GetUpdateLogTail"
    methodSnapshot = "/" + recoveryService + "/GetSnapshot"
    methodApply    = "/" + storeService + "/Apply"
    methodStatus   = "/" + managementService + "/GetStatus"
)

// Handlers are the node callbacks behind the services. A nil handler leaves
// its service unregistered.
type Handlers struct {
    Recovery   transport.RecoveryService
    StoreApply transport.StoreApplyFunc
    Status     transport.StatusFunc
}

type Server struct {
    bind   string
    log    *zap.Logger
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
    tlsCfg *tls.Config
}

func NewServer(bind string, log *zap.Logger) *Server {
    if log == nil { log = zap.NewNop() }
    return &Server{bind: bind, log: log.Named("grpc")}
}

// UseTLS enables TLS for the server.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start listens on the bind address and serves until ctx ends or Stop.
func (s *Server) Start(ctx context.Context, h Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    return s.Serve(ctx, lis, h)
}

// Serve serves on an existing listener (bufconn in tests).
func (s *Server) Serve(ctx context.Context, lis net.Listener, h Handlers) error {
    s.lis = lis
    opts := []grpc.ServerOption{
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    s.health = health.NewServer()
    healthpb.RegisterHealthServer(srv, s.health)
    if h.Recovery != nil { srv.RegisterService(&recoveryServiceDesc, &recoveryImpl{svc: h.Recovery}) }
    if h.StoreApply != nil { srv.RegisterService(&storeServiceDesc, &storeImpl{apply: h.StoreApply}) }
    if h.Status != nil { srv.RegisterService(&managementServiceDesc, &managementImpl{status: h.Status}) }

    go func() {
        <-ctx.Done()
        stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(stopCtx)
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            s.log.Warn("serve ended", zap.Error(err))
        }
    }()
    s.log.Info("peer rpc listening", zap.String("addr", lis.Addr().String()))
    return nil
}

// Addr is the bound address (the listener's when serving).
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// SetServing flips the health status reported to peers.
func (s *Server) SetServing(ok bool) {
    if s.health == nil { return }
    st := healthpb.HealthCheckResponse_SERVING
    if !ok { st = healthpb.HealthCheckResponse_NOT_SERVING }
    s.health.SetServingStatus("", st)
}

func (s *Server) Stop(ctx context.Context) error {
    srv := s.srv
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

func toStatus(err error) error {
    switch {
    case err == nil:
        return nil
    case errors.Is(err, transport.ErrNoCore):
        return status.Error(codes.NotFound, err.Error())
    case errors.Is(err, transport.ErrNotShardLeader):
        return status.Error(codes.FailedPrecondition, err.Error())
    case errors.Is(err, context.Canceled):
        return status.Error(codes.Canceled, err.Error())
    case errors.Is(err, context.DeadlineExceeded):
        return status.Error(codes.DeadlineExceeded, err.Error())
    }
    return status.Error(codes.Unavailable, err.Error())
}

// --- Recovery ---

type recoveryServer interface {
    GetUpdateLogTail(ctx context.Context, in *transport.TailRequest) (*transport.TailResponse, error)
    GetSnapshot(in *transport.SnapshotRequest, stream grpc.ServerStream) error
}

type recoveryImpl struct{ svc transport.RecoveryService }

func (r *recoveryImpl) GetUpdateLogTail(ctx context.Context, in *transport.TailRequest) (*transport.TailResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.tail", "core", in.Core)
    defer end()
    out, err := r.svc.GetUpdateLogTail(ctx, *in)
    if err != nil { return nil, toStatus(err) }
    return &out, nil
}

// GetSnapshot forwards document blocks and replaces the service's final
// block with the integrity marker computed over what was actually sent.
func (r *recoveryImpl) GetSnapshot(in *transport.SnapshotRequest, stream grpc.ServerStream) error {
    ctx, end := tracing.StartSpan(stream.Context(), "grpc.snapshot", "core", in.Core)
    defer end()
    sum := transport.NewChecksum()
    sentMarker := false
    err := r.svc.GetSnapshot(ctx, *in, func(b transport.SnapshotBlock) error {
        if b.Final {
            marker := transport.SnapshotBlock{Final: true, Version: b.Version, NumDocs: sum.Count(), Checksum: sum.Sum()}
            sentMarker = true
            return stream.SendMsg(&marker)
        }
        sum.Add(b.Docs...)
        return stream.SendMsg(&transport.SnapshotBlock{Docs: b.Docs})
    })
    if err != nil { return toStatus(err) }
    if !sentMarker { return status.Error(codes.Internal, "snapshot ended without marker") }
    return nil
}

var recoveryServiceDesc = grpc.ServiceDesc{
    ServiceName: recoveryService,
    HandlerType: (*recoveryServer)(nil),
    Methods:     []grpc.MethodDesc{{MethodName: "GetUpdateLogTail", Handler: tailHandler}},
    Streams: []grpc.StreamDesc{{
        StreamName:    "GetSnapshot",
        ServerStreams: true,
        Handler:       snapshotHandler,
    }},
}

func tailHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(transport.TailRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(recoveryServer).GetUpdateLogTail(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTail}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(recoveryServer).GetUpdateLogTail(ctx, req.(*transport.TailRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func snapshotHandler(srv any, stream grpc.ServerStream) error {
    in := new(transport.SnapshotRequest)
    if err := stream.RecvMsg(in); err != nil { return err }
    return srv.(recoveryServer).GetSnapshot(in, stream)
}

// --- Store forwarding ---

type storeServer interface {
    Apply(ctx context.Context, in *transport.StoreApplyRequest) (*transport.StoreApplyResponse, error)
}

type storeImpl struct{ apply transport.StoreApplyFunc }

func (s *storeImpl) Apply(ctx context.Context, in *transport.StoreApplyRequest) (*transport.StoreApplyResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.store_apply", "kind", string(in.Op.Kind))
    defer end()
    res, idx, err := s.apply(ctx, in.Op)
    if err != nil {
        return &transport.StoreApplyResponse{Error: err.Error(), NotLeader: errors.Is(err, transport.ErrNotLeader)}, nil
    }
    return &transport.StoreApplyResponse{Result: res, Index: idx}, nil
}

var storeServiceDesc = grpc.ServiceDesc{
    ServiceName: storeService,
    HandlerType: (*storeServer)(nil),
    Methods:     []grpc.MethodDesc{{MethodName: "Apply", Handler: applyHandler}},
}

func applyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(transport.StoreApplyRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(storeServer).Apply(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodApply}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(storeServer).Apply(ctx, req.(*transport.StoreApplyRequest))
    }
    return interceptor(ctx, in, info, handler)
}

// --- Management ---

type empty struct{}
type statusBlob struct {
    Data []byte `json:"data"`
}

type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
}

type managementImpl struct{ status transport.StatusFunc }

func (m *managementImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.status(ctx)
    if err != nil { return nil, toStatus(err) }
    return &statusBlob{Data: b}, nil
}

var managementServiceDesc = grpc.ServiceDesc{
    ServiceName: managementService,
    HandlerType: (*managementServer)(nil),
    Methods:     []grpc.MethodDesc{{MethodName: "GetStatus", Handler: statusHandler}},
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(managementServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

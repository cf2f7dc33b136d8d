package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "io"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

// Client calls peer services over connections cached by a ConnManager.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    cm      *ConnManager
    ownsCM  bool
    dialer  func(ctx context.Context, addr string) (net.Conn, error)
}

type ClientOption func(*Client)

// WithTLS dials with TLS.
func WithTLS(cfg *tls.Config) ClientOption { return func(c *Client) { c.tlsCfg = cfg } }

// WithConnManager shares a connection manager owned elsewhere (the resource
// layer closes it at shutdown).
func WithConnManager(cm *ConnManager) ClientOption { return func(c *Client) { c.cm = cm } }

// WithContextDialer replaces the network dialer, e.g. with a bufconn.
func WithContextDialer(fn func(ctx context.Context, addr string) (net.Conn, error)) ClientOption {
    return func(c *Client) { c.dialer = fn }
}

func NewClient(timeout time.Duration, opts ...ClientOption) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    c := &Client{timeout: timeout}
    for _, o := range opts { o(c) }
    if c.cm == nil {
        c.cm = NewConnManager(30*time.Second, c.Dial)
        c.ownsCM = true
    }
    return c
}

// Dial opens a new connection configured like the client's cached ones.
func (c *Client) Dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.dialer != nil { opts = append(opts, grpc.WithContextDialer(c.dialer)) }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    if c.dialer != nil { target = "passthrough:///" + target }
    return grpc.NewClient(target, opts...)
}

// Close releases the connection manager when the client created it.
func (c *Client) Close() error {
    if c.ownsCM { return c.cm.Close() }
    return nil
}

func fromStatus(err error) error {
    if err == nil { return nil }
    s, ok := status.FromError(err)
    if !ok { return err }
    switch s.Code() {
    case codes.NotFound:
        return transport.ErrNoCore
    case codes.FailedPrecondition:
        return transport.ErrNotShardLeader
    }
    return err
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    return fromStatus(cc.Invoke(cctx, method, in, out))
}

func (c *Client) GetUpdateLogTail(ctx context.Context, addr string, req transport.TailRequest) (transport.TailResponse, error) {
    var out transport.TailResponse
    err := c.invoke(ctx, addr, methodTail, &req, &out)
    return out, err
}

// GetSnapshot streams a snapshot into fn and verifies the trailing marker.
// The stream is bounded by ctx only; snapshots may take longer than the unary
// timeout.
func (c *Client) GetSnapshot(ctx context.Context, addr string, req transport.SnapshotRequest, fn func([]core.Doc) error) (int64, error) {
    cc, rel, err := c.cm.Get(ctx, addr)
    if err != nil { return 0, err }
    defer rel()
    sctx, cancel := context.WithCancel(ctx)
    defer cancel()
    cs, err := cc.NewStream(sctx, &grpc.StreamDesc{ServerStreams: true}, methodSnapshot)
    if err != nil { return 0, fromStatus(err) }
    if err := cs.SendMsg(&req); err != nil { return 0, fromStatus(err) }
    if err := cs.CloseSend(); err != nil { return 0, fromStatus(err) }

    sum := transport.NewChecksum()
    for {
        var b transport.SnapshotBlock
        err := cs.RecvMsg(&b)
        if errors.Is(err, io.EOF) { return 0, transport.ErrSnapshotCorrupt }
        if err != nil { return 0, fromStatus(err) }
        if b.Final {
            if err := sum.Verify(b); err != nil { return 0, err }
            return b.Version, nil
        }
        sum.Add(b.Docs...)
        if err := fn(b.Docs); err != nil { return 0, err }
    }
}

// StoreApply forwards a store mutation to the raft leader at addr.
func (c *Client) StoreApply(ctx context.Context, addr string, op tree.Op) (tree.Result, uint64, error) {
    var out transport.StoreApplyResponse
    if err := c.invoke(ctx, addr, methodApply, &transport.StoreApplyRequest{Op: op}, &out); err != nil {
        return tree.Result{}, 0, err
    }
    if out.NotLeader { return tree.Result{}, 0, transport.ErrNotLeader }
    if out.Error != "" { return tree.Result{}, 0, errors.New(out.Error) }
    return out.Result, out.Index, nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, methodStatus, &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

var _ transport.RecoveryClient = (*Client)(nil)

// Package cli provides cobra commands to run a node and to talk to a running
// one. Services may attach them to their own root command.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/bootstrap"
    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/core"
    tlsx "github.com/amirimatin/go-shardcoord/pkg/security/tlsconfig"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
    grpctransport "github.com/amirimatin/go-shardcoord/pkg/transport/grpc"
    "github.com/amirimatin/go-shardcoord/pkg/transport/httpjson"
)

// AddAll attaches the node commands (run/status/configset/doc/recover) to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewConfigSetCmd())
    root.AddCommand(NewDocCmd())
    root.AddCommand(NewRecoverCmd())
}

// NewShardCommand returns a parent command "shard" holding every command.
func NewShardCommand() *cobra.Command {
    parent := &cobra.Command{Use: "shard", Short: "shard coordination commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
    var (
        configPath, id, httpBind, grpcBind, dataDir string
        trace                                       bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := bootstrap.ReadConfig(configPath)
            if err != nil { return err }
            if id != "" { cfg.NodeID = id }
            if cmd.Flags().Changed("http") { cfg.HTTP.Bind = httpBind }
            if cmd.Flags().Changed("grpc") { cfg.GRPC.Bind = grpcBind }
            if dataDir != "" { cfg.DataDir = dataDir }
            if trace { cfg.Trace = true }
            if err := cfg.Validate(); err != nil { return err }

            ctx, cancel := signalContext()
            defer cancel()
            inst, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer func() {
                sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
                defer scancel()
                if err := inst.Close(sctx); err != nil { fmt.Fprintln(os.Stderr, "shutdown:", err) }
            }()

            inst.Log.Info("node running, press Ctrl+C to exit", zap.String("store", cfg.Store.Backend))
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&configPath, "config", "", "path to the node YAML config ($"+bootstrap.EnvConfigPath+" overrides)")
    cmd.Flags().StringVar(&id, "id", "", "node id (overrides config)")
    cmd.Flags().StringVar(&httpBind, "http", ":8983", "HTTP API bind address (overrides config)")
    cmd.Flags().StringVar(&grpcBind, "grpc", ":9983", "peer gRPC bind address (overrides config)")
    cmd.Flags().StringVar(&dataDir, "data", "", "directory for core files (overrides config)")
    cmd.Flags().BoolVar(&trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// clientFlags are shared by the commands that call a running node.
type clientFlags struct {
    addr    string
    timeout time.Duration
    tls     tlsx.Options
}

func (f *clientFlags) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:8983", "HTTP address of a node (host:port)")
    cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
    cmd.Flags().BoolVar(&f.tls.Enable, "tls-enable", false, "use mTLS")
    cmd.Flags().StringVar(&f.tls.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.tls.CertFile, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&f.tls.KeyFile, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&f.tls.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.tls.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *clientFlags) httpClient() (*httpjson.Client, error) {
    cfg, err := f.tls.Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    hc := &http.Client{Timeout: f.timeout, Transport: &http.Transport{TLSClientConfig: cfg}}
    return httpjson.NewClient(hc).UseTLS(cfg != nil), nil
}

func (f *clientFlags) context() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), f.timeout)
}

func printJSON(cmd *cobra.Command, v any) error {
    enc := json.NewEncoder(cmd.OutOrStdout())
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        f     clientFlags
        proto string
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := f.context()
            defer cancel()
            var (
                data []byte
                err  error
            )
            switch proto {
            case "grpc":
                tcfg, terr := f.tls.Client()
                if terr != nil { return fmt.Errorf("tls client config: %w", terr) }
                var opts []grpctransport.ClientOption
                if tcfg != nil { opts = append(opts, grpctransport.WithTLS(tcfg)) }
                c := grpctransport.NewClient(f.timeout, opts...)
                defer c.Close()
                data, err = c.GetStatus(ctx, f.addr)
            default:
                c, cerr := f.httpClient()
                if cerr != nil { return cerr }
                data, err = c.GetStatus(ctx, f.addr)
            }
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { out.Write([]byte("\n")) }
            return nil
        },
    }
    f.register(cmd)
    cmd.Flags().StringVar(&proto, "proto", "http", "protocol used to reach the node: http|grpc (grpc expects the peer address)")
    return cmd
}

// NewConfigSetCmd returns "configset" with create, delete and list.
func NewConfigSetCmd() *cobra.Command {
    parent := &cobra.Command{Use: "configset", Short: "Manage config sets"}

    send := func(f *clientFlags, cmd *cobra.Command, req configsets.Request) error {
        c, err := f.httpClient()
        if err != nil { return err }
        ctx, cancel := f.context()
        defer cancel()
        resp, err := c.ConfigSets(ctx, f.addr, req)
        if err != nil { return fmt.Errorf("configset %s: %w", strings.ToLower(req.Action), err) }
        return printJSON(cmd, resp)
    }

    var (
        cf    clientFlags
        base  string
        props []string
    )
    create := &cobra.Command{
        Use:   "create NAME",
        Short: "Create a config set, optionally from a base",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            p, err := parsePairs(props)
            if err != nil { return err }
            return send(&cf, cmd, configsets.Request{Action: string(configsets.ActionCreate), Name: args[0], BaseConfigSet: base, Properties: p})
        },
    }
    cf.register(create)
    create.Flags().StringVar(&base, "base", "", "base config set (default _default)")
    create.Flags().StringArrayVar(&props, "property", nil, "property key=value (repeatable)")

    var df clientFlags
    del := &cobra.Command{
        Use:   "delete NAME",
        Short: "Delete an unused config set",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            return send(&df, cmd, configsets.Request{Action: string(configsets.ActionDelete), Name: args[0]})
        },
    }
    df.register(del)

    var lf clientFlags
    list := &cobra.Command{
        Use:   "list",
        Short: "List config sets",
        RunE: func(cmd *cobra.Command, args []string) error {
            return send(&lf, cmd, configsets.Request{Action: string(configsets.ActionList)})
        },
    }
    lf.register(list)

    parent.AddCommand(create, del, list)
    return parent
}

// NewDocCmd returns "doc" with add and delete.
func NewDocCmd() *cobra.Command {
    parent := &cobra.Command{Use: "doc", Short: "Write documents to a shard"}

    type target struct {
        f                 clientFlags
        collection, shard string
    }
    bind := func(t *target, cmd *cobra.Command) {
        t.f.register(cmd)
        cmd.Flags().StringVar(&t.collection, "collection", "", "collection name (required)")
        cmd.Flags().StringVar(&t.shard, "shard", "", "shard name (required)")
        _ = cmd.MarkFlagRequired("collection")
        _ = cmd.MarkFlagRequired("shard")
    }
    send := func(t *target, cmd *cobra.Command, u core.Update) error {
        c, err := t.f.httpClient()
        if err != nil { return err }
        ctx, cancel := t.f.context()
        defer cancel()
        resp, err := c.SendUpdate(ctx, t.f.addr, transport.UpdateRequest{Collection: t.collection, Shard: t.shard, Update: u})
        if err != nil { return fmt.Errorf("doc %s: %w", u.Op, err) }
        return printJSON(cmd, resp)
    }

    var (
        at     target
        fields []string
    )
    add := &cobra.Command{
        Use:   "add ID",
        Short: "Add or replace a document",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            p, err := parsePairs(fields)
            if err != nil { return err }
            return send(&at, cmd, core.Update{Op: core.OpAdd, Doc: core.Doc{ID: args[0], Fields: p}})
        },
    }
    bind(&at, add)
    add.Flags().StringArrayVar(&fields, "field", nil, "document field name=value (repeatable)")

    var dt target
    del := &cobra.Command{
        Use:   "delete ID",
        Short: "Delete a document",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            return send(&dt, cmd, core.Update{Op: core.OpDelete, Doc: core.Doc{ID: args[0]}})
        },
    }
    bind(&dt, del)

    parent.AddCommand(add, del)
    return parent
}

// NewRecoverCmd returns the "recover" command.
func NewRecoverCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "recover CORE",
        Short: "Ask a node to recover one of its cores from the shard leader",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            c, err := f.httpClient()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            if err := c.Recover(ctx, f.addr, args[0]); err != nil { return fmt.Errorf("recover error: %w", err) }
            fmt.Fprintf(cmd.OutOrStdout(), "recovery of %s started\n", args[0])
            return nil
        },
    }
    f.register(cmd)
    return cmd
}

func parsePairs(in []string) (map[string]string, error) {
    if len(in) == 0 { return nil, nil }
    out := make(map[string]string, len(in))
    for _, kv := range in {
        k, v, ok := strings.Cut(kv, "=")
        if !ok || k == "" { return nil, fmt.Errorf("expected key=value, got %q", kv) }
        out[k] = v
    }
    return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        select {
        case <-ch:
        case <-ctx.Done():
        }
        signal.Stop(ch)
        cancel()
    }()
    return ctx, cancel
}

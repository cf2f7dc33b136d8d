// Package httpjson serves the node's HTTP API: config-set administration,
// the document update entry point (also used for leader to replica
// forwarding), operator-triggered recovery, status, health and metrics.
package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "net/http"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/tracing"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

type (
    ConfigSetFunc func(ctx context.Context, req configsets.Request) (configsets.Response, error)
    UpdateFunc    func(ctx context.Context, req transport.UpdateRequest) (transport.UpdateResponse, error)
    RecoverFunc   func(ctx context.Context, core string) error
)

// Handlers back the routes. A nil handler answers 501.
type Handlers struct {
    ConfigSets ConfigSetFunc
    Update     UpdateFunc
    Recover    RecoverFunc
    Status     transport.StatusFunc
}

type Server struct {
    bind   string
    srv    *http.Server
    lis    net.Listener
    log    *zap.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g. ":8983").
func NewServer(bind string, log *zap.Logger) *Server {
    if log == nil { log = zap.NewNop() }
    return &Server{bind: bind, log: log.Named("http")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Router builds the route table; exported for httptest.
func Router(h Handlers) http.Handler {
    r := chi.NewRouter()
    r.Use(middleware.Recoverer)
    r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    r.Handle("/metrics", promhttp.Handler())
    r.Get("/status", h.status)
    r.Route("/admin", func(r chi.Router) {
        r.Post("/configs", h.postConfigs)
        r.Get("/configs", h.getConfigs)
        r.Post("/cores/{core}/recover", h.recover)
    })
    r.Post("/update/{collection}/{shard}", h.update)
    return r
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, h Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    s.lis = ln
    s.srv = &http.Server{Handler: Router(h), ReadHeaderTimeout: 10 * time.Second}
    srv := s.srv

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            s.log.Warn("server error", zap.Error(err))
        }
    }()
    s.log.Info("http listening", zap.String("addr", ln.Addr().String()))
    return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    srv := s.srv
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

// HTTPStatus maps an error code to the HTTP status it is served with.
func HTTPStatus(code errs.Code) int {
    switch code {
    case errs.CodeBadRequest, errs.CodeUnknownOperation:
        return http.StatusBadRequest
    case errs.CodeServiceUnavail:
        return http.StatusServiceUnavailable
    case "":
        return http.StatusOK
    }
    return http.StatusInternalServerError
}

func notImplemented(w http.ResponseWriter, what string) {
    http.Error(w, what+" not supported", http.StatusNotImplemented)
}

func (h Handlers) status(w http.ResponseWriter, r *http.Request) {
    if h.Status == nil { notImplemented(w, "status"); return }
    ctx, end := tracing.StartSpan(r.Context(), "http.status")
    defer end()
    data, err := h.Status(ctx)
    if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
    w.Header().Set("Content-Type", "application/json")
    _, _ = w.Write(data)
}

func (h Handlers) postConfigs(w http.ResponseWriter, r *http.Request) {
    var req configsets.Request
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeJSON(w, http.StatusBadRequest, configsets.Response{Status: configsets.StatusError,
            ErrorCode: string(errs.CodeBadRequest), Message: fmt.Sprintf("bad request: %v", err)})
        return
    }
    h.configs(w, r, req)
}

// getConfigs accepts the request as query parameters: action, name,
// baseConfigSet and configSetProp.<key>.
func (h Handlers) getConfigs(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    req := configsets.Request{
        Action:        q.Get("action"),
        Name:          q.Get(configsets.ParamName),
        BaseConfigSet: q.Get(configsets.ParamBaseConfigSet),
    }
    for k, v := range q {
        if p, ok := strings.CutPrefix(k, configsets.PropertyPrefix); ok && len(v) > 0 {
            if req.Properties == nil { req.Properties = map[string]string{} }
            req.Properties[p] = v[0]
        }
    }
    h.configs(w, r, req)
}

func (h Handlers) configs(w http.ResponseWriter, r *http.Request, req configsets.Request) {
    if h.ConfigSets == nil { notImplemented(w, "configsets"); return }
    ctx, end := tracing.StartSpan(r.Context(), "http.configsets", "action", req.Action, "name", req.Name)
    defer end()
    resp, _ := h.ConfigSets(ctx, req)
    writeJSON(w, HTTPStatus(errs.Code(resp.ErrorCode)), resp)
}

func (h Handlers) update(w http.ResponseWriter, r *http.Request) {
    if h.Update == nil { notImplemented(w, "update"); return }
    var req transport.UpdateRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeJSON(w, http.StatusBadRequest, transport.UpdateResponse{ErrorCode: string(errs.CodeBadRequest), Message: err.Error()})
        return
    }
    req.Collection = chi.URLParam(r, "collection")
    req.Shard = chi.URLParam(r, "shard")
    if req.Update.Op == "" { req.Update.Op = core.OpAdd }
    ctx, end := tracing.StartSpan(r.Context(), "http.update", "collection", req.Collection, "shard", req.Shard)
    defer end()
    resp, err := h.Update(ctx, req)
    if err != nil {
        code := errs.CodeOf(err)
        if resp.ErrorCode == "" { resp.ErrorCode = string(code) }
        if resp.Message == "" { resp.Message = err.Error() }
        writeJSON(w, HTTPStatus(code), resp)
        return
    }
    writeJSON(w, http.StatusOK, resp)
}

type recoverResponse struct {
    Core    string `json:"core"`
    Started bool   `json:"started"`
    Message string `json:"message,omitempty"`
}

func (h Handlers) recover(w http.ResponseWriter, r *http.Request) {
    if h.Recover == nil { notImplemented(w, "recover"); return }
    name := chi.URLParam(r, "core")
    if err := h.Recover(r.Context(), name); err != nil {
        code := http.StatusInternalServerError
        if errors.Is(err, transport.ErrNoCore) { code = http.StatusNotFound }
        writeJSON(w, code, recoverResponse{Core: name, Message: err.Error()})
        return
    }
    writeJSON(w, http.StatusAccepted, recoverResponse{Core: name, Started: true})
}

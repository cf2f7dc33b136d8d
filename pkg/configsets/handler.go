// Package configsets is the administrative surface for config sets: request
// validation and submission through the command queue (Handler), plus the
// persistence of config sets in the consensus store (Store) that the
// coordinator applies those requests to.
package configsets

import (
    "context"
    "errors"
    "strings"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/queue"
)

type Action string

const (
    ActionCreate Action = "CREATE"
    ActionDelete Action = "DELETE"
    ActionList   Action = "LIST"
)

// Queue operation names and parameter keys shared with the coordinator.
const (
    OperationPrefix = "configsets_"
    OpCreate        = OperationPrefix + "create"
    OpDelete        = OperationPrefix + "delete"

    ParamName          = "name"
    ParamBaseConfigSet = "baseConfigSet"
    PropertyPrefix     = "configSetProp."
)

// DefaultTimeout bounds how long Handle waits for the coordinator.
const DefaultTimeout = 180 * time.Second

type Request struct {
    Action        string            `json:"action"`
    Name          string            `json:"name,omitempty"`
    BaseConfigSet string            `json:"baseConfigSet,omitempty"`
    Properties    map[string]string `json:"properties,omitempty"`
    // Principal is whatever identity the transport established; only
    // request filters look at it.
    Principal string `json:"-"`
}

type Status string

const (
    StatusOK    Status = "OK"
    StatusError Status = "ERROR"
)

type Response struct {
    Status     Status        `json:"status"`
    ErrorCode  string        `json:"errorCode,omitempty"`
    Message    string        `json:"message,omitempty"`
    ConfigSets []string      `json:"configSets,omitempty"`
    Elapsed    time.Duration `json:"elapsed"`
}

// RequestFilter pre-processes a request before validation, e.g. to authorize
// it. A non-nil error rejects the request; its errs code is reported.
type RequestFilter func(ctx context.Context, req *Request) error

// Submitter is the part of the queue the handler needs.
type Submitter interface {
    Offer(ctx context.Context, msg queue.Message, timeout time.Duration) (queue.Outcome, error)
}

type Handler struct {
    q       Submitter
    store   *Store
    timeout time.Duration
    filters []RequestFilter
    log     *zap.Logger
}

type HandlerOption func(*Handler)

func WithTimeout(d time.Duration) HandlerOption { return func(h *Handler) { if d > 0 { h.timeout = d } } }
func WithFilter(f RequestFilter) HandlerOption  { return func(h *Handler) { h.filters = append(h.filters, f) } }
func WithLogger(l *zap.Logger) HandlerOption    { return func(h *Handler) { if l != nil { h.log = l } } }

func NewHandler(q Submitter, s *Store, opts ...HandlerOption) *Handler {
    h := &Handler{q: q, store: s, timeout: DefaultTimeout, log: zap.NewNop()}
    for _, o := range opts { o(h) }
    h.log = h.log.Named("configsets")
    return h
}

// Handle validates req, submits it and waits for the coordinator. The error
// is non-nil exactly when the response status is ERROR.
func (h *Handler) Handle(ctx context.Context, req Request) (Response, error) {
    start := time.Now()
    resp, err := h.handle(ctx, req)
    resp.Elapsed = time.Since(start)
    if err != nil {
        resp.Status = StatusError
        resp.ErrorCode = string(errs.CodeOf(err))
        resp.Message = err.Error()
        var e *errs.Error
        if errors.As(err, &e) { resp.Message = e.Message }
        h.log.Info("request failed", zap.String("action", req.Action), zap.String("name", req.Name), zap.Error(err))
        return resp, err
    }
    resp.Status = StatusOK
    return resp, nil
}

func (h *Handler) handle(ctx context.Context, req Request) (Response, error) {
    for _, f := range h.filters {
        if err := f(ctx, &req); err != nil { return Response{}, err }
    }
    action, err := parseAction(req.Action)
    if err != nil { return Response{}, err }
    if action == ActionList {
        names, err := h.store.List(ctx)
        if err != nil { return Response{}, err }
        return Response{ConfigSets: names}, nil
    }
    msg, err := toMessage(action, req)
    if err != nil { return Response{}, err }

    op := strings.ToLower(string(action))
    out, err := h.q.Offer(ctx, msg, h.timeout)
    if err != nil { return Response{}, err }
    if err := out.Err(op); err != nil { return Response{}, err }
    return Response{}, nil
}

func parseAction(a string) (Action, error) {
    if a == "" { return "", errs.Validation("action is a required param") }
    switch act := Action(strings.ToUpper(a)); act {
    case ActionCreate, ActionDelete, ActionList:
        return act, nil
    }
    return "", errs.Validation("Unknown action: %s", a)
}

func toMessage(action Action, req Request) (queue.Message, error) {
    if req.Name == "" { return queue.Message{}, errs.Validation("%s is a required param", ParamName) }
    if err := ValidateName(req.Name); err != nil { return queue.Message{}, err }
    params := map[string]string{ParamName: req.Name}
    switch action {
    case ActionCreate:
        if req.BaseConfigSet != "" {
            if err := ValidateName(req.BaseConfigSet); err != nil { return queue.Message{}, err }
            params[ParamBaseConfigSet] = req.BaseConfigSet
        }
        for k, v := range req.Properties { params[PropertyPrefix+k] = v }
        return queue.Message{Operation: OpCreate, Params: params}, nil
    default:
        return queue.Message{Operation: OpDelete, Params: params}, nil
    }
}

// PropertiesOf extracts the configSetProp.* parameters of a queued create.
func PropertiesOf(params map[string]string) map[string]string {
    out := map[string]string{}
    for k, v := range params {
        if strings.HasPrefix(k, PropertyPrefix) { out[strings.TrimPrefix(k, PropertyPrefix)] = v }
    }
    return out
}

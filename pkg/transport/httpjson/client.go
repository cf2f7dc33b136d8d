package httpjson

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "time"

    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

// Client talks to the HTTP API of a node. Connection pooling, bounds and
// retries come from the *http.Client it is given.
type Client struct {
    httpc *http.Client
    isTLS bool
}

// NewClient wraps httpc; a nil httpc gets a plain client with a 15s timeout.
func NewClient(httpc *http.Client) *Client {
    if httpc == nil { httpc = &http.Client{Timeout: 15 * time.Second} }
    return &Client{httpc: httpc}
}

// UseTLS switches the request scheme to https. The TLS settings themselves
// belong to the http.Client's transport.
func (c *Client) UseTLS(on bool) *Client { c.isTLS = on; return c }

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends body (if any) and decodes the JSON reply into out whatever the
// status; it returns the status code.
func (c *Client) do(ctx context.Context, method, u string, body, out any) (int, error) {
    var rd io.Reader
    if body != nil {
        b, err := json.Marshal(body)
        if err != nil { return 0, err }
        rd = bytes.NewReader(b)
    }
    req, err := http.NewRequestWithContext(ctx, method, u, rd)
    if err != nil { return 0, err }
    if body != nil { req.Header.Set("Content-Type", "application/json") }
    resp, err := c.httpc.Do(req)
    if err != nil { return 0, err }
    defer resp.Body.Close()
    data, err := io.ReadAll(resp.Body)
    if err != nil { return resp.StatusCode, err }
    if out != nil && len(data) > 0 && json.Valid(data) {
        if err := json.Unmarshal(data, out); err != nil { return resp.StatusCode, err }
        return resp.StatusCode, nil
    }
    if resp.StatusCode >= 300 {
        return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
    }
    return resp.StatusCode, nil
}

// SendUpdate posts an update to the replica at addr.
func (c *Client) SendUpdate(ctx context.Context, addr string, req transport.UpdateRequest) (transport.UpdateResponse, error) {
    var out transport.UpdateResponse
    path := "/update/" + url.PathEscape(req.Collection) + "/" + url.PathEscape(req.Shard)
    code, err := c.do(ctx, http.MethodPost, c.url(addr, path), req, &out)
    if err != nil { return out, err }
    if out.ErrorCode != "" {
        return out, errs.Apply("update", errs.Code(out.ErrorCode), out.Message)
    }
    if code >= 300 { return out, fmt.Errorf("update: status %d", code) }
    return out, nil
}

// ConfigSets submits a config-set request. A response with status ERROR is
// returned together with a matching error.
func (c *Client) ConfigSets(ctx context.Context, addr string, req configsets.Request) (configsets.Response, error) {
    var out configsets.Response
    _, err := c.do(ctx, http.MethodPost, c.url(addr, "/admin/configs"), req, &out)
    if err != nil { return out, err }
    if out.Status == configsets.StatusError {
        return out, errs.Apply(req.Action, errs.Code(out.ErrorCode), out.Message)
    }
    return out, nil
}

// Recover asks the node at addr to recover one of its cores.
func (c *Client) Recover(ctx context.Context, addr, core string) error {
    var out recoverResponse
    code, err := c.do(ctx, http.MethodPost, c.url(addr, "/admin/cores/"+url.PathEscape(core)+"/recover"), nil, &out)
    if err != nil { return err }
    if !out.Started { return fmt.Errorf("recover %s: status %d: %s", core, code, out.Message) }
    return nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var raw json.RawMessage
    if _, err := c.do(ctx, http.MethodGet, c.url(addr, "/status"), nil, &raw); err != nil { return nil, err }
    return raw, nil
}

var _ transport.UpdateClient = (*Client)(nil)

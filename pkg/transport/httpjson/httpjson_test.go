package httpjson

import (
    "context"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

func serve(t *testing.T, h Handlers) (*Client, string) {
    t.Helper()
    srv := httptest.NewServer(Router(h))
    t.Cleanup(srv.Close)
    return NewClient(srv.Client()), strings.TrimPrefix(srv.URL, "http://")
}

func TestUpdateRoute(t *testing.T) {
    var got transport.UpdateRequest
    c, addr := serve(t, Handlers{Update: func(_ context.Context, req transport.UpdateRequest) (transport.UpdateResponse, error) {
        got = req
        if req.Update.Doc.ID == "bad" {
            return transport.UpdateResponse{}, errs.Validation("id rejected")
        }
        return transport.UpdateResponse{Version: 7}, nil
    }})
    ctx := context.Background()

    resp, err := c.SendUpdate(ctx, addr, transport.UpdateRequest{Collection: "books", Shard: "shard1",
        Update: core.Update{Op: core.OpAdd, Doc: core.Doc{ID: "a"}}, FromLeader: true})
    require.NoError(t, err)
    assert.EqualValues(t, 7, resp.Version)
    assert.Equal(t, "books", got.Collection)
    assert.Equal(t, "shard1", got.Shard)
    assert.True(t, got.FromLeader)

    resp, err = c.SendUpdate(ctx, addr, transport.UpdateRequest{Collection: "books", Shard: "shard1",
        Update: core.Update{Doc: core.Doc{ID: "bad"}}})
    require.Error(t, err)
    assert.Equal(t, string(errs.CodeBadRequest), resp.ErrorCode)
    assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
}

func TestConfigSetRoutes(t *testing.T) {
    var seen []configsets.Request
    h := Handlers{ConfigSets: func(_ context.Context, req configsets.Request) (configsets.Response, error) {
        seen = append(seen, req)
        if req.Name == "" && req.Action != "LIST" {
            err := errs.Validation("name is a required param")
            return configsets.Response{Status: configsets.StatusError, ErrorCode: string(errs.CodeBadRequest), Message: err.Message}, err
        }
        return configsets.Response{Status: configsets.StatusOK}, nil
    }}
    c, addr := serve(t, h)
    ctx := context.Background()

    _, err := c.ConfigSets(ctx, addr, configsets.Request{Action: "CREATE", Name: "A", Properties: map[string]string{"immutable": "false"}})
    require.NoError(t, err)

    out, err := c.ConfigSets(ctx, addr, configsets.Request{Action: "DELETE"})
    require.Error(t, err)
    assert.Equal(t, "name is a required param", out.Message)

    r, err := http.Get("http://" + addr + "/admin/configs?action=CREATE&name=B&baseConfigSet=A&configSetProp.foo=bar")
    require.NoError(t, err)
    r.Body.Close()
    assert.Equal(t, http.StatusOK, r.StatusCode)

    require.Len(t, seen, 3)
    assert.Equal(t, "B", seen[2].Name)
    assert.Equal(t, "A", seen[2].BaseConfigSet)
    assert.Equal(t, map[string]string{"foo": "bar"}, seen[2].Properties)

    r, err = http.Get("http://" + addr + "/admin/configs?action=DELETE")
    require.NoError(t, err)
    r.Body.Close()
    assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestRecoverStatusAndUnsupported(t *testing.T) {
    c, addr := serve(t, Handlers{
        Recover: func(_ context.Context, name string) error {
            if name != "books_shard1_replica_n1" { return transport.ErrNoCore }
            return nil
        },
        Status: func(context.Context) ([]byte, error) { return []byte(`{"node":"n1"}`), nil },
    })
    ctx := context.Background()
    require.NoError(t, c.Recover(ctx, addr, "books_shard1_replica_n1"))
    assert.Error(t, c.Recover(ctx, addr, "missing"))

    b, err := c.GetStatus(ctx, addr)
    require.NoError(t, err)
    assert.JSONEq(t, `{"node":"n1"}`, string(b))

    _, err = c.SendUpdate(ctx, addr, transport.UpdateRequest{Collection: "c", Shard: "s"})
    assert.Error(t, err)

    r, err := http.Get("http://" + addr + "/healthz")
    require.NoError(t, err)
    r.Body.Close()
    assert.Equal(t, http.StatusOK, r.StatusCode)
}

func TestHTTPStatusMapping(t *testing.T) {
    assert.Equal(t, http.StatusBadRequest, HTTPStatus(errs.CodeUnknownOperation))
    assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(errs.CodeServiceUnavail))
    assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errs.CodeServerError))
    assert.Equal(t, http.StatusOK, HTTPStatus(""))
}

package shardhandler

import (
    "errors"
    "fmt"
    "io"
    "net"
    "net/http"
    "sync"
    "syscall"
    "time"

    "github.com/cenkalti/backoff/v5"
    "golang.org/x/sync/semaphore"

    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
)

// boundedTransport holds one slot of the global connection bound from the
// start of a request until its response body is closed.
type boundedTransport struct {
    next http.RoundTripper
    sem  *semaphore.Weighted
}

func (t *boundedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
    if err := t.sem.Acquire(req.Context(), 1); err != nil { return nil, err }
    metrics.HTTPInFlight.Inc()
    var once sync.Once
    release := func() {
        once.Do(func() {
            metrics.HTTPInFlight.Dec()
            t.sem.Release(1)
        })
    }
    resp, err := t.next.RoundTrip(req)
    if err != nil {
        release()
        return nil, err
    }
    resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
    return resp, nil
}

type releasingBody struct {
    io.ReadCloser
    release func()
}

func (b *releasingBody) Close() error {
    err := b.ReadCloser.Close()
    b.release()
    return err
}

// retryTransport retries replayable requests after dial failures and
// 502/503/504 answers. The last response is returned as is once the retries
// are used up.
type retryTransport struct {
    next     http.RoundTripper
    max      int
    initial  time.Duration
    maxDelay time.Duration
}

var errRetryStatus = errors.New("shardhandler: retryable status")

func retryableStatus(code int) bool {
    return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// transient reports failures where the request never reached the peer.
func transient(err error) bool {
    var op *net.OpError
    if errors.As(err, &op) && op.Op == "dial" { return true }
    return errors.Is(err, syscall.ECONNREFUSED)
}

func replayable(req *http.Request) bool {
    return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
    if t.max <= 0 || !replayable(req) { return t.next.RoundTrip(req) }
    bo := backoff.NewExponentialBackOff()
    bo.InitialInterval = t.initial
    bo.MaxInterval = t.maxDelay
    tries := 0
    return backoff.Retry(req.Context(), func() (*http.Response, error) {
        tries++
        r := req
        if tries > 1 {
            metrics.HTTPRetries.Inc()
            r = req.Clone(req.Context())
            if req.GetBody != nil {
                body, err := req.GetBody()
                if err != nil { return nil, backoff.Permanent(err) }
                r.Body = body
            }
        }
        resp, err := t.next.RoundTrip(r)
        if err != nil {
            if transient(err) && tries <= t.max { return nil, err }
            return nil, backoff.Permanent(err)
        }
        if retryableStatus(resp.StatusCode) && tries <= t.max {
            _, _ = io.Copy(io.Discard, resp.Body)
            _ = resp.Body.Close()
            return nil, fmt.Errorf("%w: %d", errRetryStatus, resp.StatusCode)
        }
        return resp, nil
    }, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(t.max+1)))
}

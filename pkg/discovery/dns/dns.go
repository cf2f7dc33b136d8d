// Package dns resolves endpoints from SRV records or host names, the way
// etcd clusters are commonly published (_etcd-client._tcp.<domain>).
package dns

import (
    "context"
    "fmt"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "go.uber.org/multierr"
    "go.uber.org/zap"
)

type Options struct {
    // Names are SRV records (_service._proto.domain), host names or literal
    // host:port endpoints.
    Names []string
    // Port is used for A/AAAA answers, which carry none.
    Port int
    // Refresh bounds how long a successful answer is reused. Default 5s.
    Refresh  time.Duration
    Resolver *net.Resolver
    Logger   *zap.Logger
}

type Resolver struct {
    opts Options
    log  *zap.Logger

    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) *Resolver {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = zap.NewNop() }
    return &Resolver{opts: opts, log: opts.Logger.Named("discovery.dns")}
}

// Endpoints returns the sorted, de-duplicated answer for every name. It fails
// only when no name resolved; partial failures are logged.
func (r *Resolver) Endpoints(ctx context.Context) ([]string, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if len(r.cache) > 0 && time.Since(r.last) < r.opts.Refresh {
        return append([]string(nil), r.cache...), nil
    }
    seen := make(map[string]struct{})
    var (
        out  []string
        errs error
    )
    add := func(hps []string) {
        for _, hp := range hps {
            if _, ok := seen[hp]; !ok {
                seen[hp] = struct{}{}
                out = append(out, hp)
            }
        }
    }
    for _, name := range r.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
            add([]string{name})
            continue
        }
        if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
            hps, err := r.lookupSRV(ctx, name)
            if err == nil && len(hps) > 0 {
                add(hps)
                continue
            }
            if err != nil { errs = multierr.Append(errs, err) }
        }
        hps, err := r.lookupHost(ctx, name)
        if err != nil {
            errs = multierr.Append(errs, err)
            continue
        }
        add(hps)
    }
    if len(out) == 0 && errs != nil { return nil, errs }
    if errs != nil { r.log.Warn("some names did not resolve", zap.Error(errs)) }
    sort.Strings(out)
    r.cache = out
    r.last = time.Now()
    return append([]string(nil), out...), nil
}

func (r *Resolver) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil, fmt.Errorf("dns: bad SRV name %q", fqdn) }
    _, addrs, err := r.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, fmt.Errorf("dns: srv %s: %w", fqdn, err) }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out, nil
}

func (r *Resolver) lookupHost(ctx context.Context, host string) ([]string, error) {
    ips, err := r.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, fmt.Errorf("dns: host %s: %w", host, err) }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(r.opts.Port)))
    }
    return out, nil
}

// parseSRVName splits _service._proto.name.
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}

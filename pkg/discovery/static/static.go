// Package static serves a fixed endpoint list.
package static

import (
    "context"
    "strings"
)

type List struct {
    endpoints []string
}

// New returns a list of the non-blank endpoints given.
func New(endpoints ...string) *List {
    cleaned := make([]string, 0, len(endpoints))
    for _, v := range endpoints {
        if v = strings.TrimSpace(v); v != "" { cleaned = append(cleaned, v) }
    }
    return &List{endpoints: cleaned}
}

func (l *List) Endpoints(context.Context) ([]string, error) {
    return append([]string(nil), l.endpoints...), nil
}

// Parse converts a comma-separated list into endpoints.
func Parse(csv string) []string {
    if csv == "" { return nil }
    parts := strings.Split(csv, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// Package logutil builds the zap loggers used across the module.
package logutil

import (
    "os"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

// Config selects the logger flavour. Zero value is a development console
// logger at info level.
type Config struct {
    Env     string // "dev" or "prod"
    Level   string // debug, info, warn, error
    Service string
    NodeID  string
}

// JSON reports whether structured JSON output was requested through the
// environment.
func JSON() bool {
    return os.Getenv("SHARDCOORD_LOG_JSON") == "1" || os.Getenv("SHARDCOORD_RUNTIME") == "prod"
}

func New(cfg Config) (*zap.Logger, error) {
    var zc zap.Config
    if cfg.Env == "prod" || JSON() {
        zc = zap.NewProductionConfig()
    } else {
        zc = zap.NewDevelopmentConfig()
        zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
    }
    if cfg.Level != "" {
        lvl, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
        if err != nil { return nil, err }
        zc.Level = zap.NewAtomicLevelAt(lvl)
    }
    l, err := zc.Build()
    if err != nil { return nil, err }
    if cfg.Service != "" { l = l.With(zap.String("service", cfg.Service)) }
    if cfg.NodeID != "" { l = l.With(zap.String("node", cfg.NodeID)) }
    return l, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
    if l == nil { return zap.NewNop() }
    return l
}

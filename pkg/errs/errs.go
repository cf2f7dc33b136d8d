// Package errs defines the error taxonomy shared by the queue, the coordinator,
// the administrative API and the recovery manager. Every classified error is an
// *Error; callers branch on the kind with errors.Is against the Err* sentinels.
package errs

import (
    "errors"
    "fmt"
    "time"
)

// Kind classifies an error independently of its message.
type Kind string

const (
    KindValidation                Kind = "validation"
    KindUnknownOperation          Kind = "unknown_operation"
    KindQueueTimeout              Kind = "queue_timeout"
    KindStoreWatchFault           Kind = "store_watch_fault"
    KindUnknownWait               Kind = "unknown_wait"
    KindApply                     Kind = "coordinator_apply"
    KindRecoveryGapTooLarge       Kind = "recovery_gap_too_large"
    KindRecoverySourceUnavailable Kind = "recovery_source_unavailable"
    KindSessionExpired            Kind = "session_expired"
    KindUnavailable               Kind = "unavailable"
)

// Code is the wire classification returned to API callers.
type Code string

const (
    CodeBadRequest       Code = "BAD_REQUEST"
    CodeServerError      Code = "SERVER_ERROR"
    CodeUnknownOperation Code = "UNKNOWN_OPERATION"
    CodeServiceUnavail   Code = "SERVICE_UNAVAILABLE"
)

var (
    ErrValidation                = errors.New("validation error")
    ErrUnknownOperation          = errors.New("unknown operation")
    ErrQueueTimeout              = errors.New("queue timeout")
    ErrStoreWatchFault           = errors.New("store watch fault")
    ErrUnknownWait               = errors.New("unknown wait failure")
    ErrApply                     = errors.New("coordinator apply error")
    ErrRecoveryGapTooLarge       = errors.New("recovery gap too large")
    ErrRecoverySourceUnavailable = errors.New("recovery source unavailable")
    ErrSessionExpired            = errors.New("session expired")
    ErrUnavailable               = errors.New("unavailable")
)

var sentinels = map[Kind]error{
    KindValidation:                ErrValidation,
    KindUnknownOperation:          ErrUnknownOperation,
    KindQueueTimeout:              ErrQueueTimeout,
    KindStoreWatchFault:           ErrStoreWatchFault,
    KindUnknownWait:               ErrUnknownWait,
    KindApply:                     ErrApply,
    KindRecoveryGapTooLarge:       ErrRecoveryGapTooLarge,
    KindRecoverySourceUnavailable: ErrRecoverySourceUnavailable,
    KindSessionExpired:            ErrSessionExpired,
    KindUnavailable:               ErrUnavailable,
}

// Error is a classified error. Path, State and EventType are only set for
// store watch faults.
type Error struct {
    Kind      Kind
    Code      Code
    Op        string
    Message   string
    Path      string
    State     string
    EventType string
    Err       error
}

func (e *Error) Error() string {
    msg := e.Message
    if msg == "" { msg = string(e.Kind) }
    if e.Op != "" { msg = e.Op + ": " + msg }
    if e.Err != nil { msg += ": " + e.Err.Error() }
    return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
    s, ok := sentinels[e.Kind]
    return ok && s == target
}

// Validation reports a missing or malformed request field.
func Validation(format string, args ...any) *Error {
    return &Error{Kind: KindValidation, Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// UnknownOperation reports an operation name outside the dispatch table.
func UnknownOperation(op string) *Error {
    return &Error{Kind: KindUnknownOperation, Code: CodeUnknownOperation, Op: op, Message: "Unknown action: " + op}
}

// QueueTimeout reports a submitter that waited past its bound.
func QueueTimeout(op string, bound time.Duration) *Error {
    return &Error{Kind: KindQueueTimeout, Code: CodeServerError, Op: op,
        Message: fmt.Sprintf("%s the configset time out:%ds", op, int64(bound/time.Second))}
}

// StoreWatchFault reports a watch that fired for a reason other than completion.
func StoreWatchFault(op, path, state, eventType string) *Error {
    return &Error{Kind: KindStoreWatchFault, Code: CodeServerError, Op: op, Path: path, State: state, EventType: eventType,
        Message: fmt.Sprintf("[Watcher fired on path: %s state: %s type %s]", path, state, eventType)}
}

// UnknownWait reports a wait that ended without a result, a timeout or a watch event.
func UnknownWait(op string, cause error) *Error {
    return &Error{Kind: KindUnknownWait, Code: CodeServerError, Op: op, Message: "unknown case", Err: cause}
}

// Apply reports a handler failure carried back through a queue result.
func Apply(op string, code Code, msg string) *Error {
    if code == "" { code = CodeServerError }
    return &Error{Kind: KindApply, Code: code, Op: op, Message: msg}
}

// GapTooLarge reports a replica gap the peer-sync window does not cover.
func GapTooLarge(lastKnown, from, to int64) *Error {
    return &Error{Kind: KindRecoveryGapTooLarge, Code: CodeServerError,
        Message: fmt.Sprintf("replica at version %d outside peer-sync window [%d,%d]", lastKnown, from, to)}
}

// SourceUnavailable reports that no eligible recovery source could be reached.
func SourceUnavailable(shard string, cause error) *Error {
    return &Error{Kind: KindRecoverySourceUnavailable, Code: CodeServiceUnavail, Op: shard, Message: "no recovery source", Err: cause}
}

// SessionExpired signals loss of an ephemeral registration.
func SessionExpired(path string) *Error {
    return &Error{Kind: KindSessionExpired, Code: CodeServiceUnavail, Path: path, Message: "session expired for " + path}
}

// Unavailable reports a request this node cannot serve right now, e.g. a
// write while its shard has no leader.
func Unavailable(op string, cause error) *Error {
    return &Error{Kind: KindUnavailable, Code: CodeServiceUnavail, Op: op, Message: "unavailable", Err: cause}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
    var e *Error
    if errors.As(err, &e) { return e.Kind }
    return ""
}

// CodeOf returns the wire code for err, defaulting to SERVER_ERROR.
func CodeOf(err error) Code {
    var e *Error
    if errors.As(err, &e) && e.Code != "" { return e.Code }
    return CodeServerError
}

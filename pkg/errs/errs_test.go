package errs

import (
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestKindsMatchSentinels(t *testing.T) {
    wrapped := fmt.Errorf("submit: %w", QueueTimeout("create", 5*time.Second))
    require.ErrorIs(t, wrapped, ErrQueueTimeout)
    assert.NotErrorIs(t, wrapped, ErrStoreWatchFault)
    assert.Equal(t, KindQueueTimeout, KindOf(wrapped))
    assert.Equal(t, CodeServerError, CodeOf(wrapped))
}

func TestMessages(t *testing.T) {
    assert.Equal(t, "create: create the configset time out:5s", QueueTimeout("create", 5*time.Second).Error())
    f := StoreWatchFault("delete", "/coordinator/results/qnr-0000000001", "expired", "none")
    assert.Contains(t, f.Error(), "[Watcher fired on path: /coordinator/results/qnr-0000000001 state: expired type none]")
    assert.Equal(t, "frob: Unknown action: frob", UnknownOperation("frob").Error())
    assert.Equal(t, CodeBadRequest, CodeOf(Validation("%s is a required param", "name")))
}

func TestUnclassified(t *testing.T) {
    err := errors.New("boom")
    assert.Equal(t, Kind(""), KindOf(err))
    assert.Equal(t, CodeServerError, CodeOf(err))
    cause := errors.New("dial tcp: refused")
    assert.ErrorIs(t, SourceUnavailable("s1", cause), cause)
}

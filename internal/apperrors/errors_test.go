package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	err := New(KindNotFound, "task %q not found", "task-1")
	assert.Equal(t, `NotFound: task "task-1" not found`, err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, cause, "create_task: %v", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestNotFoundHelper(t *testing.T) {
	err := NotFound("task-42")
	assert.Equal(t, KindNotFound, err.Kind)
	assert.True(t, Is(err, KindNotFound))
}

func TestIsAndKindOf(t *testing.T) {
	err := New(KindStaleTask, "stale")

	assert.True(t, Is(err, KindStaleTask))
	assert.False(t, Is(err, KindNotFound))
	assert.Equal(t, KindStaleTask, KindOf(err))

	plain := errors.New("not an apperror")
	assert.False(t, Is(plain, KindStaleTask))
	assert.Equal(t, KindInternal, KindOf(plain))
}

func TestIsUnwrapsWrappedErrors(t *testing.T) {
	base := New(KindWorkerMismatch, "mismatch")
	wrapped := fmt.Errorf("outer: %w", base)

	assert.True(t, Is(wrapped, KindWorkerMismatch))
	assert.Equal(t, KindWorkerMismatch, KindOf(wrapped))
}

func TestRPCCode(t *testing.T) {
	cases := []struct {
		kind Kind
		code int
	}{
		{KindInvalidInput, -32001},
		{KindDuplicateID, -32001},
		{KindNotFound, -32002},
		{KindStaleTask, -32003},
		{KindStaleStatus, -32003},
		{KindWorkerMismatch, -32004},
		{KindNoTaskAvailable, -32005},
		{KindUnknownExecutor, -32006},
		{KindAlreadyTerminal, -32007},
		{KindNotRetryable, -32008},
		{KindInternal, -32000},
	}
	for _, c := range cases {
		err := New(c.kind, "x")
		assert.Equal(t, c.code, err.RPCCode(), "kind %s", c.kind)
	}
}

func TestRPCCodeUnknownKindFallsBackToInternal(t *testing.T) {
	err := New(Kind("SomethingElse"), "x")
	assert.Equal(t, rpcCodes[KindInternal], err.RPCCode())
}

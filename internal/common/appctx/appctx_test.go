package appctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetachedIgnoresParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ctx, cleanup := Detached(parent, nil, 100*time.Millisecond)
	defer cleanup()

	select {
	case <-ctx.Done():
		t.Fatal("detached context was cancelled immediately by an already-cancelled parent")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDetachedRespectsTimeout(t *testing.T) {
	ctx, cancel := Detached(context.Background(), nil, 20*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
		assert.Equal(t, context.DeadlineExceeded, ctx.Err())
	case <-time.After(time.Second):
		t.Fatal("detached context never reached its deadline")
	}
}

func TestDetachedCancelsOnStopCh(t *testing.T) {
	stopCh := make(chan struct{})
	ctx, cancel := Detached(context.Background(), stopCh, time.Minute)
	defer cancel()

	close(stopCh)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("detached context did not cancel when stopCh closed")
	}
}

func TestDetachedCancelFuncStops(t *testing.T) {
	ctx, cancel := Detached(context.Background(), nil, time.Minute)
	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("calling the returned cancel func did not cancel the context")
	}
}

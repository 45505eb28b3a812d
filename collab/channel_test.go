package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPipeChannelDelivery(t *testing.T) {
	ctx := context.Background()
	a, b := NewPipeChannel(ctx)
	defer a.Close()

	assert.Equal(t, a.Send([]byte("one")), nil)
	assert.Equal(t, a.Send([]byte("two")), nil)

	assert.Equal(t, <-b.Receive(), []byte("one"))
	assert.Equal(t, <-b.Receive(), []byte("two"))

	// both directions
	assert.Equal(t, b.Send([]byte("three")), nil)
	assert.Equal(t, <-a.Receive(), []byte("three"))
}

func TestPipeChannelClose(t *testing.T) {
	ctx := context.Background()
	a, b := NewPipeChannel(ctx)

	a.Close()

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not observe close")
	}

	assert.Equal(t, a.Send([]byte("x")), ErrChannelClosed)
	assert.Equal(t, b.Send([]byte("x")), ErrChannelClosed)

	// local close is not an error, the peer sees an abnormal cause
	assert.Equal(t, a.Err(), nil)
	assert.Equal(t, b.Err(), ErrChannelClosed)
}

func TestPipeChannelContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, b := NewPipeChannel(ctx)

	cancel()

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not tear the channel down")
	}
	assert.Equal(t, b.Send([]byte("x")), ErrChannelClosed)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	sum := 0
	removeA := callbacks.Add(func(v int) {
		sum += v
	})
	removeB := callbacks.Add(func(v int) {
		sum += 10 * v
	})

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, sum, 11)

	removeA()
	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, sum, 21)

	// removing twice is harmless
	removeA()
	removeB()
	assert.Equal(t, len(callbacks.Get()), 0)
}

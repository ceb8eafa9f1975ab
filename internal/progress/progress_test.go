package progress

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel(t *testing.T) {
	assert.Equal(t, "project:abc", Channel("abc"))
}

func TestEncodeDecode(t *testing.T) {
	e := Event{Type: TypeProgress, ProjectID: "p1", Step: "push_template", Progress: 35, Message: "pushing", Timestamp: 1700000000000}
	data, err := Encode(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"projectId":"p1"`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = Decode([]byte(`{"type":"x"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEvent_Terminal(t *testing.T) {
	assert.True(t, Event{Type: TypeCompleted}.Terminal())
	assert.True(t, Event{Type: TypeFailed}.Terminal())
	assert.False(t, Event{Type: TypeStepFailed}.Terminal())
	assert.False(t, Event{Type: TypeProgress}.Terminal())
}

func TestBroker_SubscribeAndPublish(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe("p1")
	defer cancel()
	other, cancelOther := b.Subscribe("p2")
	defer cancelOther()

	require.NoError(t, b.Publish(context.Background(), Event{Type: TypeProgress, ProjectID: "p1", Progress: 10}))

	got := <-ch
	assert.Equal(t, 10, got.Progress)
	assert.NotZero(t, got.Timestamp)
	assert.Len(t, other, 0)
}

func TestBroker_DropsWhenFull(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe("p1")
	defer cancel()

	for i := 0; i < DefaultBufferSize+10; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{ProjectID: "p1", Progress: i}))
	}
	assert.Len(t, ch, DefaultBufferSize)
}

func TestBroker_CancelClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe("p1")
	assert.Equal(t, 1, b.Subscribers("p1"))

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers("p1"))

	// publishing after cancel must not panic
	require.NoError(t, b.Publish(context.Background(), Event{ProjectID: "p1"}))
}

func TestSafe_SwallowsErrors(t *testing.T) {
	failing := PublisherFunc(func(context.Context, Event) error {
		return errors.New("redis down")
	})
	assert.NoError(t, Safe(failing, nil).Publish(context.Background(), Event{ProjectID: "p1"}))

	panicking := PublisherFunc(func(context.Context, Event) error {
		panic("boom")
	})
	assert.NoError(t, Safe(panicking, nil).Publish(context.Background(), Event{ProjectID: "p1"}))

	assert.NoError(t, Safe(nil, nil).Publish(context.Background(), Event{ProjectID: "p1"}))
}

func TestSafe_IgnoresCallerCancellation(t *testing.T) {
	var sawCanceled bool
	p := PublisherFunc(func(ctx context.Context, _ Event) error {
		sawCanceled = ctx.Err() != nil
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, Safe(p, nil).Publish(ctx, Event{ProjectID: "p1", Type: TypeFailed}))
	assert.False(t, sawCanceled)
}

func TestFanout(t *testing.T) {
	var calls int
	ok := PublisherFunc(func(context.Context, Event) error { calls++; return nil })
	bad := PublisherFunc(func(context.Context, Event) error { calls++; return fmt.Errorf("nope") })

	err := Fanout{ok, bad, ok}.Publish(context.Background(), Event{ProjectID: "p1"})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/modelsync/internal/task"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	snapshot := []*task.Task{task.New("img-1", "Cat", task.PriorityNormal)}
	b.Publish(snapshot)

	got := <-ch
	require.Len(t, got, 1)
	assert.Equal(t, "img-1", got[0].ArtifactID)
}

func TestPublish_SlowSubscriberDropsUpdate(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(nil)
	b.Publish(nil)
	b.Publish(nil)

	// Only the buffered snapshot is retained.
	<-ch
	select {
	case <-ch:
		t.Fatal("expected no further updates")
	default:
	}
}

func TestCancel_ClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)

	assert.Equal(t, 1, b.SubscriberCount())
	cancel()
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Double cancel is safe.
	cancel()
}

func TestPublish_MultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1, cancel1 := b.Subscribe(1)
	ch2, cancel2 := b.Subscribe(1)
	defer cancel1()
	defer cancel2()

	b.Publish([]*task.Task{})

	assert.NotNil(t, <-ch1)
	assert.NotNil(t, <-ch2)
}

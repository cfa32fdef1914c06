package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(CommandTopic("custom"))
	defer cancel()

	b.Publish(CommandTopic("custom"), "payload")

	select {
	case v := <-ch:
		require.Equal(t, "payload", v)
	default:
		t.Fatal("expected buffered message")
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("t")
	cancel()

	_, ok := <-ch
	require.False(t, ok)
}

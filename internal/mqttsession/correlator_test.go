package mqttsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeqWrapsPastIntMaxTo1(t *testing.T) {
	c := NewCorrelator()
	c.nextSeq = maxSeq - 1
	first := c.NextSeq()
	require.Equal(t, int32(maxSeq), first)
	second := c.NextSeq()
	require.Equal(t, int32(1), second)
}

func TestResolveDeliversReplyToWaiter(t *testing.T) {
	c := NewCorrelator()
	seq := c.NextSeq()
	ch := c.Register(seq)

	c.Resolve(seq, []byte("hello"))

	body, err := Await(context.Background(), c, seq, ch)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body)
}

func TestAwaitTimesOutWithCancellation(t *testing.T) {
	c := NewCorrelator()
	seq := c.NextSeq()
	ch := c.Register(seq)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Await(ctx, c, seq, ch)
	require.Error(t, err)
}

func TestTrailingSeqParsesSuffix(t *testing.T) {
	seq, ok := trailingSeq("ioto/device/abc123/metric/get/42")
	require.True(t, ok)
	require.Equal(t, int32(42), seq)

	_, ok = trailingSeq("ioto/device/abc123/metric/get")
	require.False(t, ok)
}

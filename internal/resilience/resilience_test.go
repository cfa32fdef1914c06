package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyRetriesThenSucceeds(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	p := New(cfg, nil)

	var calls int
	err := p.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPolicyGivesUpAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig("test2")
	cfg.MaxRetries = 2
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	p := New(cfg, nil)

	var calls int
	err := p.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})

	require.Error(t, err)
	require.GreaterOrEqual(t, calls, 2)
}

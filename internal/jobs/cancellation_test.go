package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken(t *testing.T) {
	token := NewToken(context.Background())

	assert.False(t, token.Cancelled())
	assert.Nil(t, token.Cause())
	assert.NoError(t, Checkpoint(token.Context()))

	token.Cancel(ErrCancelled)
	token.Cancel(ErrTimeout)

	assert.True(t, token.Cancelled())
	assert.True(t, errors.Is(token.Cause(), ErrCancelled), "first cause wins")
}

func TestToken_NilCauseMeansCancelled(t *testing.T) {
	token := NewToken(context.Background())
	token.Cancel(nil)
	assert.True(t, errors.Is(token.Cause(), ErrCancelled))
}

func TestToken_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancelCause(context.Background())
	token := NewToken(parent)

	cancel(ErrShutdown)

	assert.True(t, token.Cancelled())
	assert.True(t, errors.Is(token.Cause(), ErrShutdown))
}

func TestCheckpoint(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  error
	}{
		{name: "cancelled", cause: ErrCancelled, want: ErrCancelled},
		{name: "shutdown", cause: ErrShutdown, want: ErrShutdown},
		{name: "timeout", cause: ErrTimeout, want: ErrTimeout},
		{name: "foreign cause", cause: errors.New("parent went away"), want: ErrCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := NewToken(context.Background())
			token.Cancel(tt.cause)

			err := Checkpoint(token.Context())
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	t.Run("plain context cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.True(t, errors.Is(Checkpoint(ctx), ErrCancelled))
	})
}

package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choiros/director/pkg/contracts"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	o := NewScripted(
		Completion{Content: "first", TokensUsed: 10},
		Completion{Content: "second"},
	)

	c1, err := o.Complete(ctx, Prompt{})
	require.NoError(t, err)
	assert.Equal(t, "first", c1.Content)
	assert.Equal(t, int64(10), c1.TokensUsed)

	c2, err := o.Complete(ctx, Prompt{})
	require.NoError(t, err)
	assert.Equal(t, "second", c2.Content)
	assert.Positive(t, c2.TokensUsed, "zero-token steps get a deterministic estimate")
	assert.Equal(t, "stop", c2.FinishReason)
	assert.Equal(t, 0, o.Remaining())
}

func TestScriptedFailsClosedWhenExhausted(t *testing.T) {
	o := NewScripted(Completion{Content: "only"})
	_, err := o.Complete(context.Background(), Prompt{})
	require.NoError(t, err)

	_, err = o.Complete(context.Background(), Prompt{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindBudgetExhausted))
}

func TestScriptedHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := NewScripted(Completion{Content: "x"})
	_, err := o.Complete(ctx, Prompt{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindCancelled))
	assert.Equal(t, 1, o.Remaining(), "a cancelled call must not consume a step")
}

package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacement_HappyPath(t *testing.T) {
	p := NewPlacement()
	for _, s := range []Stage{StageResolvingItems, StageAssembled, StagePersisted, StagePublished, StageResponded} {
		require.NoError(t, p.Advance(s))
	}
	assert.Equal(t, StageResponded, p.Stage())
	assert.Equal(t, []Stage{
		StageReceived, StageResolvingItems, StageAssembled, StagePersisted, StagePublished, StageResponded,
	}, p.History())
}

func TestPlacement_PublishFailureSkipsPublished(t *testing.T) {
	p := NewPlacement()
	require.NoError(t, p.Advance(StageResolvingItems))
	require.NoError(t, p.Advance(StageAssembled))
	require.NoError(t, p.Advance(StagePersisted))
	require.NoError(t, p.Advance(StageResponded))
}

func TestPlacement_RejectsSkippingPersist(t *testing.T) {
	p := NewPlacement()
	require.NoError(t, p.Advance(StageResolvingItems))
	require.NoError(t, p.Advance(StageAssembled))

	err := p.Advance(StagePublished)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, StageAssembled, p.Stage())
}

func TestPlacement_FailIsTerminal(t *testing.T) {
	p := NewPlacement()
	require.NoError(t, p.Fail())
	assert.ErrorIs(t, p.Fail(), ErrInvalidStateTransition)
	assert.ErrorIs(t, p.Advance(StageResolvingItems), ErrInvalidStateTransition)
}

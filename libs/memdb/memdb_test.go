package memdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitAppliesStagedWrites(t *testing.T) {
	ctx := context.Background()
	d := New()
	tx, err := d.Begin(ctx)
	require.NoError(t, err)

	var applied []int
	require.NoError(t, Stage(tx, func() { applied = append(applied, 1) }))
	require.NoError(t, Stage(tx, func() { applied = append(applied, 2) }))
	assert.Empty(t, applied)

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []int{1, 2}, applied)

	assert.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	assert.ErrorIs(t, Stage(tx, func() {}), ErrTxDone)
}

func TestRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	d := New()
	tx, _ := d.Begin(ctx)

	applied := false
	require.NoError(t, Stage(tx, func() { applied = true }))
	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	assert.False(t, applied)
}

func TestFailNextCommit(t *testing.T) {
	ctx := context.Background()
	d := New()
	boom := errors.New("disk full")
	d.FailNextCommit(boom)

	tx, _ := d.Begin(ctx)
	applied := false
	require.NoError(t, Stage(tx, func() { applied = true }))
	assert.ErrorIs(t, tx.Commit(ctx), boom)
	assert.False(t, applied)

	tx2, _ := d.Begin(ctx)
	require.NoError(t, Stage(tx2, func() { applied = true }))
	require.NoError(t, tx2.Commit(ctx))
	assert.True(t, applied)
}

func TestStageRejectsForeignTx(t *testing.T) {
	assert.ErrorIs(t, Stage(nil, func() {}), ErrForeignTx)
}

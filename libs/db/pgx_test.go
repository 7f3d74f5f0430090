package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/orderpipe/libs/memdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTxCommitsOnSuccess(t *testing.T) {
	applied := false
	err := InTx(context.Background(), memdb.New(), func(tx pgx.Tx) error {
		return memdb.Stage(tx, func() { applied = true })
	})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestInTxRollsBackOnError(t *testing.T) {
	applied := false
	boom := errors.New("boom")
	err := InTx(context.Background(), memdb.New(), func(tx pgx.Tx) error {
		if err := memdb.Stage(tx, func() { applied = true }); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, applied)
}

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, IsUniqueViolation(dup))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(nil))
}

func TestReadyCheckWithoutPool(t *testing.T) {
	assert.Error(t, ReadyCheck(nil)(context.Background()))
}

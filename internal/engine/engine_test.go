package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/internal/types"
)

func TestEngine(t *testing.T) {
	self := uuid.New()
	controller := uuid.New()

	t.Run("start_query_registers_the_query", func(t *testing.T) {
		e := NewEngine(self)
		defer e.Close(nil)

		q, err := e.StartQuery(context.Background(), 1, controller, testPlan())
		require.NoError(t, err)

		got, ok := e.Query(1)
		require.True(t, ok)
		require.Same(t, q, got)
		require.Equal(t, 1, e.ActiveQueries())
	})

	t.Run("start_query_rejects_duplicate_ids", func(t *testing.T) {
		e := NewEngine(self)
		defer e.Close(nil)

		_, err := e.StartQuery(context.Background(), 1, controller, testPlan())
		require.NoError(t, err)

		_, err = e.StartQuery(context.Background(), 1, controller, testPlan())
		require.ErrorIs(t, err, ErrDuplicateQuery)
		require.Equal(t, 1, e.ActiveQueries())
	})

	t.Run("tear_down_operator_reaches_the_query", func(t *testing.T) {
		e := NewEngine(self)
		defer e.Close(nil)

		q, err := e.StartQuery(context.Background(), 1, controller, testPlan())
		require.NoError(t, err)

		hooks := &recordingHooks{}
		q.RegisterTearDownHooks(hooks)

		require.NoError(t, e.TearDownOperator(1, 2))
		require.Equal(t, []types.OperatorID{2}, hooks.operators)

		require.ErrorIs(t, e.TearDownOperator(99, 2), ErrInvalidArgument)
	})

	t.Run("halt_query_removes_and_halts", func(t *testing.T) {
		e := NewEngine(self)
		defer e.Close(nil)

		q, err := e.StartQuery(context.Background(), 1, controller, testPlan())
		require.NoError(t, err)

		cause := errors.New("peer lost")
		require.True(t, e.HaltQuery(1, cause))
		require.True(t, q.Halted())
		require.ErrorIs(t, q.Err(), cause)

		_, ok := e.Query(1)
		require.False(t, ok)
		require.False(t, e.HaltQuery(1, nil))
	})

	t.Run("close_halts_every_query", func(t *testing.T) {
		e := NewEngine(self)

		q1, err := e.StartQuery(context.Background(), 1, controller, testPlan())
		require.NoError(t, err)
		q2, err := e.StartQuery(context.Background(), 2, controller, testPlan())
		require.NoError(t, err)

		e.Close(errors.New("shutting down"))
		require.True(t, q1.Halted())
		require.True(t, q2.Halted())
		require.Zero(t, e.ActiveQueries())
	})
}

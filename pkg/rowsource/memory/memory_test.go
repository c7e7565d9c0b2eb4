package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/rowsource"
)

func instanceNode(id string) *hierarchy.SourceNode {
	return &hierarchy.SourceNode{
		Key: hierarchy.InstancesNodeKey{InstanceKeys: []hierarchy.InstanceKey{
			{ClassName: "bis.Element", InstanceID: id},
		}},
		Label: "element " + id,
	}
}

func TestExecutorSeededRows(t *testing.T) {
	ctx := context.Background()
	executor := NewExecutor()
	executor.Seed("SELECT * FROM elements", instanceNode("0x1"), instanceNode("0x2"))

	iter, err := executor.Execute(ctx, hierarchy.Query{Text: "SELECT * FROM elements"}, rowsource.ExecuteOptions{})
	require.NoError(t, err)
	rows, err := hierarchy.Collect(ctx, iter)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 1, executor.ExecuteCount("SELECT * FROM elements"))
}

func TestExecutorUnseededQueryIsEmpty(t *testing.T) {
	ctx := context.Background()
	executor := NewExecutor()

	iter, err := executor.Execute(ctx, hierarchy.Query{Text: "SELECT nothing"}, rowsource.ExecuteOptions{})
	require.NoError(t, err)
	rows, err := hierarchy.Collect(ctx, iter)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestExecutorRowLimit(t *testing.T) {
	ctx := context.Background()
	executor := NewExecutor()
	executor.Seed("q", instanceNode("0x1"), instanceNode("0x2"), instanceNode("0x3"))

	t.Run("exceeding the limit fails", func(t *testing.T) {
		_, err := executor.Execute(ctx, hierarchy.Query{Text: "q"}, rowsource.ExecuteOptions{RowLimit: 2})
		require.ErrorIs(t, err, hierarchy.ErrRowsLimitExceeded)

		var limitErr *hierarchy.RowsLimitError
		require.ErrorAs(t, err, &limitErr)
		require.Equal(t, int64(2), limitErr.Limit)
	})

	t.Run("limit equal to row count passes", func(t *testing.T) {
		iter, err := executor.Execute(ctx, hierarchy.Query{Text: "q"}, rowsource.ExecuteOptions{RowLimit: 3})
		require.NoError(t, err)
		rows, err := hierarchy.Collect(ctx, iter)
		require.NoError(t, err)
		require.Len(t, rows, 3)
	})

	t.Run("unbounded limit passes any count", func(t *testing.T) {
		iter, err := executor.Execute(ctx, hierarchy.Query{Text: "q"}, rowsource.ExecuteOptions{RowLimit: rowsource.UnboundedRowLimit})
		require.NoError(t, err)
		rows, err := hierarchy.Collect(ctx, iter)
		require.NoError(t, err)
		require.Len(t, rows, 3)
	})
}

func TestExecutorFailWith(t *testing.T) {
	ctx := context.Background()
	executor := NewExecutor()
	boom := errors.New("backend unavailable")
	executor.FailWith("q", boom)

	_, err := executor.Execute(ctx, hierarchy.Query{Text: "q"}, rowsource.ExecuteOptions{})
	require.ErrorIs(t, err, boom)
}

func TestExecutorClonesSeededNodes(t *testing.T) {
	ctx := context.Background()
	executor := NewExecutor()
	executor.Seed("q", instanceNode("0x1"))

	iter, err := executor.Execute(ctx, hierarchy.Query{Text: "q"}, rowsource.ExecuteOptions{})
	require.NoError(t, err)
	rows, err := hierarchy.Collect(ctx, iter)
	require.NoError(t, err)
	rows[0].Label = "mutated"

	iter, err = executor.Execute(ctx, hierarchy.Query{Text: "q"}, rowsource.ExecuteOptions{})
	require.NoError(t, err)
	rows, err = hierarchy.Collect(ctx, iter)
	require.NoError(t, err)
	require.Equal(t, "element 0x1", rows[0].Label)
}

func TestExecutorClonesSeededInstanceKeys(t *testing.T) {
	ctx := context.Background()
	executor := NewExecutor()
	executor.Seed("q", instanceNode("0x1"))

	iter, err := executor.Execute(ctx, hierarchy.Query{Text: "q"}, rowsource.ExecuteOptions{})
	require.NoError(t, err)
	rows, err := hierarchy.Collect(ctx, iter)
	require.NoError(t, err)

	// writing through the returned key's slice must not reach seeded data
	rows[0].Key.(hierarchy.InstancesNodeKey).InstanceKeys[0].Source = "imodel-a"

	iter, err = executor.Execute(ctx, hierarchy.Query{Text: "q"}, rowsource.ExecuteOptions{})
	require.NoError(t, err)
	rows, err = hierarchy.Collect(ctx, iter)
	require.NoError(t, err)
	require.Equal(t, "", rows[0].Key.(hierarchy.InstancesNodeKey).InstanceKeys[0].Source)
}

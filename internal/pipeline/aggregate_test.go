package pipeline

import (
	"context"
	"testing"

	"go-etl-engine/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateSumByFirstAppearance(t *testing.T) {
	ds := table(t, []string{"status", "amount"},
		[]interface{}{"a", 1},
		[]interface{}{"b", 5},
		[]interface{}{"a", 2},
	)
	out, _ := apply(t, ds, model.OperationSpec{
		"operation":    "aggregate",
		"group_by":     []interface{}{"status"},
		"aggregations": map[string]interface{}{"amount": "sum"},
	})

	expected := table(t, []string{"status", "amount"}, []interface{}{"a", 3}, []interface{}{"b", 5})
	assert.True(t, expected.Equal(out), "got %v", out.Records())
}

func TestAggregateObjectFormFollowsInputColumnOrder(t *testing.T) {
	ds := table(t, []string{"g", "x", "y"}, []interface{}{"k", 1, 10}, []interface{}{"k", 3, 20})
	out, _ := apply(t, ds, model.OperationSpec{
		"operation":    "aggregate",
		"group_by":     "g",
		"aggregations": map[string]interface{}{"y": "max", "x": []interface{}{"avg", "count"}},
	})
	assert.Equal(t, []string{"g", "avg_x", "count_x", "y"}, out.Names())
	assert.Equal(t, model.Number(2), out.Columns[1].Values[0])
	assert.Equal(t, model.Number(2), out.Columns[2].Values[0])
	assert.Equal(t, model.Number(20), out.Columns[3].Values[0])
}

func TestAggregateListForm(t *testing.T) {
	ds := table(t, []string{"g", "x"}, []interface{}{"k", 4}, []interface{}{"k", nil}, []interface{}{"k", 2})
	out, _ := apply(t, ds, model.OperationSpec{
		"operation": "aggregate",
		"group_by":  []interface{}{"g"},
		"aggregations": []interface{}{
			map[string]interface{}{"column": "x", "function": "min", "as": "lowest"},
			map[string]interface{}{"column": "x", "function": "count"},
			map[string]interface{}{"column": "x", "function": "last", "as": "latest"},
		},
	})
	assert.Equal(t, []string{"g", "lowest", "x", "latest"}, out.Names())
	assert.Equal(t, model.Number(2), out.Columns[1].Values[0])
	assert.Equal(t, model.Number(2), out.Columns[2].Values[0], "nulls are not counted")
	assert.Equal(t, model.Number(2), out.Columns[3].Values[0])
}

func TestAggregateGlobalOverEmptyInput(t *testing.T) {
	ds := model.NewDataset("x")
	out, _ := apply(t, ds, model.OperationSpec{
		"operation":    "aggregate",
		"aggregations": map[string]interface{}{"x": "sum"},
	})
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, model.Number(0), out.Columns[0].Values[0])
}

func TestAggregateErrors(t *testing.T) {
	_, err := ParseOperations([]model.OperationSpec{{"operation": "aggregate"}})
	assert.True(t, model.IsKind(err, model.InvalidParameters))

	_, err = ParseOperations([]model.OperationSpec{{
		"operation":    "aggregate",
		"aggregations": map[string]interface{}{"x": "median"},
	}})
	assert.True(t, model.IsKind(err, model.InvalidParameters))

	ds := table(t, []string{"g", "x"}, []interface{}{"k", "abc"})
	ops := mustOps(t, model.OperationSpec{
		"operation":    "aggregate",
		"group_by":     "g",
		"aggregations": map[string]interface{}{"x": "sum"},
	})
	_, _, err = NewTransformer(zerolog.Nop()).Apply(context.Background(), ds, ops)
	assert.True(t, model.IsKind(err, model.InvalidParameters))

	ops = mustOps(t, model.OperationSpec{
		"operation":    "aggregate",
		"group_by":     "missing",
		"aggregations": map[string]interface{}{"x": "sum"},
	})
	_, _, err = NewTransformer(zerolog.Nop()).Apply(context.Background(), ds, ops)
	assert.True(t, model.IsKind(err, model.ColumnNotFound))
}

package pipeline

import (
	"fmt"
	"sort"

	"go-etl-engine/internal/model"
)

// aggregators by function name; each folds the non-null cells of one group
var aggregators = map[string]func(column string, cells []model.Value) (model.Value, error){
	"sum":   aggSum,
	"avg":   aggAvg,
	"mean":  aggAvg,
	"count": aggCount,
	"min":   aggMin,
	"max":   aggMax,
	"first": aggFirst,
	"last":  aggLast,
}

// aggregation is one output column of an aggregate step
type aggregation struct {
	Column   string
	Function string
	Output   string
}

type aggregate struct {
	GroupBy      []string
	Aggregations []aggregation
	// ordered is false when aggregations came from an object, whose key order is
	// lost in decoding; outputs then follow the input column order.
	ordered bool
}

func newAggregate(p params) (Operation, error) {
	groupBy, err := p.strList("group_by")
	if err != nil {
		return nil, err
	}
	op := aggregate{GroupBy: groupBy}

	switch raw := p["aggregations"].(type) {
	case map[string]interface{}:
		for column, fns := range raw {
			aggs, err := decodeAggFunctions(column, fns)
			if err != nil {
				return nil, err
			}
			op.Aggregations = append(op.Aggregations, aggs...)
		}
	case []interface{}:
		op.ordered = true
		for _, item := range raw {
			entry, ok := item.(map[string]interface{})
			if !ok {
				return nil, model.NewError(model.InvalidParameters, "aggregations entries must be objects")
			}
			column, err := params(entry).str("column")
			if err != nil {
				return nil, err
			}
			fn, ok := entry["function"]
			if !ok {
				return nil, model.NewError(model.InvalidParameters, "aggregation for %q has no function", column)
			}
			aggs, err := decodeAggFunctions(column, fn)
			if err != nil {
				return nil, err
			}
			if name, ok := entry["as"].(string); ok && name != "" && len(aggs) == 1 {
				aggs[0].Output = name
			}
			op.Aggregations = append(op.Aggregations, aggs...)
		}
	case nil:
	default:
		return nil, model.NewError(model.InvalidParameters, "aggregations must be an object or a list")
	}

	if len(op.Aggregations) == 0 && len(op.GroupBy) == 0 {
		return nil, model.NewError(model.InvalidParameters, "aggregate needs group_by or aggregations")
	}
	return op, nil
}

// decodeAggFunctions accepts "sum" or ["sum", "avg"]. A single function keeps
// the column name; a list names outputs <function>_<column>.
func decodeAggFunctions(column string, raw interface{}) ([]aggregation, error) {
	var fns []string
	single := false
	switch t := raw.(type) {
	case string:
		fns = []string{t}
		single = true
	case []interface{}:
		for _, x := range t {
			s, ok := x.(string)
			if !ok {
				return nil, model.NewError(model.InvalidParameters, "aggregation functions for %q must be strings", column)
			}
			fns = append(fns, s)
		}
	case []string:
		fns = t
	default:
		return nil, model.NewError(model.InvalidParameters, "aggregation for %q must be a function name or a list", column)
	}
	if len(fns) == 0 {
		return nil, model.NewError(model.InvalidParameters, "aggregation for %q lists no functions", column)
	}

	out := make([]aggregation, len(fns))
	for i, fn := range fns {
		if _, ok := aggregators[fn]; !ok {
			return nil, model.NewError(model.InvalidParameters, "unknown aggregation function %q", fn).WithColumn(column)
		}
		output := column
		if !single {
			output = fmt.Sprintf("%s_%s", fn, column)
		}
		out[i] = aggregation{Column: column, Function: fn, Output: output}
	}
	return out, nil
}

func (o aggregate) Name() string { return "aggregate" }

// Apply produces one row per distinct group_by tuple, in order of first appearance
func (o aggregate) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	keyIdx, err := columnIndexes(ds, o.GroupBy)
	if err != nil {
		return nil, Tally{}, err
	}
	if len(o.GroupBy) == 0 {
		keyIdx = nil
	}

	aggs := o.orderedAggregations(ds)
	aggIdx := make([]int, len(aggs))
	for i, a := range aggs {
		c := ds.ColumnIndex(a.Column)
		if c < 0 {
			return nil, Tally{}, columnNotFound(a.Column)
		}
		aggIdx[i] = c
	}

	names := append([]string{}, o.GroupBy...)
	for _, a := range aggs {
		names = append(names, a.Output)
	}
	out := model.NewDataset(names...)
	if err := out.Validate(); err != nil {
		return nil, Tally{}, model.WrapError(model.InvalidParameters, err, "aggregate output columns collide")
	}

	// Group rows, remembering first appearance
	var order []string
	groups := make(map[string][]int)
	for r := 0; r < ds.NumRows(); r++ {
		k := rowKey(ds, r, keyIdx)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	if len(keyIdx) == 0 && len(order) == 0 {
		// A global aggregate over no rows still yields one row
		order = append(order, "")
		groups[""] = nil
	}

	for _, k := range order {
		rows := groups[k]
		row := make([]model.Value, 0, len(names))
		for _, c := range keyIdx {
			row = append(row, ds.Columns[c].Values[rows[0]])
		}
		for i, a := range aggs {
			cells := make([]model.Value, 0, len(rows))
			for _, r := range rows {
				if v := ds.Columns[aggIdx[i]].Values[r]; !v.IsNull() {
					cells = append(cells, v)
				}
			}
			v, err := aggregators[a.Function](a.Column, cells)
			if err != nil {
				return nil, Tally{}, err
			}
			row = append(row, v)
		}
		if err := out.AppendRow(row); err != nil {
			return nil, Tally{}, err
		}
	}
	return out, Tally{}, nil
}

// orderedAggregations returns aggregations in a deterministic order
func (o aggregate) orderedAggregations(ds *model.Dataset) []aggregation {
	aggs := append([]aggregation{}, o.Aggregations...)
	if o.ordered {
		return aggs
	}
	position := func(col string) int {
		if c := ds.ColumnIndex(col); c >= 0 {
			return c
		}
		return ds.NumCols()
	}
	sort.SliceStable(aggs, func(i, j int) bool {
		pi, pj := position(aggs[i].Column), position(aggs[j].Column)
		if pi != pj {
			return pi < pj
		}
		return aggs[i].Column < aggs[j].Column
	})
	return aggs
}

// ---- Aggregation functions ----

func numericCells(column string, cells []model.Value) ([]float64, error) {
	nums := make([]float64, len(cells))
	for i, c := range cells {
		f, ok := asNumber(c)
		if !ok {
			return nil, model.NewError(model.InvalidParameters, "column %q holds non-numeric value %q", column, c.String()).WithColumn(column)
		}
		nums[i] = f
	}
	return nums, nil
}

func aggSum(column string, cells []model.Value) (model.Value, error) {
	nums, err := numericCells(column, cells)
	if err != nil {
		return model.Null(), err
	}
	sum := 0.0
	for _, n := range nums {
		sum += n
	}
	return model.Number(sum), nil
}

func aggAvg(column string, cells []model.Value) (model.Value, error) {
	if len(cells) == 0 {
		return model.Null(), nil
	}
	sum, err := aggSum(column, cells)
	if err != nil {
		return model.Null(), err
	}
	return model.Number(sum.Num / float64(len(cells))), nil
}

func aggCount(_ string, cells []model.Value) (model.Value, error) {
	return model.Number(float64(len(cells))), nil
}

func aggMin(_ string, cells []model.Value) (model.Value, error) {
	if len(cells) == 0 {
		return model.Null(), nil
	}
	best := cells[0]
	for _, c := range cells[1:] {
		if orderCells(c, best) < 0 {
			best = c
		}
	}
	return best, nil
}

func aggMax(_ string, cells []model.Value) (model.Value, error) {
	if len(cells) == 0 {
		return model.Null(), nil
	}
	best := cells[0]
	for _, c := range cells[1:] {
		if orderCells(c, best) > 0 {
			best = c
		}
	}
	return best, nil
}

func aggFirst(_ string, cells []model.Value) (model.Value, error) {
	if len(cells) == 0 {
		return model.Null(), nil
	}
	return cells[0], nil
}

func aggLast(_ string, cells []model.Value) (model.Value, error) {
	if len(cells) == 0 {
		return model.Null(), nil
	}
	return cells[len(cells)-1], nil
}

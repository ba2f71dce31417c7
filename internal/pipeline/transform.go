package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go-etl-engine/internal/model"
	"go-etl-engine/pkg/utils"

	"github.com/rs/zerolog"
)

// Operation is one decoded transformation step. Apply never mutates its input.
type Operation interface {
	Name() string
	Apply(ds *model.Dataset) (*model.Dataset, Tally, error)
}

// Tally counts soft conversion failures of a step
type Tally struct {
	Attempts int
	Failures int
}

// Transformation summarizes a full transformation pass
type Transformation struct {
	Steps              []model.StepStats
	ConversionAttempts int
	ConversionFailures int
}

// Transformer applies operations sequentially
type Transformer struct {
	Log zerolog.Logger
}

// NewTransformer creates a transformer that logs each step at debug level
func NewTransformer(log zerolog.Logger) *Transformer {
	return &Transformer{Log: log}
}

// Apply runs ops in order. The first failing op aborts the pass with an
// OperationFailedAtIndex error; the context is checked before every op.
func (t *Transformer) Apply(ctx context.Context, ds *model.Dataset, ops []Operation) (*model.Dataset, Transformation, error) {
	var summary Transformation
	current := ds
	t.Log.Debug().Str("operations", describeOps(ops)).Msg("applying transformations")
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, summary, err
		}

		rowsIn := current.NumRows()
		next, tally, err := op.Apply(current)
		if err != nil {
			return nil, summary, model.AtIndex(i, op.Name(), err)
		}
		if err := next.Validate(); err != nil {
			return nil, summary, model.AtIndex(i, op.Name(), err)
		}

		summary.Steps = append(summary.Steps, model.StepStats{
			Index:              i,
			Operation:          op.Name(),
			RowsIn:             rowsIn,
			RowsOut:            next.NumRows(),
			ConversionAttempts: tally.Attempts,
			ConversionFailures: tally.Failures,
		})
		summary.ConversionAttempts += tally.Attempts
		summary.ConversionFailures += tally.Failures

		t.Log.Debug().
			Int("index", i).
			Str("operation", op.Name()).
			Int("rows_in", rowsIn).
			Int("rows_out", next.NumRows()).
			Msg("transformation applied")
		current = next
	}
	return current, summary, nil
}

// ------------------- Decoding -------------------

type opFactory func(p params) (Operation, error)

var opFactories = map[string]opFactory{
	"rename_column": newRenameColumn,
	"filter_rows":   newFilterRows,
	"convert_type":  newConvertType,
	"add_column":    newAddColumn,
	"aggregate":     newAggregate,
	"dedup":         newDedup,
	"trim_strings":  newStringMap("trim_strings", strings.TrimSpace),
	"to_lowercase":  newStringMap("to_lowercase", strings.ToLower),
	"to_uppercase":  newStringMap("to_uppercase", strings.ToUpper),
	"drop_nulls":    newDropNulls,
	"sort_rows":     newSortRows,
}

// OperationNames lists every supported operation tag, sorted
func OperationNames() []string {
	names := make([]string, 0, len(opFactories))
	for n := range opFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseOperation decodes one transformations entry
func ParseOperation(spec model.OperationSpec) (Operation, error) {
	name := spec.Name()
	factory, ok := opFactories[name]
	if !ok {
		return nil, model.NewError(model.UnknownOperation, "unknown operation %q, expected one of %s", name, strings.Join(OperationNames(), ", "))
	}
	return factory(params(spec))
}

// ParseOperations decodes the whole list, reporting the index of the first bad entry
func ParseOperations(specs []model.OperationSpec) ([]Operation, error) {
	ops := make([]Operation, 0, len(specs))
	for i, spec := range specs {
		op, err := ParseOperation(spec)
		if err != nil {
			return nil, model.AtIndex(i, spec.Name(), err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

type params map[string]interface{}

func (p params) str(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", model.NewError(model.InvalidParameters, "missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", model.NewError(model.InvalidParameters, "parameter %q must be a non-empty string", key)
	}
	return s, nil
}

// strList accepts a single string or a list of strings; absent means nil
func (p params) strList(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, len(t))
		for i, x := range t {
			s, ok := x.(string)
			if !ok {
				return nil, model.NewError(model.InvalidParameters, "parameter %q must list strings", key)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, model.NewError(model.InvalidParameters, "parameter %q must be a string or a list of strings", key)
	}
}

func (p params) boolean(key string, def bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return def
}

func columnNotFound(name string) *model.Error {
	return model.NewError(model.ColumnNotFound, "column %q not found", name).WithColumn(name)
}

// columnIndexes resolves names, or every column when names is empty
func columnIndexes(ds *model.Dataset, names []string) ([]int, error) {
	if len(names) == 0 {
		idx := make([]int, ds.NumCols())
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := make([]int, len(names))
	for i, n := range names {
		c := ds.ColumnIndex(n)
		if c < 0 {
			return nil, columnNotFound(n)
		}
		idx[i] = c
	}
	return idx, nil
}

// withColumn returns a shallow copy of ds whose column c is replaced
func withColumn(ds *model.Dataset, c int, col model.Column) *model.Dataset {
	out := &model.Dataset{Columns: make([]model.Column, len(ds.Columns))}
	copy(out.Columns, ds.Columns)
	out.Columns[c] = col
	return out
}

// ------------------- rename_column -------------------

type renameColumn struct {
	OldName string
	NewName string
}

func newRenameColumn(p params) (Operation, error) {
	oldName, err := p.str("old_name")
	if err != nil {
		return nil, err
	}
	newName, err := p.str("new_name")
	if err != nil {
		return nil, err
	}
	return renameColumn{OldName: oldName, NewName: newName}, nil
}

func (o renameColumn) Name() string { return "rename_column" }

func (o renameColumn) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	c := ds.ColumnIndex(o.OldName)
	if c < 0 {
		return nil, Tally{}, columnNotFound(o.OldName)
	}
	if o.NewName != o.OldName && ds.ColumnIndex(o.NewName) >= 0 {
		return nil, Tally{}, model.NewError(model.InvalidParameters, "column %q already exists", o.NewName).WithColumn(o.NewName)
	}
	return withColumn(ds, c, model.Column{Name: o.NewName, Values: ds.Columns[c].Values}), Tally{}, nil
}

// ------------------- filter_rows -------------------

var filterConditions = map[string]bool{
	"equals":       true,
	"not_equals":   true,
	"greater_than": true,
	"less_than":    true,
	"contains":     true,
}

type filterRows struct {
	Column    string
	Condition string
	Value     model.Value
}

func newFilterRows(p params) (Operation, error) {
	column, err := p.str("column")
	if err != nil {
		return nil, err
	}
	condition, err := p.str("condition")
	if err != nil {
		return nil, err
	}
	if !filterConditions[condition] {
		return nil, model.NewError(model.InvalidParameters, "unknown condition %q", condition)
	}
	value, ok := p["value"]
	if !ok {
		return nil, model.NewError(model.InvalidParameters, "missing parameter %q", "value")
	}
	return filterRows{Column: column, Condition: condition, Value: model.FromInterface(value)}, nil
}

func (o filterRows) Name() string { return "filter_rows" }

func (o filterRows) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	col, ok := ds.Column(o.Column)
	if !ok {
		return nil, Tally{}, columnNotFound(o.Column)
	}
	keep := make([]int, 0, len(col.Values))
	for r, cell := range col.Values {
		if o.matches(cell) {
			keep = append(keep, r)
		}
	}
	return ds.SelectRows(keep), Tally{}, nil
}

func (o filterRows) matches(cell model.Value) bool {
	if cell.IsNull() {
		return o.Condition == "not_equals"
	}
	switch o.Condition {
	case "contains":
		return strings.Contains(cell.String(), o.Value.String())
	case "equals":
		return compareCells(cell, o.Value) == 0
	case "not_equals":
		return compareCells(cell, o.Value) != 0
	case "greater_than":
		return compareCells(cell, o.Value) > 0
	case "less_than":
		return compareCells(cell, o.Value) < 0
	}
	return false
}

// compareCells orders a cell against a literal, coercing the literal to the
// cell's kind when it can and falling back to text comparison.
func compareCells(cell, lit model.Value) int {
	switch cell.Kind {
	case model.KindNumber:
		if f, ok := asNumber(lit); ok {
			return compareFloat(cell.Num, f)
		}
	case model.KindDatetime:
		if t, ok := asTime(lit); ok {
			return cell.Time.Compare(t)
		}
	case model.KindBoolean:
		if b, ok := asBool(lit); ok {
			return compareBool(cell.Bool, b)
		}
	}
	return strings.Compare(cell.String(), lit.String())
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func asNumber(v model.Value) (float64, bool) {
	switch v.Kind {
	case model.KindNumber:
		return v.Num, true
	case model.KindString:
		return utils.Numeric(v.Str)
	case model.KindBoolean:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asTime(v model.Value) (time.Time, bool) {
	switch v.Kind {
	case model.KindDatetime:
		return v.Time, true
	case model.KindString:
		return utils.ParseDatetime(v.Str)
	}
	return time.Time{}, false
}

func asBool(v model.Value) (bool, bool) {
	switch v.Kind {
	case model.KindBoolean:
		return v.Bool, true
	case model.KindString:
		return utils.ParseBool(v.Str)
	case model.KindNumber:
		switch v.Num {
		case 0:
			return false, true
		case 1:
			return true, true
		}
	}
	return false, false
}

// ------------------- convert_type -------------------

var targetKinds = map[string]model.Kind{
	"numeric":  model.KindNumber,
	"number":   model.KindNumber,
	"float":    model.KindNumber,
	"int":      model.KindNumber,
	"integer":  model.KindNumber,
	"datetime": model.KindDatetime,
	"date":     model.KindDatetime,
	"boolean":  model.KindBoolean,
	"bool":     model.KindBoolean,
	"string":   model.KindString,
	"str":      model.KindString,
}

type convertType struct {
	Column string
	Target model.Kind
}

func newConvertType(p params) (Operation, error) {
	column, err := p.str("column")
	if err != nil {
		return nil, err
	}
	target, err := p.str("target_type")
	if err != nil {
		return nil, err
	}
	kind, ok := targetKinds[strings.ToLower(target)]
	if !ok {
		return nil, model.NewError(model.InvalidParameters, "unsupported target_type %q", target)
	}
	return convertType{Column: column, Target: kind}, nil
}

func (o convertType) Name() string { return "convert_type" }

// Apply coerces every non-null cell; cells that cannot be converted become null
// and are counted as failures.
func (o convertType) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	c := ds.ColumnIndex(o.Column)
	if c < 0 {
		return nil, Tally{}, columnNotFound(o.Column)
	}
	var tally Tally
	src := ds.Columns[c].Values
	vals := make([]model.Value, len(src))
	for r, cell := range src {
		if cell.IsNull() {
			continue
		}
		tally.Attempts++
		converted, ok := ConvertValue(cell, o.Target)
		if !ok {
			tally.Failures++
			continue
		}
		vals[r] = converted
	}
	return withColumn(ds, c, model.Column{Name: o.Column, Values: vals}), tally, nil
}

// ConvertValue converts one cell to the target kind
func ConvertValue(cell model.Value, target model.Kind) (model.Value, bool) {
	if cell.Kind == target {
		return cell, true
	}
	switch target {
	case model.KindString:
		return model.String(cell.String()), true
	case model.KindNumber:
		if f, ok := asNumber(cell); ok {
			if v := model.Number(f); !v.IsNull() {
				return v, true
			}
		}
	case model.KindDatetime:
		if t, ok := asTime(cell); ok {
			return model.Datetime(t), true
		}
	case model.KindBoolean:
		if b, ok := asBool(cell); ok {
			return model.Boolean(b), true
		}
	}
	return model.Null(), false
}

// ------------------- add_column -------------------

type addColumn struct {
	Column   string
	Constant model.Value
	Expr     *Expression
}

func newAddColumn(p params) (Operation, error) {
	name, err := p.str("column_name")
	if err != nil {
		return nil, err
	}
	op := addColumn{Column: name}
	if raw, ok := p["expression"]; ok {
		text, ok := raw.(string)
		if !ok {
			return nil, model.NewError(model.InvalidParameters, "expression must be a string")
		}
		expr, err := ParseExpression(text)
		if err != nil {
			return nil, model.WrapError(model.InvalidParameters, err, "invalid expression")
		}
		op.Expr = expr
		return op, nil
	}
	value, ok := p["column_value"]
	if !ok {
		return nil, model.NewError(model.InvalidParameters, "add_column needs column_value or expression")
	}
	op.Constant = model.FromInterface(value)
	return op, nil
}

func (o addColumn) Name() string { return "add_column" }

func (o addColumn) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	if ds.ColumnIndex(o.Column) >= 0 {
		return nil, Tally{}, model.NewError(model.InvalidParameters, "column %q already exists", o.Column).WithColumn(o.Column)
	}
	rows := ds.NumRows()
	vals := make([]model.Value, rows)
	if o.Expr == nil {
		for r := range vals {
			vals[r] = o.Constant
		}
	} else {
		for _, ref := range o.Expr.Columns() {
			if ds.ColumnIndex(ref) < 0 {
				return nil, Tally{}, columnNotFound(ref)
			}
		}
		for r := range vals {
			vals[r] = o.Expr.Eval(func(name string) model.Value {
				col, _ := ds.Column(name)
				return col.Values[r]
			})
		}
	}
	out := &model.Dataset{Columns: make([]model.Column, 0, ds.NumCols()+1)}
	out.Columns = append(out.Columns, ds.Columns...)
	out.Columns = append(out.Columns, model.Column{Name: o.Column, Values: vals})
	return out, Tally{}, nil
}

// ------------------- dedup -------------------

type dedup struct {
	Columns []string
}

func newDedup(p params) (Operation, error) {
	cols, err := p.strList("columns")
	if err != nil {
		return nil, err
	}
	return dedup{Columns: cols}, nil
}

func (o dedup) Name() string { return "dedup" }

// Apply keeps the first occurrence of each row (or of each key over Columns)
func (o dedup) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	idx, err := columnIndexes(ds, o.Columns)
	if err != nil {
		return nil, Tally{}, err
	}
	seen := make(map[string]bool, ds.NumRows())
	keep := make([]int, 0, ds.NumRows())
	for r := 0; r < ds.NumRows(); r++ {
		k := rowKey(ds, r, idx)
		if seen[k] {
			continue
		}
		seen[k] = true
		keep = append(keep, r)
	}
	return ds.SelectRows(keep), Tally{}, nil
}

// rowKey joins cell keys with a separator that cannot occur inside a key prefix
func rowKey(ds *model.Dataset, r int, idx []int) string {
	var b strings.Builder
	for _, c := range idx {
		k := ds.Columns[c].Values[r].Key()
		b.WriteString(strconv.Itoa(len(k)))
		b.WriteByte(':')
		b.WriteString(k)
	}
	return b.String()
}

// ------------------- string maps -------------------

type stringMap struct {
	name    string
	fn      func(string) string
	Columns []string
}

func newStringMap(name string, fn func(string) string) opFactory {
	return func(p params) (Operation, error) {
		cols, err := p.strList("columns")
		if err != nil {
			return nil, err
		}
		return stringMap{name: name, fn: fn, Columns: cols}, nil
	}
}

func (o stringMap) Name() string { return o.name }

// Apply rewrites string cells in the selected columns; other kinds pass through
func (o stringMap) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	idx, err := columnIndexes(ds, o.Columns)
	if err != nil {
		return nil, Tally{}, err
	}
	out := ds
	for _, c := range idx {
		src := ds.Columns[c].Values
		vals := make([]model.Value, len(src))
		for r, cell := range src {
			if cell.Kind == model.KindString {
				cell = model.String(o.fn(cell.Str))
			}
			vals[r] = cell
		}
		out = withColumn(out, c, model.Column{Name: ds.Columns[c].Name, Values: vals})
	}
	return out, Tally{}, nil
}

// ------------------- drop_nulls -------------------

type dropNulls struct {
	Columns []string
}

func newDropNulls(p params) (Operation, error) {
	cols, err := p.strList("columns")
	if err != nil {
		return nil, err
	}
	return dropNulls{Columns: cols}, nil
}

func (o dropNulls) Name() string { return "drop_nulls" }

func (o dropNulls) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	idx, err := columnIndexes(ds, o.Columns)
	if err != nil {
		return nil, Tally{}, err
	}
	keep := make([]int, 0, ds.NumRows())
	for r := 0; r < ds.NumRows(); r++ {
		hasNull := false
		for _, c := range idx {
			if ds.Columns[c].Values[r].IsNull() {
				hasNull = true
				break
			}
		}
		if !hasNull {
			keep = append(keep, r)
		}
	}
	return ds.SelectRows(keep), Tally{}, nil
}

// ------------------- sort_rows -------------------

type sortRows struct {
	Column    string
	Ascending bool
}

func newSortRows(p params) (Operation, error) {
	column, err := p.str("column")
	if err != nil {
		return nil, err
	}
	return sortRows{Column: column, Ascending: p.boolean("ascending", true)}, nil
}

func (o sortRows) Name() string { return "sort_rows" }

// Apply is a stable sort; nulls always go last
func (o sortRows) Apply(ds *model.Dataset) (*model.Dataset, Tally, error) {
	col, ok := ds.Column(o.Column)
	if !ok {
		return nil, Tally{}, columnNotFound(o.Column)
	}
	order := make([]int, len(col.Values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := col.Values[order[i]], col.Values[order[j]]
		if a.IsNull() || b.IsNull() {
			return !a.IsNull() && b.IsNull()
		}
		cmp := orderCells(a, b)
		if o.Ascending {
			return cmp < 0
		}
		return cmp > 0
	})
	return ds.SelectRows(order), Tally{}, nil
}

// orderCells is a total order over non-null cells: by kind first, then value
func orderCells(a, b model.Value) int {
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	switch a.Kind {
	case model.KindNumber:
		return compareFloat(a.Num, b.Num)
	case model.KindDatetime:
		return a.Time.Compare(b.Time)
	case model.KindBoolean:
		return compareBool(a.Bool, b.Bool)
	default:
		return strings.Compare(a.Str, b.Str)
	}
}

// describeOps renders the op list for logs
func describeOps(ops []Operation) string {
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.Name()
	}
	return fmt.Sprintf("[%s]", strings.Join(names, ", "))
}

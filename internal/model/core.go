package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Column is a named sequence of cells
type Column struct {
	Name   string  `json:"name"`
	Values []Value `json:"values"`
}

// Dataset is an ordered list of columns that all share the same row count.
// Transformations never mutate a Dataset in place; they build a new one.
type Dataset struct {
	Columns []Column `json:"columns"`
}

// NewDataset creates an empty dataset with the given column names
func NewDataset(names ...string) *Dataset {
	d := &Dataset{Columns: make([]Column, len(names))}
	for i, n := range names {
		d.Columns[i] = Column{Name: n}
	}
	return d
}

// NumRows returns the shared row count
func (d *Dataset) NumRows() int {
	if d == nil || len(d.Columns) == 0 {
		return 0
	}
	return len(d.Columns[0].Values)
}

func (d *Dataset) NumCols() int {
	if d == nil {
		return 0
	}
	return len(d.Columns)
}

// Names returns the column names in order
func (d *Dataset) Names() []string {
	names := make([]string, d.NumCols())
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnIndex returns the position of a column or -1
func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the named column
func (d *Dataset) Column(name string) (Column, bool) {
	if i := d.ColumnIndex(name); i >= 0 {
		return d.Columns[i], true
	}
	return Column{}, false
}

// Row returns a copy of row i in column order
func (d *Dataset) Row(i int) []Value {
	row := make([]Value, len(d.Columns))
	for c := range d.Columns {
		row[c] = d.Columns[c].Values[i]
	}
	return row
}

// AppendRow adds one row; the row must have one cell per column
func (d *Dataset) AppendRow(row []Value) error {
	if len(row) != len(d.Columns) {
		return fmt.Errorf("row has %d cells, dataset has %d columns", len(row), len(d.Columns))
	}
	for c := range d.Columns {
		d.Columns[c].Values = append(d.Columns[c].Values, row[c])
	}
	return nil
}

// SelectRows builds a new dataset holding the given rows in the given order
func (d *Dataset) SelectRows(rows []int) *Dataset {
	out := &Dataset{Columns: make([]Column, len(d.Columns))}
	for c, col := range d.Columns {
		vals := make([]Value, len(rows))
		for i, r := range rows {
			vals[i] = col.Values[r]
		}
		out.Columns[c] = Column{Name: col.Name, Values: vals}
	}
	return out
}

// Clone returns a deep copy
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	out := &Dataset{Columns: make([]Column, len(d.Columns))}
	for c, col := range d.Columns {
		vals := make([]Value, len(col.Values))
		copy(vals, col.Values)
		out.Columns[c] = Column{Name: col.Name, Values: vals}
	}
	return out
}

// Validate checks that all columns have the same length and unique names
func (d *Dataset) Validate() error {
	seen := make(map[string]bool, len(d.Columns))
	rows := d.NumRows()
	for _, c := range d.Columns {
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Values) != rows {
			return fmt.Errorf("column %q has %d cells, expected %d", c.Name, len(c.Values), rows)
		}
	}
	return nil
}

// Equal compares column names, order and every cell
func (d *Dataset) Equal(o *Dataset) bool {
	if d.NumCols() != o.NumCols() || d.NumRows() != o.NumRows() {
		return false
	}
	for c := range d.Columns {
		if d.Columns[c].Name != o.Columns[c].Name {
			return false
		}
		for r := range d.Columns[c].Values {
			if !d.Columns[c].Values[r].Equal(o.Columns[c].Values[r]) {
				return false
			}
		}
	}
	return true
}

// Records returns the rows as maps keyed by column name
func (d *Dataset) Records() []map[string]interface{} {
	out := make([]map[string]interface{}, d.NumRows())
	for r := range out {
		rec := make(map[string]interface{}, len(d.Columns))
		for _, c := range d.Columns {
			rec[c.Name] = c.Values[r].Interface()
		}
		out[r] = rec
	}
	return out
}

// MarshalRows encodes the dataset as a JSON array of objects, keys in column order
func (d *Dataset) MarshalRows() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for r := 0; r < d.NumRows(); r++ {
		if r > 0 {
			buf.WriteByte(',')
		}
		line, err := d.MarshalRow(r)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// MarshalRow encodes a single row as a JSON object, keys in column order
func (d *Dataset) MarshalRow(r int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for c, col := range d.Columns {
		if c > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(col.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(col.Values[r].Interface())
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

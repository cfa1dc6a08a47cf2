package models

// Table is the generic in-memory tabular value exchanged with external
// collaborators (file readers on the way in, format serializers on the way
// out). Columns are ordered; every cell is a scalar primitive or nil.
type Table struct {
	Columns []Column `json:"columns"`
}

// Column is a named sequence of scalar values. A nil entry represents a
// missing value. Supported scalar kinds are string, bool, int64, float64
// and time.Time; anything else is stringified during extraction.
type Column struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

// RowCount returns the number of rows, taken from the longest column.
func (t *Table) RowCount() int {
	rows := 0
	for i := range t.Columns {
		if n := len(t.Columns[i].Values); n > rows {
			rows = n
		}
	}
	return rows
}

// ColumnCount returns the number of columns.
func (t *Table) ColumnCount() int {
	return len(t.Columns)
}

// Column returns the column with the given name, or nil if absent.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// NullCount returns the number of nil cells in the column.
func (c *Column) NullCount() int {
	n := 0
	for _, v := range c.Values {
		if v == nil {
			n++
		}
	}
	return n
}

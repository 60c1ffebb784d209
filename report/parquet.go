package report

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	usersim "github.com/usersim/usersim-go"
)

// CellRow is one requirement evaluation flattened for columnar export.
// The nullable antecedent marker becomes (conditional, antecedent_fired)
// so warehouse queries never deal with tri-state booleans.
type CellRow struct {
	Observer        string  `parquet:"observer"`
	Path            string  `parquet:"path"`
	Label           string  `parquet:"label"`
	ExprRepr        string  `parquet:"expr_repr"`
	Passed          bool    `parquet:"passed"`
	Conditional     bool    `parquet:"conditional"`
	AntecedentFired bool    `parquet:"antecedent_fired"`
	Error           string  `parquet:"error"`
	Satisfied       bool    `parquet:"satisfied"`
	Score           float64 `parquet:"score"`
}

// Rows flattens a matrix into cell rows, one per requirement evaluation,
// in matrix order.
func Rows(m *usersim.Matrix) []CellRow {
	var rows []CellRow
	for i := range m.Cells {
		cell := &m.Cells[i]
		for _, res := range cell.Results {
			row := CellRow{
				Observer:  cell.Observer,
				Path:      cell.Path,
				Label:     res.Label,
				ExprRepr:  res.ExprRepr,
				Passed:    res.Passed,
				Error:     res.Err,
				Satisfied: cell.Satisfied,
				Score:     cell.Score,
			}
			if res.AntecedentFired != nil {
				row.Conditional = true
				row.AntecedentFired = *res.AntecedentFired
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// WriteParquet writes the matrix cells as a Parquet file.
func WriteParquet(w io.Writer, m *usersim.Matrix) error {
	writer := parquet.NewGenericWriter[CellRow](w)
	if _, err := writer.Write(Rows(m)); err != nil {
		return fmt.Errorf("report: write parquet: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("report: close parquet: %w", err)
	}
	return nil
}

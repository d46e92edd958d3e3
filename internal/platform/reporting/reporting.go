// Package reporting renders tabular reports as XLSX workbooks.
package reporting

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Column describes one column of a table sheet.
type Column struct {
	Header string
	Width  float64
}

// Workbook accumulates table sheets in the order they are added.
type Workbook struct {
	f      *excelize.File
	sheets int
	header int
}

func NewWorkbook(creator, title string) (*Workbook, error) {
	f := excelize.NewFile()
	if err := f.SetDocProps(&excelize.DocProperties{Creator: creator, Title: title}); err != nil {
		return nil, err
	}
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#DCE6F1"}},
	})
	if err != nil {
		return nil, err
	}
	return &Workbook{f: f, header: style}, nil
}

// AddTable writes a sheet with a bold frozen header row followed by rows.
// Each row must have one value per column.
func (w *Workbook) AddTable(sheet string, cols []Column, rows [][]any) error {
	if w.sheets == 0 {
		if err := w.f.SetSheetName(w.f.GetSheetName(0), sheet); err != nil {
			return err
		}
	} else if _, err := w.f.NewSheet(sheet); err != nil {
		return err
	}
	w.sheets++

	for i, col := range cols {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := w.f.SetCellValue(sheet, cell, col.Header); err != nil {
			return err
		}
		if col.Width > 0 {
			name, _ := excelize.ColumnNumberToName(i + 1)
			if err := w.f.SetColWidth(sheet, name, name, col.Width); err != nil {
				return err
			}
		}
	}
	if len(cols) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(cols), 1)
		if err := w.f.SetCellStyle(sheet, "A1", last, w.header); err != nil {
			return err
		}
		if err := w.f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
			return err
		}
	}

	for r, row := range rows {
		if len(row) != len(cols) {
			return fmt.Errorf("sheet %s row %d: %d values for %d columns", sheet, r+1, len(row), len(cols))
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := w.f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

// Bytes serialises the workbook and releases it.
func (w *Workbook) Bytes() ([]byte, error) {
	defer w.f.Close()
	buf, err := w.f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

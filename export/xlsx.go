package export

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
)

// ContentType is the MIME type of the generated workbooks
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var (
	bomLineHeaders   = []string{"Item Code", "Item Name", "Qty", "UOM", "Rate", "Amount", "Source Warehouse"}
	operationHeaders = []string{"Operation", "Workstation", "Time (mins)", "Operating Cost"}
	documentHeaders  = []string{"Link", "Version", "Type", "Attachment", "Filename"}
)

// Filename is the attachment name of a version workbook, e.g. BOM-1-v3.xlsx
func Filename(v *eventstore.VersionRecord) string {
	return v.Name + ".xlsx"
}

// VersionWorkbook renders one snapshot as a workbook: a summary sheet plus
// the rows of the snapshot (BOM lines and operations, or Item documents).
func VersionWorkbook(v *eventstore.VersionRecord) (*excelize.File, error) {
	f := excelize.NewFile()
	const summary = "Summary"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}

	header, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Size: 11},
		Fill:   excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	if err != nil {
		return nil, err
	}

	rows := [][2]interface{}{
		{"Version", v.Name},
		{"Kind", v.Kind.Label()},
		{"Identity", v.Identity},
		{"Version Number", v.Version},
		{"Status", string(v.Status)},
		{"ECN", v.ECN},
		{"Notes", v.Notes},
		{"Published By", v.PublishedBy},
		{"Published Date", v.PublishedAt.Format("2006-01-02 15:04:05")},
	}
	if v.BlockedECN != "" {
		rows = append(rows, [2]interface{}{"Blocked ECN", v.BlockedECN})
	}
	if v.RestoredFrom > 0 {
		rows = append(rows, [2]interface{}{"Restored From", v.RestoredFrom})
	}
	rows = append(rows, fieldRows(v.Data)...)

	for i, r := range rows {
		row := i + 1
		f.SetCellValue(summary, fmt.Sprintf("A%d", row), r[0])
		f.SetCellValue(summary, fmt.Sprintf("B%d", row), r[1])
	}
	f.SetCellStyle(summary, "A1", fmt.Sprintf("A%d", len(rows)), header)
	f.SetColWidth(summary, "A", "A", 18)
	f.SetColWidth(summary, "B", "B", 40)

	switch {
	case v.Data.BOM != nil:
		if err := writeBOMLines(f, header, v.Data.BOM.Items); err != nil {
			return nil, err
		}
		if err := writeOperations(f, header, v.Data.BOM.Operations); err != nil {
			return nil, err
		}
	case v.Data.Item != nil:
		if err := writeDocuments(f, header, v.Data.Item.Documents); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func fieldRows(p domain.Payload) [][2]interface{} {
	var rows [][2]interface{}
	var attrs map[string]string
	switch {
	case p.BOM != nil:
		rows = append(rows,
			[2]interface{}{"Item", p.BOM.Item},
			[2]interface{}{"Quantity", p.BOM.Quantity.InexactFloat64()},
			[2]interface{}{"UOM", p.BOM.UOM},
			[2]interface{}{"Currency", p.BOM.Currency},
		)
		attrs = p.BOM.Attributes
	case p.Item != nil:
		rows = append(rows,
			[2]interface{}{"Item Code", p.Item.ItemCode},
			[2]interface{}{"Item Name", p.Item.ItemName},
			[2]interface{}{"Description", p.Item.Description},
			[2]interface{}{"Item Group", p.Item.ItemGroup},
			[2]interface{}{"Stock UOM", p.Item.StockUOM},
		)
		attrs = p.Item.Attributes
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, [2]interface{}{k, attrs[k]})
	}
	return rows
}

func newTable(f *excelize.File, sheet string, style int, headers []string) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	for i, h := range headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, style)
		f.SetColWidth(sheet, col, col, 16)
	}
	return nil
}

func writeBOMLines(f *excelize.File, style int, lines []domain.BOMLine) error {
	const sheet = "Items"
	if err := newTable(f, sheet, style, bomLineHeaders); err != nil {
		return err
	}
	for i, l := range lines {
		row := i + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), l.ItemCode)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), l.ItemName)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), l.Qty.InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), l.UOM)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), l.Rate.InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), l.Amount.InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), l.SourceWarehouse)
	}
	return nil
}

func writeOperations(f *excelize.File, style int, ops []domain.BOMOperation) error {
	if len(ops) == 0 {
		return nil
	}
	const sheet = "Operations"
	if err := newTable(f, sheet, style, operationHeaders); err != nil {
		return err
	}
	for i, op := range ops {
		row := i + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), op.Operation)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), op.Workstation)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), op.TimeInMins.InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), op.OperatingCost.InexactFloat64())
	}
	return nil
}

func writeDocuments(f *excelize.File, style int, docs []domain.DocumentLink) error {
	const sheet = "Documents"
	if err := newTable(f, sheet, style, documentHeaders); err != nil {
		return err
	}
	for i, d := range docs {
		row := i + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), d.Link)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), d.Version)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), d.Type)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), d.Attachment)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), d.Filename)
	}
	return nil
}

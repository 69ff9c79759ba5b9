package excel

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// Assemble 在原始表格上追加结果列
// results 的键是绝对行号(0 基),装配按行号直接定位单元格,
// 不重复任何行过滤逻辑——过滤只发生在解析阶段。
// 表头行、描述行、示例行与未命中的行保持原样,结果单元格留空。
func Assemble(original []byte, results map[int]string) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("failed to open original spreadsheet: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		return nil, fmt.Errorf("sheet %q not found: %w", SheetName, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", SheetName)
	}

	// 结果列追加在表头行现有列之后
	resultCol := len(rows[0]) + 1

	headerCell, err := excelize.CoordinatesToCellName(resultCol, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to build header cell name: %w", err)
	}
	if err := f.SetCellValue(SheetName, headerCell, ResultColumnName); err != nil {
		return nil, fmt.Errorf("failed to write result header: %w", err)
	}

	for rowIndex, text := range results {
		if rowIndex < 0 {
			return nil, fmt.Errorf("negative source row index %d", rowIndex)
		}
		cell, err := excelize.CoordinatesToCellName(resultCol, rowIndex+1)
		if err != nil {
			return nil, fmt.Errorf("failed to build cell name for row %d: %w", rowIndex, err)
		}
		if err := f.SetCellValue(SheetName, cell, text); err != nil {
			return nil, fmt.Errorf("failed to write result for row %d: %w", rowIndex, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result spreadsheet: %w", err)
	}
	return buf.Bytes(), nil
}

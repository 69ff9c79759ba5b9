package excel

import (
	"fmt"

	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/xuri/excelize/v2"
)

// instructionsSheetName 模板中的说明工作表名
const instructionsSheetName = "instructions"

// GenerateTemplate 根据工作流 schema 生成可下载的输入模板
// 行 0 表头(必填列带标记后缀),行 1 参数说明,行 2 示例值。
// 示例值带示例标记,保证解析器能将其归类为示例行。
func GenerateTemplate(workflowName string, schema *model.ParameterSchema) ([]byte, error) {
	if schema == nil || len(schema.Parameters) == 0 {
		return nil, fmt.Errorf("workflow %q has no parameters to build a template from", workflowName)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for i, param := range schema.Parameters {
		col := i + 1

		header := param.Name
		if param.Required {
			header += RequiredMarker
		}
		headerCell, err := excelize.CoordinatesToCellName(col, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(SheetName, headerCell, header); err != nil {
			return nil, err
		}
		if err := f.SetCellStyle(SheetName, headerCell, headerCell, headerStyle); err != nil {
			return nil, err
		}

		descCell, err := excelize.CoordinatesToCellName(col, 2)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(SheetName, descCell, parameterDescription(param)); err != nil {
			return nil, err
		}

		exampleCell, err := excelize.CoordinatesToCellName(col, 3)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(SheetName, exampleCell, exampleValue(param)); err != nil {
			return nil, err
		}

		colName, err := excelize.ColumnNumberToName(col)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(SheetName, colName, colName, 24); err != nil {
			return nil, err
		}
	}

	if err := writeInstructions(f, workflowName); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize template: %w", err)
	}
	return buf.Bytes(), nil
}

// parameterDescription 生成参数说明单元格内容
func parameterDescription(param model.Parameter) string {
	desc := param.Description
	if desc == "" {
		desc = fmt.Sprintf("参数 %s 的取值", param.Name)
	}
	if param.Type == model.ParameterTypeSelect && len(param.Options) > 0 {
		desc = fmt.Sprintf("%s (可选值: %v)", desc, param.Options)
	}
	if param.Required {
		desc += " (必填)"
	}
	return desc
}

// exampleValue 按参数类型生成示例值
func exampleValue(param model.Parameter) string {
	if param.Default != "" {
		return "示例: " + param.Default
	}
	switch param.Type {
	case model.ParameterTypeNumber:
		return "示例: 100"
	case model.ParameterTypeSelect:
		if len(param.Options) > 0 {
			return "示例: " + param.Options[0]
		}
		return "示例值"
	case model.ParameterTypeParagraph:
		return "示例: 这里填写一段较长的文本内容"
	case model.ParameterTypeFile:
		return "示例: https://example.com/file.pdf"
	default:
		return "示例文本内容"
	}
}

// writeInstructions 写入说明工作表
func writeInstructions(f *excelize.File, workflowName string) error {
	if _, err := f.NewSheet(instructionsSheetName); err != nil {
		return fmt.Errorf("failed to create instructions sheet: %w", err)
	}

	lines := []string{
		fmt.Sprintf("工作流: %s", workflowName),
		"1. 请在 batch_data 工作表中填写数据",
		"2. 第 1 行为列名,带 * 的列为必填项",
		"3. 第 2 行为参数说明,第 3 行为示例数据,执行时会自动跳过",
		"4. 从第 4 行开始填写实际数据,执行结果会追加到 execution_result 列",
	}
	for i, line := range lines {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(instructionsSheetName, cell, line); err != nil {
			return err
		}
	}
	return f.SetColWidth(instructionsSheetName, "A", "A", 80)
}

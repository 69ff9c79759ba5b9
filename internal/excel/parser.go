package excel

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/xuri/excelize/v2"
)

// SheetName 输入表格的工作表名
const SheetName = "batch_data"

// ResultColumnName 结果列名
const ResultColumnName = "execution_result"

// RequiredMarker 模板生成器为必填列追加的标记后缀
const RequiredMarker = " *"

// exampleMarkers 示例行识别标记集(小写匹配)
var exampleMarkers = []string{"iphone", "example", "示例", "sample", "test"}

// ParsedRow 解析出的单个数据行
// SourceRowIndex 是该行在未经修改的原始表格中的 0 基行号,
// 它是贯穿任务执行与结果装配的唯一对齐键
type ParsedRow struct {
	SourceRowIndex int
	Inputs         map[string]string
}

// ParseResult 表格解析结果
type ParseResult struct {
	Headers []string
	Rows    []ParsedRow
}

// RowError 行校验错误
type RowError struct {
	RowIndex int    `json:"row_index"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

// Error 实现 error 接口
func (e RowError) Error() string {
	return fmt.Sprintf("row %d: field %q: %s", e.RowIndex, e.Field, e.Message)
}

// Parse 解析输入表格
// 行过滤只在这里发生一次:表头行、描述行、示例行与全空行被跳过,
// 数据行携带绝对行号输出。装配阶段按该行号写回,绝不重新过滤。
func Parse(data []byte, schema *model.ParameterSchema) (*ParseResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		return nil, fmt.Errorf("sheet %q not found: %w", SheetName, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", SheetName)
	}

	// 行 0:表头,剥离必填标记,忽略结果列
	headers := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		header := strings.TrimSpace(cell)
		header = strings.TrimSuffix(header, RequiredMarker)
		headers[i] = strings.TrimSpace(header)
	}

	// 行 1 与行 2 的分类是按位置判定的,互不牵连:
	// 行 1 不是描述行时仍可能是数据行,行 2 的示例判定不影响它
	skip := make(map[int]bool)
	if len(rows) > 1 && isDescriptionRow(rows[1], headers, schema) {
		skip[1] = true
	}
	if len(rows) > 2 && isExampleRow(rows[2]) {
		skip[2] = true
	}

	result := &ParseResult{Headers: headers}
	for idx := 1; idx < len(rows); idx++ {
		if skip[idx] {
			continue
		}
		inputs, empty := rowInputs(rows[idx], headers)
		if empty {
			continue
		}
		result.Rows = append(result.Rows, ParsedRow{
			SourceRowIndex: idx,
			Inputs:         inputs,
		})
	}

	return result, nil
}

// rowInputs 将单元格按表头映射为输入快照
func rowInputs(cells []string, headers []string) (map[string]string, bool) {
	inputs := make(map[string]string)
	empty := true
	for i, header := range headers {
		if header == "" || header == ResultColumnName {
			continue
		}
		value := ""
		if i < len(cells) {
			value = strings.TrimSpace(cells[i])
		}
		if value != "" {
			empty = false
		}
		inputs[header] = value
	}
	return inputs, empty
}

// isDescriptionRow 判定行 1 是否为描述行
// 条件:每个非空单元格都是说明性文字(长度大于 12 或包含空白),
// 且整行不能按 schema 解析为合法数据元组。
// 纯字符串 schema 对任意文字都"合法",没有区分能力,
// 因此只有当行通过了带类型约束的参数(number/带选项的 select)校验时,
// 才以"合法数据"否决描述行判定。
func isDescriptionRow(cells []string, headers []string, schema *model.ParameterSchema) bool {
	nonEmpty := 0
	for _, cell := range cells {
		value := strings.TrimSpace(cell)
		if value == "" {
			continue
		}
		nonEmpty++
		if !looksLikeProse(value) {
			return false
		}
	}
	if nonEmpty == 0 {
		return false
	}
	if schema != nil && hasDiscriminatingParameter(schema) {
		inputs, _ := rowInputs(cells, headers)
		if len(validateRow(inputs, schema)) == 0 {
			return false
		}
	}
	return true
}

// hasDiscriminatingParameter 判断 schema 是否含带类型约束的参数
func hasDiscriminatingParameter(schema *model.ParameterSchema) bool {
	for _, param := range schema.Parameters {
		if param.Type == model.ParameterTypeNumber {
			return true
		}
		if param.Type == model.ParameterTypeSelect && len(param.Options) > 0 {
			return true
		}
	}
	return false
}

// looksLikeProse 判断单元格内容是否为说明性文字
func looksLikeProse(value string) bool {
	if len([]rune(value)) > 12 {
		return true
	}
	for _, r := range value {
		if unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

// isExampleRow 判定行 2 是否为示例行
// 条件:至少一个非空单元格,且每个非空单元格都带示例标记
func isExampleRow(cells []string) bool {
	nonEmpty := 0
	for _, cell := range cells {
		value := strings.TrimSpace(cell)
		if value == "" {
			continue
		}
		nonEmpty++
		if !isExampleMarked(value) {
			return false
		}
	}
	return nonEmpty > 0
}

// isExampleMarked 判断单元格是否带示例标记
func isExampleMarked(value string) bool {
	lower := strings.ToLower(value)
	for _, marker := range exampleMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ValidateRows 按 schema 校验全部数据行
// 返回的错误携带绝对行号,供批次创建时一次性报告
func ValidateRows(rows []ParsedRow, schema *model.ParameterSchema) []RowError {
	var errs []RowError
	for _, row := range rows {
		for _, fieldErr := range validateRow(row.Inputs, schema) {
			fieldErr.RowIndex = row.SourceRowIndex
			errs = append(errs, fieldErr)
		}
	}
	return errs
}

// validateRow 校验单行输入,RowIndex 由调用方补全
func validateRow(inputs map[string]string, schema *model.ParameterSchema) []RowError {
	var errs []RowError
	for _, param := range schema.Parameters {
		value := inputs[param.Name]
		if value == "" {
			if param.Required {
				errs = append(errs, RowError{
					Field:   param.Name,
					Message: "required parameter is missing",
				})
			}
			continue
		}

		switch param.Type {
		case model.ParameterTypeNumber:
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				errs = append(errs, RowError{
					Field:   param.Name,
					Message: fmt.Sprintf("value %q is not a number", value),
				})
			}
		case model.ParameterTypeSelect:
			if len(param.Options) > 0 && !contains(param.Options, value) {
				errs = append(errs, RowError{
					Field:   param.Name,
					Message: fmt.Sprintf("value %q is not in options %v", value, param.Options),
				})
			}
		}
	}
	return errs
}

// contains 判断字符串切片是否包含指定值
func contains(options []string, value string) bool {
	for _, option := range options {
		if option == value {
			return true
		}
	}
	return false
}

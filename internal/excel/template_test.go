package excel_test

import (
	"testing"

	"github.com/WW-AI-Lab/Dify-Batch/internal/excel"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGenerateTemplate_ParsesBackEmpty 测试生成的模板能被解析器识别
// 模板只含表头/说明/示例三行,解析结果应当没有数据行
func TestGenerateTemplate_ParsesBackEmpty(t *testing.T) {
	schema := &model.ParameterSchema{
		Parameters: []model.Parameter{
			{Name: "search_term", Type: model.ParameterTypeString, Required: true, Description: "要搜索的关键词"},
			{Name: "count", Type: model.ParameterTypeNumber},
			{Name: "mode", Type: model.ParameterTypeSelect, Options: []string{"fast", "slow"}},
		},
	}

	data, err := excel.GenerateTemplate("测试工作流", schema)
	require.NoError(t, err)

	result, err := excel.Parse(data, schema)
	require.NoError(t, err)

	assert.Equal(t, []string{"search_term", "count", "mode"}, result.Headers)
	assert.Empty(t, result.Rows, "template description/example rows must not parse as data")
}

// TestGenerateTemplate_FilledTemplateParses 测试在模板上填写数据后的解析
func TestGenerateTemplate_FilledTemplateParses(t *testing.T) {
	schema := &model.ParameterSchema{
		Parameters: []model.Parameter{
			{Name: "search_term", Type: model.ParameterTypeString, Required: true},
		},
	}

	data, err := excel.GenerateTemplate("demo", schema)
	require.NoError(t, err)

	// 在模板第 4 行(0 基行号 3)开始填数据
	filled := appendRows(t, data, [][]string{{"huawei"}, {"oppo"}})

	result, err := excel.Parse(filled, schema)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, 3, result.Rows[0].SourceRowIndex)
	assert.Equal(t, 4, result.Rows[1].SourceRowIndex)
}

// TestGenerateTemplate_EmptySchema 测试空 schema 报错
func TestGenerateTemplate_EmptySchema(t *testing.T) {
	_, err := excel.GenerateTemplate("empty", &model.ParameterSchema{})
	assert.Error(t, err)
}

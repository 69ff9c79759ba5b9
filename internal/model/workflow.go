package model

import (
	"encoding/json"
	"errors"
	"time"
)

// WorkflowModel 工作流绑定数据模型
// 一条记录对应一个远程 Dify 工作流端点(含凭证与缓存的参数 schema)
type WorkflowModel struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)"`
	Name        string     `gorm:"type:varchar(255);not null"`
	Description string     `gorm:"type:text"`
	BaseURL     string     `gorm:"type:varchar(500);not null"`       // Dify API 基础 URL
	APIKey      string     `gorm:"type:varchar(500);not null"`       // API 密钥(AES-GCM 加密存储)
	AppName     string     `gorm:"type:varchar(255)"`                // 应用名称(从远程服务获取)
	Parameters  []byte     `gorm:"type:jsonb"`                       // 缓存的参数 schema
	Active      bool       `gorm:"not null;default:true"`            // 是否激活
	SyncedAt    *time.Time `gorm:"index"`                            // 最后同步时间
	CreatedAt   time.Time  `gorm:"not null;index"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

// TableName 指定表名
func (WorkflowModel) TableName() string {
	return "workflows"
}

// Validate 验证工作流模型
func (wm *WorkflowModel) Validate() error {
	if wm.ID == "" {
		return errors.New("workflow ID is required")
	}
	if wm.Name == "" {
		return errors.New("workflow name is required")
	}
	if wm.BaseURL == "" {
		return errors.New("workflow base URL is required")
	}
	if wm.APIKey == "" {
		return errors.New("workflow API key is required")
	}
	return nil
}

// ParameterSchema 工作流参数 schema
type ParameterSchema struct {
	Parameters []Parameter `json:"parameters"`
}

// Parameter 工作流单个参数定义
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, number, select, paragraph, file
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Default     string   `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// 参数类型枚举
const (
	ParameterTypeString    = "string"
	ParameterTypeNumber    = "number"
	ParameterTypeSelect    = "select"
	ParameterTypeParagraph = "paragraph"
	ParameterTypeFile      = "file"
)

// Schema 反序列化缓存的参数 schema
func (wm *WorkflowModel) Schema() (*ParameterSchema, error) {
	if len(wm.Parameters) == 0 {
		return nil, errors.New("workflow has no cached schema")
	}
	var schema ParameterSchema
	if err := json.Unmarshal(wm.Parameters, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// SetSchema 序列化并缓存参数 schema
func (wm *WorkflowModel) SetSchema(schema *ParameterSchema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	wm.Parameters = data
	return nil
}

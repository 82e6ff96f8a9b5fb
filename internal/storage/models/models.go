package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// CoachApplication 教练申请主表，一条记录对应一个候选人的完整漏斗进度
type CoachApplication struct {
	ApplicationID string `gorm:"type:char(36);primaryKey"`

	// 身份信息（第一步）
	Name    string `gorm:"type:varchar(255);not null"`
	Email   string `gorm:"type:varchar(255);not null;index:idx_ca_email"`
	Phone   string `gorm:"type:varchar(50);not null"`
	Country string `gorm:"type:varchar(100)"`
	City    string `gorm:"type:varchar(255)"`

	// 资质信息（第二步）
	HighestQualification string         `gorm:"type:varchar(255)"`
	CurrentOccupation    string         `gorm:"type:varchar(255)"`
	ExperienceYears      *int           `gorm:"type:int"` // 指针以区分"未填写"与0年
	Certifications       string         `gorm:"type:text"`
	EssentialChecklist   datatypes.JSON `gorm:"type:json"` // 6项必选清单的勾选状态

	// 陈述信息（第三步）
	WrittenStatement     string  `gorm:"type:text"`
	AudioStatementURL    *string `gorm:"type:varchar(1024)"` // 语音陈述的对象存储引用，至多设置一次（重录为替换）
	AudioDurationSeconds *int    `gorm:"type:int"`
	ResumePathOSS        string  `gorm:"type:varchar(1024)"` // 可选的简历文件路径

	// 评估对话（第四步），完成后不可变
	Transcript datatypes.JSON `gorm:"type:json"`

	// 阶段状态，单调前进
	Status string `gorm:"type:varchar(50);default:'started';index:idx_ca_status"`

	CreatedAt             time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt             time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	AssessmentCompletedAt *time.Time `gorm:"type:datetime(6)"`
	CompletedAt           *time.Time `gorm:"type:datetime(6)"`
}

func (CoachApplication) TableName() string {
	return "coach_applications"
}

// ConversationTurn 对话中的一轮消息，顺序即提交顺序
type ConversationTurn struct {
	Role    string `json:"role"` // assistant 或 candidate
	Content string `json:"content"`
}

// TurnsToJSON 将有序的对话轮次序列化为JSON列值
func TurnsToJSON(turns []ConversationTurn) (datatypes.JSON, error) {
	bytes, err := json.Marshal(turns)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// JSONToTurns 从JSON列值还原有序的对话轮次
func JSONToTurns(data datatypes.JSON) ([]ConversationTurn, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var turns []ConversationTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// ChecklistToJSON 将核对清单勾选状态序列化为JSON列值
func ChecklistToJSON(m map[string]bool) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

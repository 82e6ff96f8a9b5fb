package constants

import "time"

// 申请记录的阶段状态，只允许单调前进，禁止回退
const (
	StatusStarted              = "started"                // 第一步基础信息已提交
	StatusQualified            = "qualified"              // 资质核对清单已通过
	StatusStatementRecorded    = "statement_recorded"     // 书面陈述与语音陈述已提交
	StatusAIAssessmentComplete = "ai_assessment_complete" // AI评估对话已结束
	StatusComplete             = "complete"               // 确认通知已发出，流程终态
)

// StatusRank 状态的单调序号，用于数据库层的状态防回退判断
var StatusRank = map[string]int{
	StatusStarted:              1,
	StatusQualified:            2,
	StatusStatementRecorded:    3,
	StatusAIAssessmentComplete: 4,
	StatusComplete:             5,
}

// 漏斗步骤索引（固定顺序）
const (
	StepBasicInfo     = 1 // 基础身份信息
	StepQualification = 2 // 资质信息与核对清单
	StepStatement     = 3 // 书面陈述 + 语音陈述录制
	StepAssessment    = 4 // AI评估对话
	StepComplete      = 5 // 终态，无需再提交
)

// 业务规则常量
const (
	EssentialChecklistSize = 6                // 资质核对清单的必选项数量，必须全部勾选
	LockExpireDuration     = 30 * time.Second // 防重复提交锁的有效期
)

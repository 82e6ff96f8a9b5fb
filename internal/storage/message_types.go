package storage

import "time"

// 发件箱事件类型
const (
	EventTypeConfirmationEmail = "funnel.confirmation_email" // 候选人确认邮件
	EventTypeScoreRequest      = "funnel.score_request"      // 评估得分派生请求
)

// NotificationMessage 确认邮件事件载荷
type NotificationMessage struct {
	ApplicationID string    `json:"application_id"` // 申请ID
	Name          string    `json:"name"`           // 候选人姓名
	Email         string    `json:"email"`          // 收件邮箱
	Phone         string    `json:"phone,omitempty"`
	CompletedAt   time.Time `json:"completed_at"` // 评估完成时间
}

// ScoreRequestMessage 评估得分派生请求载荷
// 评分端点只需要申请ID，响应被忽略。
type ScoreRequestMessage struct {
	ApplicationID string    `json:"application_id"`
	RequestedAt   time.Time `json:"requested_at"`
}

package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coach-funnel-go/internal/config"
	"coach-funnel-go/internal/constants"
	"coach-funnel-go/internal/logger"
	"coach-funnel-go/internal/storage"
	"coach-funnel-go/internal/storage/models"
	"coach-funnel-go/internal/tracing"

	"github.com/gofrs/uuid/v5"
	"gorm.io/gorm"
)

// ErrApplicationNotFound 申请记录不存在
var ErrApplicationNotFound = errors.New("申请记录不存在")

// StageTracker 阶段跟踪器，把控漏斗步骤的前进、后退与终态收尾
// 每个里程碑对应一次状态推进（数据库层单调防回退），
// 校验失败的推进不会产生任何持久化副作用。
type StageTracker struct {
	mysql *storage.MySQL
	cfg   *config.Config
}

// NewStageTracker 创建阶段跟踪器
func NewStageTracker(mysql *storage.MySQL, cfg *config.Config) *StageTracker {
	return &StageTracker{
		mysql: mysql,
		cfg:   cfg,
	}
}

// CreateApplication 第一步提交：校验身份信息并创建申请记录
func (t *StageTracker) CreateApplication(ctx context.Context, draft *ApplicationDraft) (*models.CoachApplication, error) {
	if err := ValidateStep(constants.StepBasicInfo, draft); err != nil {
		return nil, err
	}

	newUUID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成UUIDv7失败: %w", err)
	}

	app := &models.CoachApplication{
		ApplicationID: newUUID.String(),
		Name:          draft.Name,
		Email:         draft.Email,
		Phone:         draft.Phone,
		Country:       draft.Country,
		City:          draft.City,
		Status:        constants.StatusStarted,
	}

	if err := t.mysql.CreateApplication(ctx, app); err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("application_id", app.ApplicationID).
		Str("email", tracing.SafeAttributeValue("email", app.Email, tracing.DefaultMaxLength)).
		Msg("申请记录已创建，进入漏斗")
	return app, nil
}

// GetApplication 读取申请记录，用于中途恢复
func (t *StageTracker) GetApplication(ctx context.Context, applicationID string) (*models.CoachApplication, error) {
	app, err := t.mysql.GetApplicationByID(ctx, applicationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApplicationNotFound
		}
		return nil, fmt.Errorf("查询申请记录失败: %w", err)
	}
	return app, nil
}

// Advance 推进到下一步
// 校验当前步骤的必填字段，全部满足才持久化本步收集的字段并返回下一步索引；
// 校验失败时不产生任何持久化。
func (t *StageTracker) Advance(ctx context.Context, applicationID string, currentStep int, draft *ApplicationDraft) (int, error) {
	if currentStep < constants.StepBasicInfo || currentStep >= constants.StepComplete {
		return 0, fmt.Errorf("非法的步骤索引: %d", currentStep)
	}

	if err := ValidateStep(currentStep, draft); err != nil {
		return 0, err
	}

	switch currentStep {
	case constants.StepBasicInfo:
		// 创建后候选人可能在第一步修改过身份信息，推进时落盘最新值
		if err := t.mysql.UpdateApplicationFields(ctx, applicationID, basicInfoUpdates(draft)); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, ErrApplicationNotFound
			}
			return 0, err
		}

	case constants.StepQualification:
		checklistJSON, err := models.ChecklistToJSON(draft.EssentialChecklist)
		if err != nil {
			return 0, fmt.Errorf("序列化核对清单失败: %w", err)
		}
		updates := map[string]interface{}{
			"highest_qualification": draft.HighestQualification,
			"current_occupation":    draft.CurrentOccupation,
			"experience_years":      draft.ExperienceYears,
			"certifications":        draft.Certifications,
			"essential_checklist":   checklistJSON,
		}
		if err := t.persistAndAdvance(ctx, applicationID, updates, constants.StatusQualified); err != nil {
			return 0, err
		}

	case constants.StepStatement:
		// 书面陈述与语音陈述都到位才算完成第三步
		app, err := t.GetApplication(ctx, applicationID)
		if err != nil {
			return 0, err
		}
		if app.AudioStatementURL == nil || *app.AudioStatementURL == "" {
			return 0, &ValidationError{Step: currentStep, MissingFields: []string{"audio_statement"}}
		}
		updates := map[string]interface{}{
			"written_statement": draft.WrittenStatement,
		}
		if err := t.persistAndAdvance(ctx, applicationID, updates, constants.StatusStatementRecorded); err != nil {
			return 0, err
		}

	case constants.StepAssessment:
		// 评估步骤的推进由 Finalize 完成，不走表单提交
		return 0, fmt.Errorf("评估步骤不支持表单推进")
	}

	next := currentStep + 1
	logger.Ctx(ctx).Info().
		Str("application_id", applicationID).
		Int("from_step", currentStep).
		Int("to_step", next).
		Msg("漏斗步骤已推进")
	return next, nil
}

// basicInfoUpdates 第一步推进时落盘的身份字段集合
func basicInfoUpdates(draft *ApplicationDraft) map[string]interface{} {
	return map[string]interface{}{
		"name":    draft.Name,
		"email":   draft.Email,
		"phone":   draft.Phone,
		"country": draft.Country,
		"city":    draft.City,
	}
}

// persistAndAdvance 持久化本步字段并推进状态标记
func (t *StageTracker) persistAndAdvance(ctx context.Context, applicationID string, updates map[string]interface{}, newStatus string) error {
	if err := t.mysql.UpdateApplicationFields(ctx, applicationID, updates); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrApplicationNotFound
		}
		return err
	}
	return t.mysql.AdvanceApplicationStatus(ctx, applicationID, newStatus)
}

// Retreat 回退到上一步，总是允许且不做校验
// 不清除已录入的状态，候选人回到上一步时数据仍在。
func (t *StageTracker) Retreat(currentStep int) int {
	if currentStep <= constants.StepBasicInfo {
		return constants.StepBasicInfo
	}
	return currentStep - 1
}

// Finalize 评估对话结束后的收尾：
// 在一个事务中落盘完整对话记录、推进到 ai_assessment_complete 并写入
// 确认邮件与评分请求两条发件箱事件，随后推进到终态 complete。
// 通知本身由发件箱中继异步投递，投递失败不影响收尾结果。
func (t *StageTracker) Finalize(ctx context.Context, applicationID string, transcript []models.ConversationTurn) error {
	if len(transcript) == 0 {
		return fmt.Errorf("对话记录为空，无法收尾")
	}

	app, err := t.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}

	now := time.Now()
	outboxMessages, err := t.buildOutboxMessages(app, now)
	if err != nil {
		return err
	}

	if err := t.mysql.FinalizeAssessment(ctx, applicationID, transcript, outboxMessages); err != nil {
		return err
	}

	if err := t.mysql.MarkApplicationComplete(ctx, applicationID); err != nil {
		return err
	}

	logger.Ctx(ctx).Info().
		Str("application_id", applicationID).
		Int("transcript_turns", len(transcript)).
		Msg("申请漏斗已收尾，通知事件已入队")
	return nil
}

// buildOutboxMessages 组装确认邮件与评分请求两条发件箱事件
func (t *StageTracker) buildOutboxMessages(app *models.CoachApplication, now time.Time) ([]*models.OutboxMessage, error) {
	notification := storage.NotificationMessage{
		ApplicationID: app.ApplicationID,
		Name:          app.Name,
		Email:         app.Email,
		Phone:         app.Phone,
		CompletedAt:   now,
	}
	notificationPayload, err := json.Marshal(notification)
	if err != nil {
		return nil, fmt.Errorf("序列化通知事件失败: %w", err)
	}

	scoreRequest := storage.ScoreRequestMessage{
		ApplicationID: app.ApplicationID,
		RequestedAt:   now,
	}
	scorePayload, err := json.Marshal(scoreRequest)
	if err != nil {
		return nil, fmt.Errorf("序列化评分事件失败: %w", err)
	}

	return []*models.OutboxMessage{
		{
			AggregateID:      app.ApplicationID,
			EventType:        storage.EventTypeConfirmationEmail,
			Payload:          string(notificationPayload),
			TargetExchange:   t.cfg.RabbitMQ.FunnelEventsExchange,
			TargetRoutingKey: t.cfg.RabbitMQ.NotificationRoutingKey,
			Status:           "PENDING",
		},
		{
			AggregateID:      app.ApplicationID,
			EventType:        storage.EventTypeScoreRequest,
			Payload:          string(scorePayload),
			TargetExchange:   t.cfg.RabbitMQ.FunnelEventsExchange,
			TargetRoutingKey: t.cfg.RabbitMQ.ScoreRequestRoutingKey,
			Status:           "PENDING",
		},
	}, nil
}

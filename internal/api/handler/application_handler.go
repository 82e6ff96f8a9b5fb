package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"coach-funnel-go/internal/assessment"
	"coach-funnel-go/internal/config"
	"coach-funnel-go/internal/constants"
	"coach-funnel-go/internal/funnel"
	"coach-funnel-go/internal/logger"
	"coach-funnel-go/internal/recording"
	"coach-funnel-go/internal/storage/models"
)

// ErrOperationBusy 同一申请的同类操作正在处理中（防重复提交锁被占用）
var ErrOperationBusy = errors.New("操作正在处理中，请勿重复提交")

// StageTracker 处理器依赖的漏斗能力，funnel.StageTracker 满足
type StageTracker interface {
	CreateApplication(ctx context.Context, draft *funnel.ApplicationDraft) (*models.CoachApplication, error)
	GetApplication(ctx context.Context, applicationID string) (*models.CoachApplication, error)
	Advance(ctx context.Context, applicationID string, currentStep int, draft *funnel.ApplicationDraft) (int, error)
	Retreat(currentStep int) int
}

// RecordingManager 处理器依赖的录制能力，recording.Manager 满足
type RecordingManager interface {
	Start(ctx context.Context, applicationID string) (recording.Snapshot, error)
	Stop(ctx context.Context, applicationID string) (*recording.Artifact, error)
	Discard(ctx context.Context, applicationID string) error
	Snapshot(applicationID string) recording.Snapshot
	Confirm(ctx context.Context, applicationID string, data []byte, ext string) (string, int, error)
	Abandon(ctx context.Context, applicationID string)
}

// AssessmentManager 处理器依赖的评估会话能力，assessment.SessionManager 满足
type AssessmentManager interface {
	Begin(ctx context.Context, applicationID string) (*assessment.TurnResult, error)
	Submit(ctx context.Context, applicationID string, candidateText string) (*assessment.TurnResult, error)
	Transcript(ctx context.Context, applicationID string) ([]models.ConversationTurn, error)
}

// FunnelLocker 防重复提交锁，storage.Redis 满足；为nil时跳过加锁
type FunnelLocker interface {
	AcquireFunnelLock(ctx context.Context, applicationID, operation string, expiration time.Duration) (string, error)
	ReleaseFunnelLock(ctx context.Context, applicationID, operation string, lockValue string) (bool, error)
}

// ObjectStore 文件对象存储：简历上传与语音制品的预签名访问，storage.MinIO 满足
type ObjectStore interface {
	UploadResumeFile(ctx context.Context, applicationID, fileExt string, reader io.Reader, fileSize int64) (string, error)
	GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// FieldUpdater 申请记录的字段更新，storage.MySQL 满足
type FieldUpdater interface {
	UpdateApplicationFields(ctx context.Context, applicationID string, fields map[string]interface{}) error
}

// ApplicationHandler 申请漏斗的请求处理器，负责协调各业务模块
type ApplicationHandler struct {
	cfg      *config.Config
	tracker  StageTracker
	recorder RecordingManager
	assessor AssessmentManager
	locker   FunnelLocker
	objects  ObjectStore
	updater  FieldUpdater
}

// NewApplicationHandler 创建申请处理器
func NewApplicationHandler(
	cfg *config.Config,
	tracker StageTracker,
	recorder RecordingManager,
	assessor AssessmentManager,
	locker FunnelLocker,
	objects ObjectStore,
	updater FieldUpdater,
) *ApplicationHandler {
	return &ApplicationHandler{
		cfg:      cfg,
		tracker:  tracker,
		recorder: recorder,
		assessor: assessor,
		locker:   locker,
		objects:  objects,
		updater:  updater,
	}
}

// ApplicationResponse 申请记录的对外视图
type ApplicationResponse struct {
	ApplicationID        string          `json:"application_id"`
	Name                 string          `json:"name"`
	Email                string          `json:"email"`
	Phone                string          `json:"phone"`
	Country              string          `json:"country"`
	City                 string          `json:"city"`
	HighestQualification string          `json:"highest_qualification,omitempty"`
	CurrentOccupation    string          `json:"current_occupation,omitempty"`
	ExperienceYears      *int            `json:"experience_years,omitempty"`
	Certifications       string          `json:"certifications,omitempty"`
	EssentialChecklist   map[string]bool `json:"essential_checklist,omitempty"`
	WrittenStatement     string          `json:"written_statement,omitempty"`
	AudioStatementURL    string          `json:"audio_statement_url,omitempty"`
	AudioPlaybackURL     string          `json:"audio_playback_url,omitempty"`
	AudioDurationSeconds *int            `json:"audio_duration_seconds,omitempty"`
	ResumePath           string          `json:"resume_path,omitempty"`
	Status               string          `json:"status"`
	CurrentStep          int             `json:"current_step"`
	CreatedAt            time.Time       `json:"created_at"`
}

func toApplicationResponse(app *models.CoachApplication) *ApplicationResponse {
	resp := &ApplicationResponse{
		ApplicationID:        app.ApplicationID,
		Name:                 app.Name,
		Email:                app.Email,
		Phone:                app.Phone,
		Country:              app.Country,
		City:                 app.City,
		HighestQualification: app.HighestQualification,
		CurrentOccupation:    app.CurrentOccupation,
		ExperienceYears:      app.ExperienceYears,
		Certifications:       app.Certifications,
		WrittenStatement:     app.WrittenStatement,
		AudioDurationSeconds: app.AudioDurationSeconds,
		ResumePath:           app.ResumePathOSS,
		Status:               app.Status,
		CurrentStep:          funnel.StepForStatus(app.Status),
		CreatedAt:            app.CreatedAt,
	}
	if app.AudioStatementURL != nil {
		resp.AudioStatementURL = *app.AudioStatementURL
	}
	if len(app.EssentialChecklist) > 0 {
		var checklist map[string]bool
		if err := json.Unmarshal(app.EssentialChecklist, &checklist); err == nil {
			resp.EssentialChecklist = checklist
		}
	}
	return resp
}

// HandleCreateApplication 第一步提交：创建申请记录
func (h *ApplicationHandler) HandleCreateApplication(ctx context.Context, draft *funnel.ApplicationDraft) (*ApplicationResponse, error) {
	app, err := h.tracker.CreateApplication(ctx, draft)
	if err != nil {
		return nil, err
	}
	return toApplicationResponse(app), nil
}

// audioPlaybackExpiry 语音回放预签名URL的有效期
const audioPlaybackExpiry = 15 * time.Minute

// HandleGetApplication 查询申请记录，用于中途恢复
// 已存在语音制品时附带一个限时回放URL，生成失败不影响主体响应。
func (h *ApplicationHandler) HandleGetApplication(ctx context.Context, applicationID string) (*ApplicationResponse, error) {
	app, err := h.tracker.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	resp := toApplicationResponse(app)
	if resp.AudioStatementURL != "" && h.objects != nil {
		playbackURL, signErr := h.objects.GetPresignedURL(ctx, resp.AudioStatementURL, audioPlaybackExpiry)
		if signErr != nil {
			logger.Ctx(ctx).Warn().
				Err(signErr).
				Str("application_id", applicationID).
				Msg("生成语音回放URL失败")
		} else {
			resp.AudioPlaybackURL = playbackURL
		}
	}
	return resp, nil
}

// AdvanceResponse 步骤推进响应
type AdvanceResponse struct {
	ApplicationID string `json:"application_id"`
	NextStep      int    `json:"next_step"`
}

// HandleAdvance 推进漏斗步骤，同一申请的并发推进由防重复提交锁拦截
func (h *ApplicationHandler) HandleAdvance(ctx context.Context, applicationID string, currentStep int, draft *funnel.ApplicationDraft) (*AdvanceResponse, error) {
	release, err := h.acquireLock(ctx, applicationID, "advance")
	if err != nil {
		return nil, err
	}
	defer release()

	next, err := h.tracker.Advance(ctx, applicationID, currentStep, draft)
	if err != nil {
		return nil, err
	}
	return &AdvanceResponse{ApplicationID: applicationID, NextStep: next}, nil
}

// RetreatResponse 步骤回退响应
type RetreatResponse struct {
	ApplicationID string `json:"application_id"`
	Step          int    `json:"step"`
}

// HandleRetreat 回退到上一步，总是成功且不触碰已持久化的数据
func (h *ApplicationHandler) HandleRetreat(ctx context.Context, applicationID string, currentStep int) *RetreatResponse {
	return &RetreatResponse{
		ApplicationID: applicationID,
		Step:          h.tracker.Retreat(currentStep),
	}
}

// ResumeUploadResponse 简历上传响应
type ResumeUploadResponse struct {
	ApplicationID string `json:"application_id"`
	ResumePath    string `json:"resume_path"`
}

// HandleResumeUpload 上传可选的简历文件并登记到申请记录
func (h *ApplicationHandler) HandleResumeUpload(ctx context.Context, applicationID string,
	reader io.Reader, fileSize int64, filename string) (*ResumeUploadResponse, error) {

	if _, err := h.tracker.GetApplication(ctx, applicationID); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".pdf"
	}

	objectKey, err := h.objects.UploadResumeFile(ctx, applicationID, ext, reader, fileSize)
	if err != nil {
		return nil, fmt.Errorf("上传简历失败: %w", err)
	}

	if err := h.updater.UpdateApplicationFields(ctx, applicationID, map[string]interface{}{
		"resume_path_oss": objectKey,
	}); err != nil {
		return nil, fmt.Errorf("登记简历路径失败: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("application_id", applicationID).
		Str("object_key", objectKey).
		Msg("简历文件已上传")
	return &ResumeUploadResponse{ApplicationID: applicationID, ResumePath: objectKey}, nil
}

// HandleRecordingStart 开始录制语音陈述
func (h *ApplicationHandler) HandleRecordingStart(ctx context.Context, applicationID string) (recording.Snapshot, error) {
	if _, err := h.tracker.GetApplication(ctx, applicationID); err != nil {
		return recording.Snapshot{}, err
	}
	return h.recorder.Start(ctx, applicationID)
}

// RecordingStopResponse 停止录制响应
type RecordingStopResponse struct {
	ApplicationID   string `json:"application_id"`
	State           string `json:"state"`
	DurationSeconds int    `json:"duration_seconds"`
}

// HandleRecordingStop 停止录制，进入已捕获状态
func (h *ApplicationHandler) HandleRecordingStop(ctx context.Context, applicationID string) (*RecordingStopResponse, error) {
	artifact, err := h.recorder.Stop(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return &RecordingStopResponse{
		ApplicationID:   applicationID,
		State:           recording.StateCaptured,
		DurationSeconds: artifact.DurationSeconds,
	}, nil
}

// HandleRecordingDiscard 丢弃已捕获的制品，回到空闲可重录状态
func (h *ApplicationHandler) HandleRecordingDiscard(ctx context.Context, applicationID string) error {
	return h.recorder.Discard(ctx, applicationID)
}

// HandleRecordingStatus 查询录制会话状态
func (h *ApplicationHandler) HandleRecordingStatus(applicationID string) recording.Snapshot {
	return h.recorder.Snapshot(applicationID)
}

// HandleRecordingAbandon 放弃录制会话（候选人关闭页面离开）
// 释放设备与会话缓存，不产生任何持久化副作用。
func (h *ApplicationHandler) HandleRecordingAbandon(ctx context.Context, applicationID string) {
	h.recorder.Abandon(ctx, applicationID)
}

// RecordingConfirmResponse 确认录音响应
type RecordingConfirmResponse struct {
	ApplicationID     string `json:"application_id"`
	AudioStatementURL string `json:"audio_statement_url"`
	DurationSeconds   int    `json:"duration_seconds"`
}

// HandleRecordingConfirm 确认语音制品：上传对象存储并登记到申请记录
// 上传失败时制品被保留，可直接重试，无需重新录制。
func (h *ApplicationHandler) HandleRecordingConfirm(ctx context.Context, applicationID string,
	data []byte, filename string) (*RecordingConfirmResponse, error) {

	release, err := h.acquireLock(ctx, applicationID, "recording_confirm")
	if err != nil {
		return nil, err
	}
	defer release()

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".webm"
	}

	objectKey, duration, err := h.recorder.Confirm(ctx, applicationID, data, ext)
	if err != nil {
		return nil, err
	}
	return &RecordingConfirmResponse{
		ApplicationID:     applicationID,
		AudioStatementURL: objectKey,
		DurationSeconds:   duration,
	}, nil
}

// HandleAssessmentBegin 开启评估对话，返回第一个问题
func (h *ApplicationHandler) HandleAssessmentBegin(ctx context.Context, applicationID string) (*assessment.TurnResult, error) {
	release, err := h.acquireLock(ctx, applicationID, "assessment")
	if err != nil {
		return nil, err
	}
	defer release()

	return h.assessor.Begin(ctx, applicationID)
}

// HandleAssessmentSubmit 提交候选人回答，返回下一个问题或结束语
func (h *ApplicationHandler) HandleAssessmentSubmit(ctx context.Context, applicationID string, candidateText string) (*assessment.TurnResult, error) {
	release, err := h.acquireLock(ctx, applicationID, "assessment")
	if err != nil {
		return nil, err
	}
	defer release()

	return h.assessor.Submit(ctx, applicationID, candidateText)
}

// TranscriptResponse 对话记录响应
type TranscriptResponse struct {
	ApplicationID string                    `json:"application_id"`
	Turns         []models.ConversationTurn `json:"turns"`
}

// HandleAssessmentTranscript 查询对话记录
// 会话结束后以落库的记录为准，进行中则返回缓存中的实时记录。
func (h *ApplicationHandler) HandleAssessmentTranscript(ctx context.Context, applicationID string) (*TranscriptResponse, error) {
	app, err := h.tracker.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	if len(app.Transcript) > 0 {
		turns, err := models.JSONToTurns(app.Transcript)
		if err != nil {
			return nil, fmt.Errorf("解析落库对话记录失败: %w", err)
		}
		return &TranscriptResponse{ApplicationID: applicationID, Turns: turns}, nil
	}

	turns, err := h.assessor.Transcript(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return &TranscriptResponse{ApplicationID: applicationID, Turns: turns}, nil
}

// acquireLock 获取防重复提交锁，返回释放函数
// locker 未配置时加锁被跳过（测试或单机部署场景）。
func (h *ApplicationHandler) acquireLock(ctx context.Context, applicationID, operation string) (func(), error) {
	if h.locker == nil {
		return func() {}, nil
	}

	lockValue, err := h.locker.AcquireFunnelLock(ctx, applicationID, operation, constants.LockExpireDuration)
	if err != nil {
		// Redis故障时放行而不是拒绝服务，重复提交由数据库层的单调状态兜底
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("application_id", applicationID).
			Str("operation", operation).
			Msg("获取防重复提交锁失败，降级放行")
		return func() {}, nil
	}
	if lockValue == "" {
		return nil, ErrOperationBusy
	}

	return func() {
		if _, err := h.locker.ReleaseFunnelLock(ctx, applicationID, operation, lockValue); err != nil {
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("application_id", applicationID).
				Msg("释放防重复提交锁失败")
		}
	}, nil
}

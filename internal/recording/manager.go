package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"coach-funnel-go/internal/logger"
	"coach-funnel-go/internal/storage"
	"coach-funnel-go/pkg/utils"
)

// UploadError 制品上传失败，本地制品被保留，可直接重试确认
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("语音制品上传失败: %v", e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Manager 按申请ID管理录制会话，并负责确认阶段的上传与落库
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	minio      *storage.MinIO
	mysql      *storage.MySQL
	redis      *storage.Redis
	maxSeconds int
	newSession func(applicationID string) *Session
}

// NewManager 创建录制会话管理器
func NewManager(minio *storage.MinIO, mysql *storage.MySQL, redis *storage.Redis, maxSeconds int) *Manager {
	m := &Manager{
		sessions:   make(map[string]*Session),
		minio:      minio,
		mysql:      mysql,
		redis:      redis,
		maxSeconds: maxSeconds,
	}
	m.newSession = func(applicationID string) *Session {
		return NewSession(applicationID, maxSeconds)
	}
	return m
}

// session 获取或创建某个申请的录制会话
func (m *Manager) session(applicationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[applicationID]
	if !ok {
		s = m.newSession(applicationID)
		m.sessions[applicationID] = s
	}
	return s
}

// Start 开始录制
func (m *Manager) Start(ctx context.Context, applicationID string) (Snapshot, error) {
	s := m.session(applicationID)
	if err := s.Start(); err != nil {
		return s.Snapshot(), err
	}
	snap := s.Snapshot()
	m.cacheSnapshot(ctx, applicationID, snap)
	return snap, nil
}

// Stop 停止录制，返回制品时长
func (m *Manager) Stop(ctx context.Context, applicationID string) (*Artifact, error) {
	s := m.session(applicationID)
	artifact, err := s.Stop()
	if err != nil {
		return nil, err
	}
	m.cacheSnapshot(ctx, applicationID, s.Snapshot())
	return artifact, nil
}

// Discard 丢弃制品重录
func (m *Manager) Discard(ctx context.Context, applicationID string) error {
	s := m.session(applicationID)
	if err := s.Discard(); err != nil {
		return err
	}
	m.cacheSnapshot(ctx, applicationID, s.Snapshot())
	return nil
}

// Snapshot 返回某个申请的录制会话快照
func (m *Manager) Snapshot(applicationID string) Snapshot {
	return m.session(applicationID).Snapshot()
}

// Confirm 确认制品：上传到对象存储并更新申请记录的语音字段
// 上传失败时制品保留在会话中，调用方可以不重录直接重试；
// 成功后会话被移除，同一申请的重录以新的会话开始。
func (m *Manager) Confirm(ctx context.Context, applicationID string, data []byte, ext string) (string, int, error) {
	s := m.session(applicationID)

	if err := s.AttachData(data, ext); err != nil {
		return "", 0, err
	}
	artifact, err := s.Artifact()
	if err != nil {
		return "", 0, err
	}

	// 记录旧制品键：确定性键按扩展名区分，换格式重录会留下孤儿对象
	var previousKey string
	if app, lookupErr := m.mysql.GetApplicationByID(ctx, applicationID); lookupErr == nil && app != nil && app.AudioStatementURL != nil {
		previousKey = *app.AudioStatementURL
	}

	objectKey, err := m.minio.UploadVoiceStatement(ctx, applicationID, artifact.Ext,
		bytes.NewReader(artifact.Data), int64(len(artifact.Data)))
	if err != nil {
		// 制品保留，等待重试
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("application_id", applicationID).
			Msg("语音制品上传失败，制品保留待重试")
		return "", 0, &UploadError{Err: err}
	}

	updates := map[string]interface{}{
		"audio_statement_url":    objectKey,
		"audio_duration_seconds": artifact.DurationSeconds,
	}
	if err := m.mysql.UpdateApplicationFields(ctx, applicationID, updates); err != nil {
		// 对象已在存储中（确定性键，重试会覆盖），记录更新失败同样保留制品
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("application_id", applicationID).
			Msg("语音字段落库失败，制品保留待重试")
		return "", 0, &UploadError{Err: err}
	}

	if previousKey != "" && previousKey != objectKey {
		if delErr := m.minio.DeleteVoiceStatement(ctx, previousKey); delErr != nil {
			logger.Ctx(ctx).Warn().
				Err(delErr).
				Str("application_id", applicationID).
				Str("object_key", previousKey).
				Msg("清理旧语音制品失败")
		}
	}

	duration := artifact.DurationSeconds
	m.release(ctx, applicationID)

	logger.Ctx(ctx).Info().
		Str("application_id", applicationID).
		Str("object_key", objectKey).
		Str("checksum", utils.CalculateMD5(artifact.Data)).
		Int("duration_seconds", duration).
		Msg("语音陈述已确认并上传")
	return objectKey, duration, nil
}

// Abandon 放弃某个申请的录制（页面关闭等），不产生持久化副作用
func (m *Manager) Abandon(ctx context.Context, applicationID string) {
	m.mu.Lock()
	s, ok := m.sessions[applicationID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Abort()
	m.release(ctx, applicationID)
}

// release 移除会话并清理Redis快照
func (m *Manager) release(ctx context.Context, applicationID string) {
	m.mu.Lock()
	delete(m.sessions, applicationID)
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.redis.DeleteRecordingSession(ctx, applicationID); err != nil {
			logger.Ctx(ctx).Debug().Err(err).Str("application_id", applicationID).Msg("清理录音会话快照失败")
		}
	}
}

// cacheSnapshot 尽力而为地缓存会话快照，失败只记日志
func (m *Manager) cacheSnapshot(ctx context.Context, applicationID string, snap Snapshot) {
	if m.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := m.redis.SaveRecordingSession(ctx, applicationID, string(data)); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Str("application_id", applicationID).Msg("缓存录音会话快照失败")
	}
}

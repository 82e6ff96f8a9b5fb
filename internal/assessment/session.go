package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"coach-funnel-go/internal/config"
	"coach-funnel-go/internal/constants"
	"coach-funnel-go/internal/storage"
	"coach-funnel-go/internal/storage/models"
)

// 评估会话状态
const (
	SessionInProgress = "in_progress"
	SessionComplete   = "complete"
)

var (
	// ErrSessionNotFound 评估会话不存在或已过期
	ErrSessionNotFound = errors.New("评估会话不存在")
	// ErrSessionActive 评估会话已在进行中，不允许重复开启
	ErrSessionActive = errors.New("评估会话已在进行中")
	// ErrSessionComplete 评估会话已结束，不再接受回答
	ErrSessionComplete = errors.New("评估会话已结束")
	// ErrEmptyCandidateText 候选人回答为空
	ErrEmptyCandidateText = errors.New("候选人回答不能为空")
	// ErrStatementRequired 语音陈述与书面陈述尚未完成，不能开始评估
	ErrStatementRequired = errors.New("陈述步骤尚未完成")
	// ErrAlreadyAssessed 该申请的评估已经完成
	ErrAlreadyAssessed = errors.New("该申请的评估已完成")
)

// fallbackQuestions 问答端不可用时按轮数使用的兜底问题
// 轮数推进不依赖问答端存活，保证会话始终能走到终点。
var fallbackQuestions = []string{
	"你好，感谢参加教练评估。请先简单介绍一下你的教学经历。",
	"谢谢分享。请讲一个你帮助学员克服困难的具体例子。",
	"明白了。当学员进度落后时，你通常如何调整自己的辅导方式？",
	"好的。最后，请谈谈你对教练这个角色的理解。",
}

// fallbackClosing 兜底的结束语
const fallbackClosing = "感谢你完成本次评估，我们会尽快处理你的申请结果。"

// TurnResult 一次评估交互对候选人侧的返回
type TurnResult struct {
	ApplicationID string `json:"application_id"`
	Message       string `json:"message"`
	TurnNumber    int    `json:"turn_number"`
	IsComplete    bool   `json:"is_complete"`
	UsedFallback  bool   `json:"used_fallback"`
}

// sessionState 评估会话的元数据，存于Redis，随进程重启存活
type sessionState struct {
	ApplicationID string    `json:"application_id"`
	TurnNumber    int       `json:"turn_number"` // 已提出的问题数
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
}

// SessionStore 会话元数据的存储接口，storage.Redis 天然满足
type SessionStore interface {
	SaveAssessmentSession(ctx context.Context, applicationID string, sessionJSON string) error
	GetAssessmentSession(ctx context.Context, applicationID string) (string, error)
}

// FunnelTracker 评估模块依赖的漏斗能力，funnel.StageTracker 满足
type FunnelTracker interface {
	GetApplication(ctx context.Context, applicationID string) (*models.CoachApplication, error)
	Finalize(ctx context.Context, applicationID string, transcript []models.ConversationTurn) error
}

// SessionManager 管理评估对话会话的生命周期
// 会话元数据与对话记录都放在Redis，终态时整份对话落库MySQL并触发出站事件。
type SessionManager struct {
	memory    ChatMemory
	store     SessionStore
	responder Responder
	tracker   FunnelTracker
	maxTurns  int
}

// NewSessionManager 创建评估会话管理器
func NewSessionManager(memory ChatMemory, store SessionStore, responder Responder,
	tracker FunnelTracker, cfg *config.AssessmentConfig) (*SessionManager, error) {
	if memory == nil {
		return nil, fmt.Errorf("chat memory 不能为空")
	}
	if responder == nil {
		return nil, fmt.Errorf("responder 不能为空")
	}
	if tracker == nil {
		return nil, fmt.Errorf("stage tracker 不能为空")
	}

	maxTurns := 0
	if cfg != nil {
		maxTurns = cfg.MaxTurns
	}
	if maxTurns <= 0 {
		maxTurns = 4
	}

	return &SessionManager{
		memory:    memory,
		store:     store,
		responder: responder,
		tracker:   tracker,
		maxTurns:  maxTurns,
	}, nil
}

// MaxTurns 返回会话的问答轮数上限
func (m *SessionManager) MaxTurns() int { return m.maxTurns }

// Begin 开启评估会话并返回第一个问题
// 前置条件：申请必须处于 statement_recorded 状态（陈述步骤已完成）。
func (m *SessionManager) Begin(ctx context.Context, applicationID string) (*TurnResult, error) {
	app, err := m.tracker.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	rank := constants.StatusRank[app.Status]
	if rank < constants.StatusRank[constants.StatusStatementRecorded] {
		return nil, ErrStatementRequired
	}
	if rank >= constants.StatusRank[constants.StatusAIAssessmentComplete] {
		return nil, ErrAlreadyAssessed
	}

	if state, err := m.loadState(ctx, applicationID); err == nil && state.Status == SessionInProgress {
		return nil, ErrSessionActive
	}

	// 清掉上一次被放弃的会话残留，保证对话记录从头开始
	if err := m.memory.ClearHistory(ctx, applicationID); err != nil {
		log.Warn().Err(err).Str("application_id", applicationID).Msg("清理历史对话记录失败")
	}

	reply, err := m.responder.Reply(ctx, nil, 1)
	usedFallback := false
	if err != nil {
		var respErr *ResponderError
		if !errors.As(err, &respErr) {
			return nil, err
		}
		log.Warn().Err(err).Str("application_id", applicationID).Msg("问答端开场失败，使用兜底问题")
		reply = &Reply{Message: m.fallbackQuestion(1)}
		usedFallback = true
	}

	turn := 1
	if reply.QuestionNumber > 1 {
		turn = reply.QuestionNumber
	}

	if err := m.memory.AddMessage(ctx, applicationID, schema.AssistantMessage(reply.Message, nil)); err != nil {
		return nil, fmt.Errorf("写入对话记录失败: %w", err)
	}

	state := &sessionState{
		ApplicationID: applicationID,
		TurnNumber:    turn,
		Status:        SessionInProgress,
		StartedAt:     time.Now(),
	}
	if err := m.saveState(ctx, state); err != nil {
		return nil, err
	}

	log.Info().Str("application_id", applicationID).Int("turn_number", turn).
		Bool("used_fallback", usedFallback).Msg("评估会话已开启")

	return &TurnResult{
		ApplicationID: applicationID,
		Message:       reply.Message,
		TurnNumber:    turn,
		IsComplete:    false,
		UsedFallback:  usedFallback,
	}, nil
}

// Submit 提交候选人的一条回答，返回下一个问题或结束语
// 问答端标记 isComplete、或轮数到达上限时会话结束，整份对话落库并触发后续事件。
func (m *SessionManager) Submit(ctx context.Context, applicationID string, candidateText string) (*TurnResult, error) {
	candidateText = strings.TrimSpace(candidateText)
	if candidateText == "" {
		return nil, ErrEmptyCandidateText
	}

	state, err := m.loadState(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if state.Status != SessionInProgress {
		return nil, ErrSessionComplete
	}

	if err := m.memory.AddMessage(ctx, applicationID, schema.UserMessage(candidateText)); err != nil {
		return nil, fmt.Errorf("写入候选人回答失败: %w", err)
	}

	// 轮数已到上限：无论问答端怎么说，本次提交后强制结束
	forceComplete := state.TurnNumber >= m.maxTurns

	history, err := m.memory.GetHistory(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("读取对话历史失败: %w", err)
	}

	nextTurn := state.TurnNumber + 1
	reply, replyErr := m.responder.Reply(ctx, history, nextTurn)
	usedFallback := false
	if replyErr != nil {
		var respErr *ResponderError
		if !errors.As(replyErr, &respErr) {
			return nil, replyErr
		}
		// 问答端失败不终止会话：用兜底话术把轮数推进下去
		log.Warn().Err(replyErr).Str("application_id", applicationID).Int("turn_number", nextTurn).
			Msg("问答端调用失败，使用兜底回复")
		usedFallback = true
		if forceComplete {
			reply = &Reply{Message: fallbackClosing, IsComplete: true}
		} else {
			reply = &Reply{Message: m.fallbackQuestion(nextTurn)}
		}
	}

	// 问答端可以把轮数往前推，但不允许回拨：
	// 否则一个始终回传 questionNumber=1 的问答端会让轮数永远到不了上限
	turn := nextTurn
	if reply.QuestionNumber > nextTurn {
		turn = reply.QuestionNumber
	}
	isComplete := reply.IsComplete || forceComplete || turn > m.maxTurns
	if turn > m.maxTurns {
		turn = m.maxTurns
	}

	if err := m.memory.AddMessage(ctx, applicationID, schema.AssistantMessage(reply.Message, nil)); err != nil {
		return nil, fmt.Errorf("写入对话记录失败: %w", err)
	}

	state.TurnNumber = turn
	if isComplete {
		state.Status = SessionComplete
	}
	if err := m.saveState(ctx, state); err != nil {
		return nil, err
	}

	if isComplete {
		if err := m.finalize(ctx, applicationID); err != nil {
			// 落库失败时回滚会话状态，允许候选人重试最后一次提交
			state.Status = SessionInProgress
			if saveErr := m.saveState(ctx, state); saveErr != nil {
				log.Error().Err(saveErr).Str("application_id", applicationID).Msg("回滚会话状态失败")
			}
			return nil, err
		}
		log.Info().Str("application_id", applicationID).Int("turn_number", turn).
			Msg("评估会话已结束，对话记录已落库")
	}

	return &TurnResult{
		ApplicationID: applicationID,
		Message:       reply.Message,
		TurnNumber:    turn,
		IsComplete:    isComplete,
		UsedFallback:  usedFallback,
	}, nil
}

// Transcript 返回当前会话的对话记录，按时序排列
func (m *SessionManager) Transcript(ctx context.Context, applicationID string) ([]models.ConversationTurn, error) {
	history, err := m.memory.GetHistory(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("读取对话历史失败: %w", err)
	}
	return toTranscript(history), nil
}

// finalize 将整份对话落库并清理会话缓存
func (m *SessionManager) finalize(ctx context.Context, applicationID string) error {
	history, err := m.memory.GetHistory(ctx, applicationID)
	if err != nil {
		return fmt.Errorf("读取对话历史失败: %w", err)
	}

	if err := m.tracker.Finalize(ctx, applicationID, toTranscript(history)); err != nil {
		return err
	}

	// 对话已持久化到MySQL，Redis里的记录只是缓存，清理失败不影响结果
	if err := m.memory.ClearHistory(ctx, applicationID); err != nil {
		log.Warn().Err(err).Str("application_id", applicationID).Msg("清理对话缓存失败")
	}
	return nil
}

// fallbackQuestion 返回指定轮数的兜底问题
func (m *SessionManager) fallbackQuestion(turn int) string {
	idx := turn - 1
	if idx < 0 || idx >= len(fallbackQuestions) {
		return fallbackQuestions[len(fallbackQuestions)-1]
	}
	return fallbackQuestions[idx]
}

// toTranscript 将内部消息历史转换为落库用的对话记录
func toTranscript(history []*schema.Message) []models.ConversationTurn {
	turns := make([]models.ConversationTurn, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		role := RoleInterviewer
		if msg.Role == schema.User {
			role = RoleCandidate
		}
		turns = append(turns, models.ConversationTurn{Role: role, Content: msg.Content})
	}
	return turns
}

func (m *SessionManager) loadState(ctx context.Context, applicationID string) (*sessionState, error) {
	if m.store == nil {
		return nil, ErrSessionNotFound
	}
	raw, err := m.store.GetAssessmentSession(ctx, applicationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("读取会话元数据失败: %w", err)
	}

	var state sessionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("解析会话元数据失败: %w", err)
	}
	return &state, nil
}

func (m *SessionManager) saveState(ctx context.Context, state *sessionState) error {
	if m.store == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化会话元数据失败: %w", err)
	}
	if err := m.store.SaveAssessmentSession(ctx, state.ApplicationID, string(data)); err != nil {
		return fmt.Errorf("保存会话元数据失败: %w", err)
	}
	return nil
}

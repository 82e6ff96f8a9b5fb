package assessment

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-funnel-go/internal/config"
	"coach-funnel-go/internal/constants"
	"coach-funnel-go/internal/storage"
	"coach-funnel-go/internal/storage/models"
)

// scriptStep 脚本化问答端的单步行为
type scriptStep struct {
	reply *Reply
	err   error
}

// scriptedResponder 按脚本依次返回应答的测试问答端
type scriptedResponder struct {
	steps []scriptStep
	calls int
	// 记录每次调用收到的历史长度，用于校验会话层传参
	historyLens []int
}

func (r *scriptedResponder) Reply(ctx context.Context, history []*schema.Message, questionNumber int) (*Reply, error) {
	r.historyLens = append(r.historyLens, len(history))
	if r.calls >= len(r.steps) {
		return nil, &ResponderError{Err: errors.New("脚本已耗尽")}
	}
	step := r.steps[r.calls]
	r.calls++
	return step.reply, step.err
}

// memStore 内存版会话元数据存储
type memStore struct {
	m map[string]string
}

func newMemStore() *memStore { return &memStore{m: make(map[string]string)} }

func (s *memStore) SaveAssessmentSession(ctx context.Context, applicationID string, sessionJSON string) error {
	s.m[applicationID] = sessionJSON
	return nil
}

func (s *memStore) GetAssessmentSession(ctx context.Context, applicationID string) (string, error) {
	v, ok := s.m[applicationID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

// fakeTracker 记录Finalize调用的漏斗桩
type fakeTracker struct {
	status        string
	finalizeErr   error
	finalizeCalls int
	transcript    []models.ConversationTurn
}

func (t *fakeTracker) GetApplication(ctx context.Context, applicationID string) (*models.CoachApplication, error) {
	return &models.CoachApplication{ApplicationID: applicationID, Status: t.status}, nil
}

func (t *fakeTracker) Finalize(ctx context.Context, applicationID string, transcript []models.ConversationTurn) error {
	t.finalizeCalls++
	if t.finalizeErr != nil {
		return t.finalizeErr
	}
	t.transcript = transcript
	return nil
}

func newTestManager(t *testing.T, responder Responder, tracker *fakeTracker) *SessionManager {
	t.Helper()
	mgr, err := NewSessionManager(NewInMemoryChatMemory(), newMemStore(), responder, tracker,
		&config.AssessmentConfig{MaxTurns: 4})
	require.NoError(t, err)
	return mgr
}

func TestAssessmentHappyPath(t *testing.T) {
	responder := &scriptedResponder{steps: []scriptStep{
		{reply: &Reply{Message: "请介绍你的教学经历。", QuestionNumber: 1}},
		{reply: &Reply{Message: "请举一个帮助学员的例子。", QuestionNumber: 2}},
		{reply: &Reply{Message: "学员落后时你怎么办？", QuestionNumber: 3}},
		{reply: &Reply{Message: "感谢参与，评估到此结束。", IsComplete: true}},
	}}
	tracker := &fakeTracker{status: constants.StatusStatementRecorded}
	mgr := newTestManager(t, responder, tracker)
	ctx := context.Background()

	result, err := mgr.Begin(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.TurnNumber)
	assert.False(t, result.IsComplete)
	assert.False(t, result.UsedFallback)

	result, err = mgr.Submit(ctx, "app-1", "我教过三年初中数学。")
	require.NoError(t, err)
	assert.Equal(t, 2, result.TurnNumber)
	assert.False(t, result.IsComplete)

	result, err = mgr.Submit(ctx, "app-1", "有个学员一度想放弃，我陪他重做了基础题。")
	require.NoError(t, err)
	assert.Equal(t, 3, result.TurnNumber)

	result, err = mgr.Submit(ctx, "app-1", "我会放慢节奏，拆小目标。")
	require.NoError(t, err)
	require.True(t, result.IsComplete)
	assert.Equal(t, "感谢参与，评估到此结束。", result.Message)

	// 整份对话落库，且严格按交替时序排列
	assert.Equal(t, 1, tracker.finalizeCalls)
	require.Len(t, tracker.transcript, 7)
	for i, turn := range tracker.transcript {
		if i%2 == 0 {
			assert.Equal(t, RoleInterviewer, turn.Role)
		} else {
			assert.Equal(t, RoleCandidate, turn.Role)
		}
	}

	// 结束后再提交被拒绝
	_, err = mgr.Submit(ctx, "app-1", "还有补充。")
	assert.ErrorIs(t, err, ErrSessionComplete)
}

func TestAssessmentFallbackOnResponderFailure(t *testing.T) {
	// 问答端在第3问时返回失败，会话用兜底话术推进，不中断
	responder := &scriptedResponder{steps: []scriptStep{
		{reply: &Reply{Message: "问题一", QuestionNumber: 1}},
		{reply: &Reply{Message: "问题二", QuestionNumber: 2}},
		{err: &ResponderError{StatusCode: 500, Err: errors.New("internal error")}},
		{err: &ResponderError{StatusCode: 500, Err: errors.New("internal error")}},
	}}
	tracker := &fakeTracker{status: constants.StatusStatementRecorded}
	mgr := newTestManager(t, responder, tracker)
	ctx := context.Background()

	_, err := mgr.Begin(ctx, "app-2")
	require.NoError(t, err)

	result, err := mgr.Submit(ctx, "app-2", "回答一")
	require.NoError(t, err)
	assert.Equal(t, 2, result.TurnNumber)

	// 第3问失败：兜底问题顶上，轮数照常推进
	result, err = mgr.Submit(ctx, "app-2", "回答二")
	require.NoError(t, err)
	assert.True(t, result.UsedFallback)
	assert.False(t, result.IsComplete)
	assert.Equal(t, 3, result.TurnNumber)
	assert.Equal(t, fallbackQuestions[2], result.Message)

	// 第4问也失败：兜底问题，轮数到达上限
	result, err = mgr.Submit(ctx, "app-2", "回答三")
	require.NoError(t, err)
	assert.True(t, result.UsedFallback)
	assert.False(t, result.IsComplete)
	assert.Equal(t, 4, result.TurnNumber)

	// 轮数已到上限：下一次提交无论问答端如何都强制结束
	result, err = mgr.Submit(ctx, "app-2", "回答四")
	require.NoError(t, err)
	assert.True(t, result.IsComplete)
	assert.Equal(t, fallbackClosing, result.Message)
	assert.Equal(t, 1, tracker.finalizeCalls)
}

func TestAssessmentForcedCompletionAtCeiling(t *testing.T) {
	// 问答端始终不标记结束，轮数上限兜底强制收尾
	responder := &scriptedResponder{steps: []scriptStep{
		{reply: &Reply{Message: "问题一"}},
		{reply: &Reply{Message: "问题二"}},
		{reply: &Reply{Message: "问题三"}},
		{reply: &Reply{Message: "问题四"}},
		{reply: &Reply{Message: "问题五，还想继续问"}},
	}}
	tracker := &fakeTracker{status: constants.StatusStatementRecorded}
	mgr := newTestManager(t, responder, tracker)
	ctx := context.Background()

	_, err := mgr.Begin(ctx, "app-3")
	require.NoError(t, err)

	var result *TurnResult
	answers := []string{"答一", "答二", "答三", "答四"}
	for _, answer := range answers {
		result, err = mgr.Submit(ctx, "app-3", answer)
		require.NoError(t, err)
	}

	assert.True(t, result.IsComplete)
	assert.LessOrEqual(t, result.TurnNumber, 4)
	assert.Equal(t, 1, tracker.finalizeCalls)
}

// stuckResponder 始终声称还在第一个问题的问答端
type stuckResponder struct {
	calls int
}

func (r *stuckResponder) Reply(ctx context.Context, history []*schema.Message, questionNumber int) (*Reply, error) {
	r.calls++
	return &Reply{Message: "再说说你的教学经历。", QuestionNumber: 1}, nil
}

func TestAssessmentResponderCannotRewindTurn(t *testing.T) {
	// 问答端回传的轮数只能前进不能回拨，
	// 否则卡在 questionNumber=1 的问答端会让会话永不结束、对话无限增长
	responder := &stuckResponder{}
	tracker := &fakeTracker{status: constants.StatusStatementRecorded}
	mgr := newTestManager(t, responder, tracker)
	ctx := context.Background()

	_, err := mgr.Begin(ctx, "app-stuck")
	require.NoError(t, err)

	var result *TurnResult
	expectedTurns := []int{2, 3, 4, 4}
	for i, want := range expectedTurns {
		result, err = mgr.Submit(ctx, "app-stuck", "我的回答")
		require.NoError(t, err)
		assert.Equal(t, want, result.TurnNumber, "第%d次提交后的轮数", i+1)
	}

	assert.True(t, result.IsComplete, "到达轮数上限后必须强制结束")
	assert.Equal(t, 1, tracker.finalizeCalls)
	// 对话记录长度有界：开场1条 + 每轮候选人与面试官各1条
	assert.LessOrEqual(t, len(tracker.transcript), 1+2*mgr.MaxTurns())

	_, err = mgr.Submit(ctx, "app-stuck", "还想再说")
	assert.ErrorIs(t, err, ErrSessionComplete)
}

func TestBeginFallbackGreeting(t *testing.T) {
	responder := &scriptedResponder{steps: []scriptStep{
		{err: &ResponderError{Err: errors.New("connection refused")}},
	}}
	tracker := &fakeTracker{status: constants.StatusStatementRecorded}
	mgr := newTestManager(t, responder, tracker)

	result, err := mgr.Begin(context.Background(), "app-4")
	require.NoError(t, err)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, fallbackQuestions[0], result.Message)
	assert.Equal(t, 1, result.TurnNumber)
}

func TestBeginStatusGate(t *testing.T) {
	responder := &scriptedResponder{steps: []scriptStep{{reply: &Reply{Message: "问题一"}}}}

	// 陈述步骤未完成
	mgr := newTestManager(t, responder, &fakeTracker{status: constants.StatusQualified})
	_, err := mgr.Begin(context.Background(), "app-5")
	assert.ErrorIs(t, err, ErrStatementRequired)

	// 评估已完成
	mgr = newTestManager(t, responder, &fakeTracker{status: constants.StatusAIAssessmentComplete})
	_, err = mgr.Begin(context.Background(), "app-5")
	assert.ErrorIs(t, err, ErrAlreadyAssessed)
}

func TestBeginTwiceRejected(t *testing.T) {
	responder := &scriptedResponder{steps: []scriptStep{
		{reply: &Reply{Message: "问题一"}},
		{reply: &Reply{Message: "问题一again"}},
	}}
	mgr := newTestManager(t, responder, &fakeTracker{status: constants.StatusStatementRecorded})
	ctx := context.Background()

	_, err := mgr.Begin(ctx, "app-6")
	require.NoError(t, err)
	_, err = mgr.Begin(ctx, "app-6")
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestSubmitValidation(t *testing.T) {
	responder := &scriptedResponder{steps: []scriptStep{{reply: &Reply{Message: "问题一"}}}}
	mgr := newTestManager(t, responder, &fakeTracker{status: constants.StatusStatementRecorded})
	ctx := context.Background()

	// 会话未开启
	_, err := mgr.Submit(ctx, "app-7", "回答")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// 空回答
	_, err = mgr.Begin(ctx, "app-7")
	require.NoError(t, err)
	_, err = mgr.Submit(ctx, "app-7", "   ")
	assert.ErrorIs(t, err, ErrEmptyCandidateText)
}

func TestFinalizeFailureAllowsRetry(t *testing.T) {
	responder := &scriptedResponder{steps: []scriptStep{
		{reply: &Reply{Message: "问题一"}},
		{reply: &Reply{Message: "结束语", IsComplete: true}},
		{reply: &Reply{Message: "结束语", IsComplete: true}},
	}}
	tracker := &fakeTracker{status: constants.StatusStatementRecorded, finalizeErr: errors.New("db down")}
	mgr := newTestManager(t, responder, tracker)
	ctx := context.Background()

	_, err := mgr.Begin(ctx, "app-8")
	require.NoError(t, err)

	// 落库失败：提交报错，会话回滚为进行中
	_, err = mgr.Submit(ctx, "app-8", "回答一")
	require.Error(t, err)

	// 故障恢复后重试成功
	tracker.finalizeErr = nil
	result, err := mgr.Submit(ctx, "app-8", "回答一（重试）")
	require.NoError(t, err)
	assert.True(t, result.IsComplete)
}

func TestTranscriptOrdering(t *testing.T) {
	responder := &scriptedResponder{steps: []scriptStep{
		{reply: &Reply{Message: "问题一"}},
		{reply: &Reply{Message: "问题二"}},
	}}
	mgr := newTestManager(t, responder, &fakeTracker{status: constants.StatusStatementRecorded})
	ctx := context.Background()

	_, err := mgr.Begin(ctx, "app-9")
	require.NoError(t, err)
	_, err = mgr.Submit(ctx, "app-9", "回答一")
	require.NoError(t, err)

	transcript, err := mgr.Transcript(ctx, "app-9")
	require.NoError(t, err)
	require.Len(t, transcript, 3)
	assert.Equal(t, RoleInterviewer, transcript[0].Role)
	assert.Equal(t, RoleCandidate, transcript[1].Role)
	assert.Equal(t, "回答一", transcript[1].Content)
	assert.Equal(t, RoleInterviewer, transcript[2].Role)
}

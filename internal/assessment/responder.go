package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"coach-funnel-go/internal/config"
	"coach-funnel-go/pkg/httpclient"
	"coach-funnel-go/pkg/ratelimit"
)

// 对话双方在传输层使用的角色标识
const (
	RoleInterviewer = "assistant"
	RoleCandidate   = "candidate"
)

// completionMarker 模型直连模式下表示评估结束的内容标记
const completionMarker = "[ASSESSMENT_COMPLETE]"

// ResponderError 问答端调用失败的错误，会话层捕获后走兜底回复
type ResponderError struct {
	StatusCode int
	Err        error
}

func (e *ResponderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("问答端返回非预期状态码 %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("问答端调用失败: %v", e.Err)
}

func (e *ResponderError) Unwrap() error { return e.Err }

// Retryable 限流或服务端故障类失败值得重试，4xx类失败不重试
func (e *ResponderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Reply 问答端的一次应答
type Reply struct {
	Message        string
	QuestionNumber int // 0 表示问答端未回传，由会话层自行推进
	IsComplete     bool
}

// Responder 产出面试官侧下一条回复的抽象
// 实现可以是协作方的HTTP问答端，也可以是直连的对话模型。
type Responder interface {
	Reply(ctx context.Context, history []*schema.Message, questionNumber int) (*Reply, error)
}

// responderTurn 传输层的单条对话记录
type responderTurn struct {
	Role    string `json:"role"` // "assistant" 或 "candidate"
	Content string `json:"content"`
}

// responderRequest 发往问答端的请求体
type responderRequest struct {
	Messages       []responderTurn `json:"messages"`
	QuestionNumber int             `json:"questionNumber"`
}

// responderResponse 问答端的响应体，questionNumber/isComplete 均为可选字段
type responderResponse struct {
	Message        string `json:"message"`
	QuestionNumber *int   `json:"questionNumber,omitempty"`
	IsComplete     *bool  `json:"isComplete,omitempty"`
}

// HTTPResponder 通过HTTP调用协作方问答端的 Responder 实现
// 出站调用受令牌桶限流，避免压垮协作方端点。
type HTTPResponder struct {
	client   *httpclient.Client
	endpoint string
	limiter  *ratelimit.TokenBucket
}

// NewHTTPResponder 创建HTTP问答端客户端
func NewHTTPResponder(cfg *config.ResponderConfig) (*HTTPResponder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("responder 配置不能为空")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("responder endpoint 不能为空")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	qpm := cfg.MaxQPM
	if qpm <= 0 {
		qpm = 60
	}

	return &HTTPResponder{
		client:   httpclient.New(cfg.APIKey, timeout),
		endpoint: cfg.Endpoint,
		limiter:  ratelimit.NewTokenBucket(qpm, 0).WithRetryPolicy(500*time.Millisecond, 2),
	}, nil
}

// NewHTTPResponderWithClient 使用自定义请求客户端创建，测试用
func NewHTTPResponderWithClient(endpoint string, client *httpclient.Client) *HTTPResponder {
	return &HTTPResponder{client: client, endpoint: endpoint}
}

// Reply 实现 Responder 接口
// 出站调用经过令牌桶限流，限流/服务端类失败带退避重试，重试耗尽后由会话层兜底。
func (r *HTTPResponder) Reply(ctx context.Context, history []*schema.Message, questionNumber int) (*Reply, error) {
	reqBody := responderRequest{
		Messages:       toWireTurns(history),
		QuestionNumber: questionNumber,
	}

	if r.limiter == nil {
		return r.doRequest(ctx, reqBody, questionNumber)
	}

	var reply *Reply
	err := r.limiter.RetryWithBackoff(ctx, func() error {
		var callErr error
		reply, callErr = r.doRequest(ctx, reqBody, questionNumber)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// doRequest 单次请求问答端并解析应答
func (r *HTTPResponder) doRequest(ctx context.Context, reqBody responderRequest, questionNumber int) (*Reply, error) {
	resp, err := r.client.PostJSON(ctx, r.endpoint, reqBody)
	if err != nil {
		return nil, &ResponderError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ResponderError{Err: fmt.Errorf("读取响应体失败: %w", err)}
	}

	if resp.StatusCode != 200 {
		log.Warn().Int("status_code", resp.StatusCode).Int("question_number", questionNumber).
			Msg("问答端返回非200状态码")
		return nil, &ResponderError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("响应体: %s", string(body)),
		}
	}

	var parsed responderResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ResponderError{Err: fmt.Errorf("解析响应JSON失败: %w", err)}
	}
	if parsed.Message == "" {
		return nil, &ResponderError{Err: fmt.Errorf("问答端响应缺少 message 字段")}
	}

	reply := &Reply{Message: parsed.Message}
	if parsed.QuestionNumber != nil {
		reply.QuestionNumber = *parsed.QuestionNumber
	}
	if parsed.IsComplete != nil {
		reply.IsComplete = *parsed.IsComplete
	}
	return reply, nil
}

// toWireTurns 将内部消息历史转换为传输层对话记录
// 内部使用 eino 的 assistant/user 角色，传输层将候选人侧标记为 candidate。
func toWireTurns(history []*schema.Message) []responderTurn {
	turns := make([]responderTurn, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		role := RoleInterviewer
		if msg.Role == schema.User {
			role = RoleCandidate
		}
		turns = append(turns, responderTurn{Role: role, Content: msg.Content})
	}
	return turns
}

// interviewerSystemPrompt 模型直连模式下的面试官提示词
const interviewerSystemPrompt = `你是一名教练招募面试官，正在对候选人进行简短的口头评估。
每轮只提出一个问题，问题围绕教学经验、沟通方式和对学员的责任心。
当你认为评估可以结束时，在回复末尾追加标记 ` + completionMarker + `。`

// ModelResponder 直连对话模型的 Responder 实现
// 当协作方问答端不可用、需要本地模型兜底时使用。
// 通过约定的内容标记判定评估结束。
type ModelResponder struct {
	chatModel model.ChatModel
}

// NewModelResponder 创建模型直连的问答实现
func NewModelResponder(chatModel model.ChatModel) (*ModelResponder, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model 不能为空")
	}
	return &ModelResponder{chatModel: chatModel}, nil
}

// Reply 实现 Responder 接口
func (r *ModelResponder) Reply(ctx context.Context, history []*schema.Message, questionNumber int) (*Reply, error) {
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, schema.SystemMessage(interviewerSystemPrompt))
	messages = append(messages, history...)

	result, err := r.chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, &ResponderError{Err: fmt.Errorf("模型调用失败: %w", err)}
	}
	if result == nil || result.Content == "" {
		return nil, &ResponderError{Err: fmt.Errorf("模型返回空内容")}
	}

	content := result.Content
	isComplete := strings.Contains(content, completionMarker)
	if isComplete {
		content = strings.TrimSpace(strings.ReplaceAll(content, completionMarker, ""))
	}

	return &Reply{Message: content, IsComplete: isComplete}, nil
}

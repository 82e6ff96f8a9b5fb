// Package notify 消费漏斗出站事件并调用协作方端点。
// 确认邮件与评分派生都是fire-and-forget语义：投递失败重试有限次后丢弃，
// 绝不反向影响漏斗主流程的完成。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"coach-funnel-go/internal/config"
	"coach-funnel-go/internal/storage"
	"coach-funnel-go/internal/tracing"
	"coach-funnel-go/pkg/httpclient"
)

// emailRequest 发往邮件服务的请求体
type emailRequest struct {
	To            string `json:"to"`
	Name          string `json:"name"`
	ApplicationID string `json:"application_id"`
	Template      string `json:"template"`
}

// confirmationTemplate 确认邮件使用的模板标识
const confirmationTemplate = "coach_application_confirmation"

// scoreRequest 发往评分端点的请求体，响应内容被忽略
type scoreRequest struct {
	ApplicationID string `json:"application_id"`
}

// Notifier 漏斗出站事件的消费者，消息来自outbox中继投递到RabbitMQ的队列
type Notifier struct {
	rabbit        *storage.RabbitMQ
	emailClient   *httpclient.Client
	scoreClient   *httpclient.Client
	emailEndpoint string
	scoreEndpoint string

	notificationQueue string
	scoreQueue        string
	prefetchCount     int
	maxRetries        int
	retryInterval     time.Duration

	stopChs []chan struct{}
}

// NewNotifier 创建出站事件消费者
func NewNotifier(rabbit *storage.RabbitMQ, cfg *config.Config) (*Notifier, error) {
	if rabbit == nil {
		return nil, fmt.Errorf("rabbitmq 客户端不能为空")
	}
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	retryInterval := config.GetDuration(cfg.RabbitMQ.RetryInterval, 5*time.Second)
	maxRetries := cfg.RabbitMQ.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	prefetch := cfg.RabbitMQ.PrefetchCount
	if prefetch <= 0 {
		prefetch = 10
	}

	return &Notifier{
		rabbit:            rabbit,
		emailClient:       httpclient.New(cfg.Notification.APIKey, time.Duration(cfg.Notification.TimeoutSeconds)*time.Second),
		scoreClient:       httpclient.New(cfg.Score.APIKey, time.Duration(cfg.Score.TimeoutSeconds)*time.Second),
		emailEndpoint:     cfg.Notification.Endpoint,
		scoreEndpoint:     cfg.Score.Endpoint,
		notificationQueue: cfg.RabbitMQ.NotificationQueue,
		scoreQueue:        cfg.RabbitMQ.ScoreRequestQueue,
		prefetchCount:     prefetch,
		maxRetries:        maxRetries,
		retryInterval:     retryInterval,
	}, nil
}

// Start 启动两个队列的消费者
func (n *Notifier) Start() error {
	notifyStop, err := n.rabbit.StartConsumer(n.notificationQueue, n.prefetchCount, n.handleNotification)
	if err != nil {
		return fmt.Errorf("启动通知消费者失败: %w", err)
	}
	n.stopChs = append(n.stopChs, notifyStop)

	scoreStop, err := n.rabbit.StartConsumer(n.scoreQueue, n.prefetchCount, n.handleScoreRequest)
	if err != nil {
		return fmt.Errorf("启动评分消费者失败: %w", err)
	}
	n.stopChs = append(n.stopChs, scoreStop)

	log.Info().Str("notification_queue", n.notificationQueue).Str("score_queue", n.scoreQueue).
		Msg("出站事件消费者已启动")
	return nil
}

// Stop 停止所有消费者
func (n *Notifier) Stop() {
	for _, ch := range n.stopChs {
		close(ch)
	}
	n.stopChs = nil
}

// handleNotification 处理确认邮件事件
// 返回true表示消息消费完毕（包括重试耗尽后丢弃），false才会重新入队。
func (n *Notifier) handleNotification(body []byte) bool {
	var msg storage.NotificationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		// 格式损坏的消息重新入队只会死循环，直接丢弃
		log.Error().Err(err).Msg("解析通知消息失败，消息被丢弃")
		return true
	}
	if msg.Email == "" {
		log.Error().Str("application_id", msg.ApplicationID).Msg("通知消息缺少收件邮箱，消息被丢弃")
		return true
	}

	payload := emailRequest{
		To:            msg.Email,
		Name:          msg.Name,
		ApplicationID: msg.ApplicationID,
		Template:      confirmationTemplate,
	}

	if err := n.postWithRetry(n.emailClient, n.emailEndpoint, payload); err != nil {
		log.Error().Err(err).Str("application_id", msg.ApplicationID).
			Msg("确认邮件投递重试耗尽，消息被丢弃")
		return true
	}

	log.Info().Str("application_id", msg.ApplicationID).
		Str("email", tracing.SafeAttributeValue("email", msg.Email, tracing.DefaultMaxLength)).
		Msg("确认邮件已发送")
	return true
}

// handleScoreRequest 处理评估得分派生事件，评分端点的响应被忽略
func (n *Notifier) handleScoreRequest(body []byte) bool {
	var msg storage.ScoreRequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Error().Err(err).Msg("解析评分请求消息失败，消息被丢弃")
		return true
	}

	if err := n.postWithRetry(n.scoreClient, n.scoreEndpoint, scoreRequest{ApplicationID: msg.ApplicationID}); err != nil {
		log.Error().Err(err).Str("application_id", msg.ApplicationID).
			Msg("评分派生请求重试耗尽，消息被丢弃")
		return true
	}

	log.Info().Str("application_id", msg.ApplicationID).Msg("评分派生请求已发送")
	return true
}

// postWithRetry 带固定间隔重试的POST，2xx视为成功
func (n *Notifier) postWithRetry(client *httpclient.Client, endpoint string, payload interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		lastErr = n.post(client, endpoint, payload)
		if lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Int("max_retries", n.maxRetries).
			Str("endpoint", endpoint).Msg("投递失败，准备重试")
		if attempt < n.maxRetries {
			time.Sleep(n.retryInterval)
		}
	}
	return lastErr
}

func (n *Notifier) post(client *httpclient.Client, endpoint string, payload interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.PostJSON(ctx, endpoint, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("端点返回状态码 %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coach-funnel-go/internal/config"
	"coach-funnel-go/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ 漏斗事件的消息通道：发件箱中继向它发布，通知消费者从它消费
type RabbitMQ struct {
	conn         *amqp.Connection
	channelPool  sync.Pool
	publishMutex sync.Mutex
	cfg          *config.RabbitMQConfig
}

// NewRabbitMQ 建立连接并初始化通道池
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器 (%s): %w", cfg.URL, err)
	}

	mq := &RabbitMQ{conn: conn, cfg: cfg}
	mq.channelPool = sync.Pool{
		New: func() interface{} {
			ch, poolErr := conn.Channel()
			if poolErr != nil {
				logger.Error().Err(poolErr).Msg("创建RabbitMQ通道失败")
				return nil
			}
			return ch
		},
	}

	testCh := mq.getChannel()
	if testCh == nil {
		conn.Close()
		return nil, fmt.Errorf("无法创建RabbitMQ通道")
	}
	mq.putChannel(testCh)

	logger.Info().Str("url", cfg.URL).Msg("RabbitMQ连接就绪")
	return mq, nil
}

func (r *RabbitMQ) getChannel() *amqp.Channel {
	if ch := r.channelPool.Get(); ch != nil {
		return ch.(*amqp.Channel)
	}
	ch, err := r.conn.Channel()
	if err != nil {
		logger.Error().Err(err).Msg("创建新RabbitMQ通道失败")
		return nil
	}
	return ch
}

func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch != nil {
		r.channelPool.Put(ch)
	}
}

// Close 关闭底层连接，池中通道随连接一并失效
func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}

// SetupFunnelTopology 声明漏斗事件交换机及通知、评分两条队列并完成绑定
// 服务启动时调用一次，消费者与发件箱中继都依赖这套拓扑。
func (r *RabbitMQ) SetupFunnelTopology() error {
	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	if err := ch.ExchangeDeclare(r.cfg.FunnelEventsExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明漏斗事件交换机失败: %w", err)
	}

	bindings := []struct {
		queue      string
		routingKey string
	}{
		{r.cfg.NotificationQueue, r.cfg.NotificationRoutingKey},
		{r.cfg.ScoreRequestQueue, r.cfg.ScoreRequestRoutingKey},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("声明队列 %s 失败: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.routingKey, r.cfg.FunnelEventsExchange, false, nil); err != nil {
			return fmt.Errorf("绑定队列 %s 失败: %w", b.queue, err)
		}
		logger.Info().
			Str("queue", b.queue).
			Str("routing_key", b.routingKey).
			Str("exchange", r.cfg.FunnelEventsExchange).
			Msg("漏斗事件队列已就绪")
	}
	return nil
}

// PublishMessage 向交换机发布一条消息，persistent为真时消息落盘
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(
		ctx,
		exchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: deliveryMode,
			ContentType:  "application/json",
			Body:         message,
			Timestamp:    time.Now(),
		},
	)
}

// StartConsumer 启动一个队列消费者，handler返回true时确认消息，
// 返回false时拒绝且不重入队（通知类事件不允许毒消息循环）。
// 返回的通道由调用方close以停止消费。
func (r *RabbitMQ) StartConsumer(queueName string, prefetchCount int, handler func([]byte) bool) (chan struct{}, error) {
	ch := r.getChannel()
	if ch == nil {
		return nil, fmt.Errorf("无法获取RabbitMQ通道")
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		r.putChannel(ch)
		return nil, fmt.Errorf("设置QoS失败: %w", err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		r.putChannel(ch)
		return nil, fmt.Errorf("注册消费者失败: %w", err)
	}

	stopCh := make(chan struct{})
	go func() {
		defer r.putChannel(ch)
		defer logger.Info().Str("queue", queueName).Msg("RabbitMQ消费者已停止")

		logger.Info().
			Str("queue", queueName).
			Int("prefetch", prefetchCount).
			Msg("RabbitMQ消费者已启动")

		for {
			select {
			case <-stopCh:
				return
			case delivery, ok := <-deliveries:
				if !ok {
					logger.Warn().Str("queue", queueName).Msg("RabbitMQ投递通道已关闭")
					return
				}
				if handler(delivery.Body) {
					if err := delivery.Ack(false); err != nil {
						logger.Error().Err(err).Str("queue", queueName).Msg("确认消息失败")
					}
					continue
				}
				if err := delivery.Nack(false, false); err != nil {
					logger.Error().Err(err).Str("queue", queueName).Msg("拒绝消息失败")
				}
			}
		}
	}()

	return stopCh, nil
}

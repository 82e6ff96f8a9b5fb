package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"coach-funnel-go/internal/config"
	"coach-funnel-go/internal/logger"
)

// Storage 聚合漏斗服务依赖的四类存储：
// MySQL承载申请记录与发件箱，Redis承载会话与互斥锁，
// MinIO承载简历与语音制品，RabbitMQ承载漏斗事件。
type Storage struct {
	MinIO    *MinIO
	RabbitMQ *RabbitMQ
	MySQL    *MySQL
	Redis    *Redis
}

// NewStorage 按配置初始化全部存储组件
// 任一组件失败即返回错误：漏斗的每条链路都依赖完整的存储栈，
// 带病启动只会把失败推迟到第一个请求。
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	var minioLogger *log.Logger
	if cfg.Logger.Level == "debug" || cfg.MinIO.EnableTestLogging {
		minioLogger = log.New(os.Stderr, "[MinIOStorage] ", log.LstdFlags|log.Lshortfile)
	} else {
		minioLogger = log.New(io.Discard, "", 0)
	}

	minioStore, err := NewMinIO(&cfg.MinIO, minioLogger)
	if err != nil {
		return nil, fmt.Errorf("初始化MinIO失败: %w", err)
	}

	rabbit, err := NewRabbitMQ(&cfg.RabbitMQ)
	if err != nil {
		return nil, fmt.Errorf("初始化RabbitMQ失败: %w", err)
	}

	mysqlStore, err := NewMySQL(&cfg.MySQL)
	if err != nil {
		rabbit.Close()
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	redisStore, err := NewRedisAdapter(&cfg.Redis)
	if err != nil {
		rabbit.Close()
		mysqlStore.Close()
		return nil, fmt.Errorf("初始化Redis失败: %w", err)
	}
	if err := redisStore.Ping(ctx); err != nil {
		rabbit.Close()
		mysqlStore.Close()
		redisStore.Close()
		return nil, fmt.Errorf("Redis连接检查失败: %w", err)
	}

	logger.Info().Msg("存储组件全部初始化完成")
	return &Storage{
		MinIO:    minioStore,
		RabbitMQ: rabbit,
		MySQL:    mysqlStore,
		Redis:    redisStore,
	}, nil
}

// Close 关闭所有连接，MinIO客户端无需显式关闭
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}

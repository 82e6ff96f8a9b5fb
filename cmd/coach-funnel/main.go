package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/pflag"

	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/hertz-contrib/keyauth"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"coach-funnel-go/internal/api/handler"
	"coach-funnel-go/internal/api/router"
	"coach-funnel-go/internal/assessment"
	"coach-funnel-go/internal/config"
	appCoreLogger "coach-funnel-go/internal/logger"
	"coach-funnel-go/internal/notify"
	"coach-funnel-go/internal/outbox"
	"coach-funnel-go/internal/recording"
	"coach-funnel-go/internal/storage"
	"coach-funnel-go/internal/tracing"

	funnelpkg "coach-funnel-go/internal/funnel"
)

var (
	version     = "1.0.0"           //nolint:gochecknoglobals
	serviceName = "coach-funnel-go" //nolint:gochecknoglobals
)

func main() {
	initLogger()

	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 链路追踪：启用时通过OTLP导出，未启用时Span为空操作
	shutdownTracing, err := tracing.InitProvider(ctx, &cfg.Tracing, serviceName, version)
	if err != nil {
		glog.Fatalf("初始化链路追踪失败: %v", err)
	}
	defer func() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := shutdownTracing(flushCtx); err != nil {
			glog.Warnf("关闭链路追踪失败: %v", err)
		}
	}()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	// 声明漏斗事件的交换机、队列与绑定
	if err := storageManager.RabbitMQ.SetupFunnelTopology(); err != nil {
		glog.Fatalf("初始化RabbitMQ拓扑失败: %v", err)
	}
	glog.Info("RabbitMQ拓扑初始化成功")

	// 发件箱中继：把落库的通知事件异步投递到RabbitMQ
	relayLogger := log.New(appCoreLogger.Logger, "[MessageRelay] ", log.LstdFlags|log.Lshortfile)
	messageRelay := outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ, relayLogger,
		outbox.WithPollingInterval(config.GetDuration(cfg.RabbitMQ.OutboxPollInterval, 5*time.Second)),
		outbox.WithBatchSize(cfg.RabbitMQ.OutboxBatchSize),
		outbox.WithMaxRetryCount(cfg.RabbitMQ.MaxRetries),
	)
	messageRelay.Start()
	glog.Info("消息中继服务已启动")

	// 出站事件消费者：确认邮件 + 评分派生
	notifier, err := notify.NewNotifier(storageManager.RabbitMQ, cfg)
	if err != nil {
		glog.Fatalf("初始化通知消费者失败: %v", err)
	}
	if err := notifier.Start(); err != nil {
		glog.Fatalf("启动通知消费者失败: %v", err)
	}
	glog.Info("通知消费者已启动")

	// 漏斗阶段跟踪器
	tracker := funnelpkg.NewStageTracker(storageManager.MySQL, cfg)
	glog.Info("阶段跟踪器初始化成功")

	// 语音陈述录制管理器
	recordingManager := recording.NewManager(storageManager.MinIO, storageManager.MySQL,
		storageManager.Redis, cfg.Recording.MaxDurationSeconds)
	glog.Info("录制管理器初始化成功")

	// 评估对话：Redis持久化的对话记录 + 外部问答端
	chatMemory, err := assessment.NewRedisChatMemory(storageManager.Redis.Client,
		storageManager.Redis.SessionExpireDuration())
	if err != nil {
		glog.Fatalf("初始化对话记录存储失败: %v", err)
	}
	// 问答端有两种模式：协作方HTTP问答端，或直连对话模型
	var responder assessment.Responder
	switch cfg.Responder.Mode {
	case "model":
		chatModel, err := assessment.NewQwenChatModel(cfg.Responder.APIKey,
			cfg.Responder.ModelName, cfg.Responder.ModelAPIURL)
		if err != nil {
			glog.Fatalf("初始化对话模型失败: %v", err)
		}
		responder, err = assessment.NewModelResponder(chatModel)
		if err != nil {
			glog.Fatalf("初始化模型问答端失败: %v", err)
		}
		glog.Info("问答端运行在模型直连模式")
	default:
		httpResponder, err := assessment.NewHTTPResponder(&cfg.Responder)
		if err != nil {
			glog.Fatalf("初始化问答端客户端失败: %v", err)
		}
		responder = httpResponder
	}
	sessionManager, err := assessment.NewSessionManager(chatMemory, storageManager.Redis,
		responder, tracker, &cfg.Assessment)
	if err != nil {
		glog.Fatalf("初始化评估会话管理器失败: %v", err)
	}
	glog.Info("评估会话管理器初始化成功")

	appHandler := handler.NewApplicationHandler(cfg, tracker, recordingManager, sessionManager,
		storageManager.Redis, storageManager.MinIO, storageManager.MySQL)
	glog.Info("ApplicationHandler初始化成功")

	serverTracer, serverTracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		serverTracer,
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(hertztracing.ServerMiddleware(serverTracerCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		// 把全局日志器注入请求上下文，供各层通过 logger.Ctx 取用
		c = appCoreLogger.WithContext(c)
		glog.CtxInfof(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		glog.CtxInfof(c, "Response: status %d", ctx.Response.StatusCode())
	})

	// 配置了API Key时对全部路由启用Bearer鉴权
	if cfg.Server.APIKey != "" {
		apiKey := cfg.Server.APIKey
		h.Use(keyauth.New(
			keyauth.WithFilter(func(c context.Context, ctx *app.RequestContext) bool {
				// 健康检查不做鉴权
				return string(ctx.Path()) == "/api/v1/health"
			}),
			keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
			keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, token string) (bool, error) {
				return token == apiKey, nil
			}),
		))
		glog.Info("API Key鉴权已启用")
	}

	router.RegisterRoutes(h, appHandler)
	glog.Info("HTTP路由注册成功")

	glog.Infof("%s v%s HTTP 服务器启动中，监听地址: %s", serviceName, version, cfg.Server.Address)

	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	notifier.Stop()
	glog.Info("通知消费者已停止")

	messageRelay.Stop()
	glog.Info("消息中继服务已停止")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Fatalf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

func initLogger() {
	logFilePath := "logs/app.log"
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Fatalf("无法创建日志目录: %v", err)
	}
	fileWriter, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("无法打开日志文件 %s: %v", logFilePath, err)
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}

	multiWriter := zerolog.MultiLevelWriter(consoleWriter, fileWriter)

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.TimeFieldFormat = "15:04:05"

	logger := zerolog.New(multiWriter).With().Timestamp().Caller().Logger()

	appCoreLogger.Logger = logger
	zlog.Logger = logger
	// 后台协程里没有请求上下文，logger.Ctx 回落到全局实例
	zerolog.DefaultContextLogger = &appCoreLogger.Logger

	hertzCompatibleLogger := hertzadapter.From(appCoreLogger.Logger)
	glog.SetLogger(hertzCompatibleLogger)
	glog.SetLevel(glog.LevelInfo)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"coach-funnel-go/internal/config"
	"coach-funnel-go/internal/constants"
	"coach-funnel-go/internal/storage/models"
	"coach-funnel-go/internal/tracing"
	"coach-funnel-go/pkg/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("coach-funnel-go/storage/mysql")

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	dbSystem       string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}

		sqlStatement := db.Statement.SQL.String()
		if sqlStatement != "" {
			opts = append(opts, trace.WithAttributes(
				attribute.String("db.statement", tracing.SafeSQL(sqlStatement)),
			))
		}

		newCtx, span := p.tracer.Start(ctx, spanName, opts...)

		// 将span保存在DB上下文中，以便在after回调中使用
		db.Statement.Context = context.WithValue(newCtx, "otel-span", span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value("otel-span").(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		// ErrRecordNotFound 是业务逻辑正常情况的一部分，不作为错误记录
		if db.Error != nil {
			if db.Error == gorm.ErrRecordNotFound {
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		dbSystem:       "mysql",
		disableErrSkip: true,
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true, // 开启预编译语句缓存
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	tracingPlugin := NewGormTracingPlugin(cfg.Database)
	if err := db.Use(tracingPlugin); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	currentLogger := m.db.Logger

	// 迁移期间关闭SQL日志打印
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.CoachApplication{},
		&models.OutboxMessage{},
	)

	m.db = m.db.Session(&gorm.Session{Logger: currentLogger})

	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// CreateApplication 创建申请记录（漏斗第一步提交）
func (m *MySQL) CreateApplication(ctx context.Context, app *models.CoachApplication) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.CreateApplication",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.sql.table", "coach_applications"),
		attribute.String("application.id", app.ApplicationID),
	)

	if err := m.db.WithContext(ctx).Create(app).Error; err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return fmt.Errorf("创建申请记录失败: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetApplicationByID 通过申请ID获取记录，未找到时返回 gorm.ErrRecordNotFound
func (m *MySQL) GetApplicationByID(ctx context.Context, applicationID string) (*models.CoachApplication, error) {
	var app models.CoachApplication
	err := m.db.WithContext(ctx).Where("application_id = ?", applicationID).First(&app).Error
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// UpdateApplicationFields 更新申请记录的多个字段
func (m *MySQL) UpdateApplicationFields(ctx context.Context, applicationID string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	result := m.db.WithContext(ctx).Model(&models.CoachApplication{}).
		Where("application_id = ?", applicationID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("更新申请记录失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// 记录可能不存在，区分于普通更新失败
		var count int64
		m.db.WithContext(ctx).Model(&models.CoachApplication{}).
			Where("application_id = ?", applicationID).Count(&count)
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
	}
	return nil
}

// AdvanceApplicationStatus 单调推进申请状态
// 利用 FIELD() 比较两个状态的序号，只有新状态排位更靠后时才更新，
// 从数据库层面保证状态永不回退。
func (m *MySQL) AdvanceApplicationStatus(ctx context.Context, applicationID string, newStatus string) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.AdvanceApplicationStatus",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("application.id", applicationID),
		attribute.String("application.new_status", newStatus),
	)

	if _, ok := constants.StatusRank[newStatus]; !ok {
		err := fmt.Errorf("未知的申请状态: %s", newStatus)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}

	statusOrder := fmt.Sprintf("'%s','%s','%s','%s','%s'",
		constants.StatusStarted,
		constants.StatusQualified,
		constants.StatusStatementRecorded,
		constants.StatusAIAssessmentComplete,
		constants.StatusComplete)

	result := m.db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE coach_applications SET status = ?, updated_at = CURRENT_TIMESTAMP(6)
			WHERE application_id = ? AND FIELD(status, %s) < FIELD(?, %s)`, statusOrder, statusOrder),
		newStatus, applicationID, newStatus)
	if result.Error != nil {
		tracing.RecordError(span, result.Error, tracing.ErrorTypeDB)
		return fmt.Errorf("推进申请状态失败: %w", result.Error)
	}

	// 零行受影响意味着记录不存在或状态已经在同级/更后的位置，两者都不算错误
	span.SetAttributes(attribute.Int64("db.rows_affected", result.RowsAffected))
	span.SetStatus(codes.Ok, "")
	return nil
}

// FinalizeAssessment 在单个事务中落盘对话记录、盖评估完成时间戳并推进状态，
// 同时写入发件箱事件，保证"完成+通知"的原子性。
func (m *MySQL) FinalizeAssessment(ctx context.Context, applicationID string, transcript []models.ConversationTurn, outboxMessages []*models.OutboxMessage) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.FinalizeAssessment",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("application.id", applicationID),
		attribute.Int("transcript.turns", len(transcript)),
	)

	transcriptJSON, err := models.TurnsToJSON(transcript)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return fmt.Errorf("序列化对话记录失败: %w", err)
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"transcript":              transcriptJSON,
			"assessment_completed_at": utils.TimePtr(time.Now()),
		}
		if err := tx.Model(&models.CoachApplication{}).
			Where("application_id = ?", applicationID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("写入对话记录失败: %w", err)
		}

		statusOrder := fmt.Sprintf("'%s','%s','%s','%s','%s'",
			constants.StatusStarted,
			constants.StatusQualified,
			constants.StatusStatementRecorded,
			constants.StatusAIAssessmentComplete,
			constants.StatusComplete)
		if err := tx.Exec(
			fmt.Sprintf(`UPDATE coach_applications SET status = ?
				WHERE application_id = ? AND FIELD(status, %s) < FIELD(?, %s)`, statusOrder, statusOrder),
			constants.StatusAIAssessmentComplete, applicationID, constants.StatusAIAssessmentComplete).Error; err != nil {
			return fmt.Errorf("推进申请状态失败: %w", err)
		}

		for _, msg := range outboxMessages {
			if err := tx.Create(msg).Error; err != nil {
				return fmt.Errorf("写入发件箱事件失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkApplicationComplete 将申请记录推进到终态并盖完成时间戳
func (m *MySQL) MarkApplicationComplete(ctx context.Context, applicationID string) error {
	if err := m.UpdateApplicationFields(ctx, applicationID, map[string]interface{}{
		"completed_at": utils.TimePtr(time.Now()),
	}); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return m.AdvanceApplicationStatus(ctx, applicationID, constants.StatusComplete)
}

// CreateOutboxMessage 写入一条发件箱事件（可在现有事务中执行）
func (m *MySQL) CreateOutboxMessage(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error {
	db := m.db
	if tx != nil {
		db = tx
	}
	if err := db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("写入发件箱事件失败: %w", err)
	}
	return nil
}

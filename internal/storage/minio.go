package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"coach-funnel-go/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadVoiceStatement 上传语音陈述制品，返回对象键
	UploadVoiceStatement(ctx context.Context, applicationID, fileExt string, reader io.Reader, fileSize int64) (string, error)

	// UploadResumeFile 上传简历文件，返回对象键
	UploadResumeFile(ctx context.Context, applicationID, fileExt string, reader io.Reader, fileSize int64) (string, error)

	// GetPresignedURL 获取语音制品的预签名URL
	GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)

	// DeleteVoiceStatement 删除语音陈述制品（重录替换时使用）
	DeleteVoiceStatement(ctx context.Context, objectName string) error
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client       *minio.Client
	cfg          *config.MinIOConfig
	audioBucket  string
	resumeBucket string
	logger       *log.Logger
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig, logger *log.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	logger.Printf("[MinIO] Initializing MinIO client with endpoint: %s, audioBucket: %s, resumeBucket: %s", cfg.Endpoint, cfg.AudioBucket, cfg.ResumeBucket)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Printf("[MinIO] Initialization failed: %v", err)
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	audioBucket := cfg.AudioBucket
	if audioBucket == "" {
		audioBucket = "voice-statements"
	}
	resumeBucket := cfg.ResumeBucket
	if resumeBucket == "" {
		resumeBucket = "coach-resumes"
	}

	m := &MinIO{
		client:       client,
		cfg:          cfg,
		audioBucket:  audioBucket,
		resumeBucket: resumeBucket,
		logger:       logger,
	}

	// 确保存储桶存在
	if err := m.ensureBucketExists(audioBucket, cfg.Location); err != nil {
		logger.Printf("[MinIO] Failed to ensure audio bucket %s exists: %v", audioBucket, err)
		return nil, fmt.Errorf("确保语音存储桶 %s 存在失败: %w", audioBucket, err)
	}
	if err := m.ensureBucketExists(resumeBucket, cfg.Location); err != nil {
		logger.Printf("[MinIO] Failed to ensure resume bucket %s exists: %v", resumeBucket, err)
		return nil, fmt.Errorf("确保简历存储桶 %s 存在失败: %w", resumeBucket, err)
	}

	// 设置生命周期规则
	if cfg.AudioExpireDays > 0 || cfg.ResumeExpireDays > 0 {
		if err := m.setupLifecycleRules(context.Background()); err != nil {
			logger.Printf("[MinIO] Warning: Failed to set up lifecycle rules: %v", err)
		}
	}

	logger.Printf("[MinIO] Client initialized successfully for endpoint: %s", cfg.Endpoint)
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		m.logger.Printf("[MinIO] Bucket %s does not exist, attempting to create...", bucketName)
		err = m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location})
		if err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		m.logger.Printf("[MinIO] Bucket %s created successfully.", bucketName)
	}
	return nil
}

// setupLifecycleRules 设置对象生命周期规则
func (m *MinIO) setupLifecycleRules(ctx context.Context) error {
	if m.cfg.AudioExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, m.audioBucket, "expire-voice-statements", m.cfg.AudioExpireDays); err != nil {
			return fmt.Errorf("为语音存储桶 %s 设置生命周期失败: %w", m.audioBucket, err)
		}
	}
	if m.cfg.ResumeExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, m.resumeBucket, "expire-resumes", m.cfg.ResumeExpireDays); err != nil {
			return fmt.Errorf("为简历存储桶 %s 设置生命周期失败: %w", m.resumeBucket, err)
		}
	}
	return nil
}

// setupBucketLifecycle 为指定存储桶设置生命周期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	config := lifecycle.NewConfiguration()
	config.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}

	if err := m.client.SetBucketLifecycle(ctx, bucketName, config); err != nil {
		m.logger.Printf("[MinIO] Error setting lifecycle for bucket %s: %v", bucketName, err)
		return err
	}
	return nil
}

// VoiceStatementObjectName 语音陈述制品的确定性对象键
// 重录时覆盖同一个键，因此每个申请至多持有一个语音制品。
func VoiceStatementObjectName(applicationID, fileExt string) string {
	return fmt.Sprintf("audio/%s-voice-statement%s", applicationID, fileExt)
}

// UploadVoiceStatement 上传语音陈述制品到audioBucket
// 返回MinIO中的对象键（不含bucket前缀）
func (m *MinIO) UploadVoiceStatement(ctx context.Context, applicationID, fileExt string, reader io.Reader, fileSize int64) (string, error) {
	objectName := VoiceStatementObjectName(applicationID, fileExt)
	contentType := getContentType(fileExt)

	if m.cfg.EnableTestLogging && m.logger != nil && m.logger.Writer() != io.Discard {
		m.logger.Printf("[MinIO-UploadVoiceStatement] Uploading: ApplicationID='%s', ObjectName='%s', Size=%d, Bucket='%s'", applicationID, objectName, fileSize, m.audioBucket)
	}

	info, err := m.client.PutObject(ctx, m.audioBucket, objectName, reader, fileSize,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		if m.cfg.EnableTestLogging && m.logger != nil && m.logger.Writer() != io.Discard {
			m.logger.Printf("[MinIO-UploadVoiceStatement] Error uploading %s: %v", objectName, err)
		}
		return "", fmt.Errorf("上传语音陈述 %s/%s 失败: %w", m.audioBucket, objectName, err)
	}

	if m.cfg.EnableTestLogging && m.logger != nil && m.logger.Writer() != io.Discard {
		m.logger.Printf("[MinIO-UploadVoiceStatement] Successfully uploaded %s, ETag: %s, Size: %d", objectName, info.ETag, info.Size)
	}
	return objectName, nil
}

// UploadResumeFile 上传简历文件到resumeBucket
func (m *MinIO) UploadResumeFile(ctx context.Context, applicationID, fileExt string, reader io.Reader, fileSize int64) (string, error) {
	objectName := fmt.Sprintf("resume/%s/original%s", applicationID, fileExt)
	contentType := getContentType(fileExt)

	if m.cfg.EnableTestLogging && m.logger != nil && m.logger.Writer() != io.Discard {
		m.logger.Printf("[MinIO-UploadResumeFile] Uploading: ApplicationID='%s', ObjectName='%s', Bucket='%s'", applicationID, objectName, m.resumeBucket)
	}

	_, err := m.client.PutObject(ctx, m.resumeBucket, objectName, reader, fileSize,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传简历文件 %s/%s 失败: %w", m.resumeBucket, objectName, err)
	}
	return objectName, nil
}

// GetPresignedURL 获取语音制品的预签名URL
func (m *MinIO) GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := m.client.PresignedGetObject(ctx, m.audioBucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return presignedURL.String(), nil
}

// DeleteVoiceStatement 删除语音陈述制品
func (m *MinIO) DeleteVoiceStatement(ctx context.Context, objectName string) error {
	err := m.client.RemoveObject(ctx, m.audioBucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// 获取内容类型
func getContentType(ext string) string {
	ext = strings.ToLower(ext)
	switch ext {
	case ".webm":
		return "audio/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

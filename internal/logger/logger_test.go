package logger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCtxAfterInit 初始化后从上下文取日志器不应是禁用实例
func TestCtxAfterInit(t *testing.T) {
	Init(Config{Level: "info", Format: "json"})

	// 显式注入过日志器的上下文
	ctx := WithContext(context.Background())
	require.NotNil(t, Ctx(ctx))
	assert.NotEqual(t, zerolog.Disabled, Ctx(ctx).GetLevel(), "注入后的上下文日志器不应被禁用")

	// 没注入过的上下文回落到全局实例
	bare := Ctx(context.Background())
	require.NotNil(t, bare)
	assert.NotEqual(t, zerolog.Disabled, bare.GetLevel(), "空上下文应回落到全局日志器")
}

// TestInitLevelFallback 非法级别回落到info
func TestInitLevelFallback(t *testing.T) {
	Init(Config{Level: "not-a-level"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

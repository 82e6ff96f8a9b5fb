// Package httpclient 提供带凭证注入的HTTP请求客户端。
// 凭证通过显式注入的装饰器附加到出站请求上，而不是篡改全局传输层。
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Doer 发送HTTP请求的最小接口，*http.Client 天然满足
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// authDoer 在每个出站请求上附加 Bearer 凭证的装饰器
type authDoer struct {
	base  Doer
	token string
}

func (d *authDoer) Do(req *http.Request) (*http.Response, error) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	return d.base.Do(req)
}

// WithAuth 包装一个Doer，为所有出站请求注入 Bearer 凭证
// token 为空时原样返回，不做包装。
func WithAuth(base Doer, token string) Doer {
	if token == "" {
		return base
	}
	return &authDoer{base: base, token: token}
}

// Client 面向协作方端点的JSON请求客户端
type Client struct {
	doer Doer
}

// New 创建请求客户端；token 非空时所有请求都会带上 Bearer 凭证
func New(token string, timeout time.Duration) *Client {
	base := &http.Client{Timeout: timeout}
	return &Client{doer: WithAuth(base, token)}
}

// NewWithDoer 使用自定义Doer创建客户端，测试用
func NewWithDoer(doer Doer) *Client {
	return &Client{doer: doer}
}

// PostJSON 序列化payload并POST到url，返回原始响应
// 调用方负责关闭响应体。
func (c *Client) PostJSON(ctx context.Context, url string, payload interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	return resp, nil
}

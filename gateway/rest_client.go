package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vn-execution-go/infrastructure/logger"
)

// RESTClient 券商REST客户端；每个adapter独占一个实例，HTTPClient 可注入 httptest。
type RESTClient struct {
	Broker     string
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Logger     *logger.Logger

	// OnUnauthorized 收到401时回调（通常用于作废缓存token）
	OnUnauthorized func()
}

// Request 一次REST调用
type Request struct {
	Op      string
	Method  string
	Path    string
	Query   url.Values
	Body    interface{}
	Headers map[string]string
}

// Do 发送请求并把JSON响应解码到out；错误已按瞬时/永久分类。
func (c *RESTClient) Do(ctx context.Context, r Request, out interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return PermanentError(c.brokerName(), r.Op, "client", "http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.WaitContext(ctx); err != nil {
			return TransientError(c.Broker, r.Op, err)
		}
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + r.Path
	if len(r.Query) > 0 {
		endpoint += "?" + r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return PermanentError(c.Broker, r.Op, "encode", err.Error())
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, endpoint, body)
	if err != nil {
		return PermanentError(c.Broker, r.Op, "request", err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// 网络错误、超时均可重试
		return TransientError(c.Broker, r.Op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TransientError(c.Broker, r.Op, err)
	}
	if c.Logger != nil {
		c.Logger.LogBroker(c.Broker, r.Op, map[string]interface{}{
			"method":     r.Method,
			"path":       r.Path,
			"status":     resp.StatusCode,
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized && c.OnUnauthorized != nil {
			c.OnUnauthorized()
		}
		code, msg := parseErrorBody(raw)
		return &Error{
			Broker:     c.Broker,
			Op:         r.Op,
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    msg,
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return PermanentError(c.Broker, r.Op, "decode", fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func (c *RESTClient) brokerName() string {
	if c == nil {
		return ""
	}
	return c.Broker
}

// parseErrorBody 尽量从错误响应中提取券商错误码
func parseErrorBody(raw []byte) (string, string) {
	var body struct {
		Code    interface{} `json:"code"`
		Error   string      `json:"error"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", strings.TrimSpace(string(raw))
	}
	code := ""
	if body.Code != nil {
		code = fmt.Sprint(body.Code)
	}
	if code == "" {
		code = body.Error
	}
	return code, body.Message
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

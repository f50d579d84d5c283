package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrUnsupportedAssetClass = errors.New("unsupported asset class")
	ErrOrderNotFound         = errors.New("broker order not found")
	ErrUnknownBroker         = errors.New("unknown broker")
)

// Kind 错误分类
type Kind int

const (
	KindTransient Kind = iota + 1 // 可重试：网络、超时、限流、5xx
	KindPermanent                 // 不可重试：业务拒绝、参数错误、权限
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error 券商调用错误
type Error struct {
	Broker     string
	Op         string
	Kind       Kind
	StatusCode int
	Code       string // 券商业务错误码
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Broker, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += " " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// TransientError 构造瞬时错误
func TransientError(broker, op string, err error) *Error {
	return &Error{Broker: broker, Op: op, Kind: KindTransient, Err: err}
}

// PermanentError 构造永久错误
func PermanentError(broker, op, code, message string) *Error {
	return &Error{Broker: broker, Op: op, Kind: KindPermanent, Code: code, Message: message}
}

// IsTransient 判断是否可重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

// IsPermanent 判断是否为永久错误
func IsPermanent(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Kind == KindPermanent
}

// classifyStatus 按HTTP状态码分类
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusUnauthorized, // token过期，刷新后可重试
		status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// isNotFound 券商返回404
func isNotFound(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.StatusCode == http.StatusNotFound
}

// Package retry 实现下单/撤单的有界指数退避重试。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 200 * time.Millisecond
	DefaultMaxDelay       = 5 * time.Second
	DefaultAttemptTimeout = 500 * time.Millisecond
)

// ErrExhausted 重试次数耗尽
var ErrExhausted = errors.New("retry attempts exhausted")

// Classifier 判断错误是否可重试（瞬时错误返回true）
type Classifier func(err error) bool

// AttemptFunc 单次尝试，attempt从1开始计数
type AttemptFunc func(ctx context.Context, attempt int) error

// Policy 重试策略
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration // 单次尝试预算，0表示不限制
	Retryable      Classifier

	// sleep 可在测试中替换
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy 返回默认策略：3次、指数退避、单次500ms
func DefaultPolicy(retryable Classifier) Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
		Retryable:      retryable,
	}
}

// WithSleeper 替换等待函数，返回新策略
func (p Policy) WithSleeper(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// Backoff 第n次失败后的等待时长：BaseDelay * 2^(n-1)，封顶MaxDelay
func (p Policy) Backoff(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	shift := failedAttempt - 1
	if shift > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<shift)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// Do 从已消耗的尝试次数done之后继续执行fn。
// 返回最终使用的尝试次数；永久错误立即返回，瞬时错误耗尽后返回包装了ErrExhausted的错误。
func (p Policy) Do(ctx context.Context, done int, fn AttemptFunc) (int, error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if done >= max {
		return done, fmt.Errorf("%w: %d/%d attempts already used", ErrExhausted, done, max)
	}

	var lastErr error
	attempt := done
	for attempt < max {
		attempt++
		err := p.runOnce(ctx, attempt, fn)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !p.retryable(err) {
			return attempt, err
		}
		if attempt >= max {
			break
		}
		if err := p.wait(ctx, p.Backoff(attempt)); err != nil {
			return attempt, err
		}
	}

	return attempt, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, lastErr)
}

func (p Policy) runOnce(ctx context.Context, attempt int, fn AttemptFunc) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return false
	}
	return p.Retryable(err)
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

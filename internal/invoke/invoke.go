// Package invoke 实现外部调用的单次超时与有限重试，以及结构化 LLM 调用（构造 → 限流 → 调用 → 解码）。
package invoke

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nistsentinel/internal/diag"
	"nistsentinel/internal/rate"
)

// DefaultBackoff: 两次尝试之间的固定间隔。
const DefaultBackoff = 200 * time.Millisecond

// Policy: 单个调用点的超时与重试策略。
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

func (p Policy) attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

func (p Policy) backoff() time.Duration {
	if p.Backoff <= 0 {
		return DefaultBackoff
	}
	return p.Backoff
}

// TimeoutError: 单次调用超出本调用点超时而父 ctx 仍有效。按网络错误归类，允许重试。
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string   { return fmt.Sprintf("%s timed out after %s", e.Op, e.After) }
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }

// Once 以 p.Timeout 为上限执行一次 fn。
func Once(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, After: timeout}
	}
	return err
}

// Call 按 Policy 执行 fn：每次尝试独立超时，仅对可重试错误重试。
func Call(ctx context.Context, op string, p Policy, fn func(context.Context) error) error {
	var last error
	for attempt := 0; attempt < p.attempts(); attempt++ {
		if attempt > 0 {
			if err := rate.SleepCtx(ctx, p.backoff()); err != nil {
				return err
			}
		}
		last = Once(ctx, op, p.Timeout, fn)
		if last == nil || !ShouldRetryInvoke(ctx, last) {
			return last
		}
	}
	return last
}

// ShouldRetryInvoke: 预算/限流与网络类错误可重试；父 ctx 已结束时不重试。
func ShouldRetryInvoke(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// ShouldRetryDecode: 响应无效（协议类）可重试。
func ShouldRetryDecode(err error) bool {
	return err != nil && diag.Classify(err) == diag.CodeProtocol
}

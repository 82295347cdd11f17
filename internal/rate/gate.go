// Package rate 提供按 LLM 提供方分组的令牌桶闸门（RPM/TPM/单请求上限）。
package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nistsentinel/pkg/contract"
)

// LimitKey: 限流分组键（client + key 指纹）。
type LimitKey string

// Limits: 每分组限额。0 表示该维度不启用。
type Limits struct {
	RPM             int `yaml:"rpm" validate:"gte=0"`
	TPM             int `yaml:"tpm" validate:"gte=0"`
	MaxTokensPerReq int `yaml:"max_tokens_per_req" validate:"gte=0"`
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int
	Tokens   int
}

// Gate: 并发安全的限流闸门。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 结束；超过单请求上限立即失败。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞尝试。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate 由静态配置构造闸门；clk 为空则用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req bucket
	tok bucket
}

// bucket: 容量为每分钟额度、按秒线性回填的令牌桶；cap=0 表示关闭。
type bucket struct {
	cap   float64
	level float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{
		lim: lim,
		req: bucket{cap: float64(lim.RPM), level: float64(lim.RPM), last: now},
		tok: bucket{cap: float64(lim.TPM), level: float64(lim.TPM), last: now},
	}
}

func (b *bucket) off() bool { return b.cap <= 0 }

func (b *bucket) refill(now time.Time) {
	if b.off() || !now.After(b.last) {
		return
	}
	b.level += now.Sub(b.last).Seconds() * b.cap / 60
	if b.level > b.cap {
		b.level = b.cap
	}
	b.last = now
}

// need 返回取走 n 还需等待的时长（0 表示可立即取走）。
func (b *bucket) need(n int) time.Duration {
	if b.off() || n <= 0 {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / (b.cap / 60) * float64(time.Second))
}

func (b *bucket) take(n int) {
	if b.off() || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的分组不限额
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func check(a Ask, lim Limits) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("gate ask %+v: %w", a, contract.ErrInvalidInput)
	}
	if lim.MaxTokensPerReq > 0 && a.Tokens > lim.MaxTokensPerReq {
		return fmt.Errorf("request needs %d tokens, limit %d: %w", a.Tokens, lim.MaxTokensPerReq, contract.ErrBudgetExceeded)
	}
	return nil
}

// reserve 在锁内回填并尝试扣减；失败时返回需等待时长。
func (e *entry) reserve(now time.Time, a Ask) (bool, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	wr, wt := e.req.need(a.Requests), e.tok.need(a.Tokens)
	if wr == 0 && wt == 0 {
		e.req.take(a.Requests)
		e.tok.take(a.Tokens)
		return true, 0
	}
	return false, max(wr, wt)
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if check(a, e.lim) != nil {
		return false
	}
	ok, _ := e.reserve(g.clk(), a)
	return ok
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := check(a, e.lim); err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, d := e.reserve(g.clk(), a)
		if ok {
			return nil
		}
		if err := SleepCtx(ctx, max(d, minSleep)); err != nil {
			return err
		}
	}
}

// SleepCtx 可取消的睡眠。
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot 返回当前可用请求/令牌（向下取整，仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := g.clk()
	e.req.refill(now)
	e.tok.refill(now)
	return int(e.req.level), int(e.tok.level)
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)

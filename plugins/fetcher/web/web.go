package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"nistsentinel/pkg/contract"
)

// Options: HTTP 页面抓取配置。
type Options struct {
	UserAgent      string `yaml:"user_agent"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
	// MaxBytes: 单页读取上限，超出部分截断。默认 2MiB。
	MaxBytes int64 `yaml:"max_bytes" validate:"gte=0"`
	// RequestsPerSecond/Burst: 礼貌限速（同一进程内所有页面共享）。
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// DefaultUserAgent: 默认请求头。
const DefaultUserAgent = "Mozilla/5.0 (compatible; nistsentinel/1.0; +https://csrc.nist.gov)"

func (o *Options) defaults() {
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 10
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 2 << 20
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 2
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

// Fetcher: 带礼貌限速的 HTTP GET 抓取器。
type Fetcher struct {
	ua      string
	max     int64
	limiter *rate.Limiter
	do      func(*http.Request) (*http.Response, error)
}

func New(opts *Options) *Fetcher {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Fetcher{
		ua:      o.UserAgent,
		max:     o.MaxBytes,
		limiter: rate.NewLimiter(rate.Limit(o.RequestsPerSecond), o.Burst),
		do:      hc.Do,
	}
}

// Fetch 返回页面正文流（已截断到 MaxBytes）；非 2xx 按上游状态分类。
func (f *Fetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", url, err, contract.ErrInvalidInput)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := f.do(req)
	if err != nil {
		if (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		_ = resp.Body.Close()
		return nil, contract.StatusError("fetch "+url, resp.StatusCode, slurp)
	}
	return &limitedBody{Reader: io.LimitReader(resp.Body, f.max), c: resp.Body}, nil
}

type limitedBody struct {
	io.Reader
	c io.Closer
}

func (b *limitedBody) Close() error { return b.c.Close() }

var _ contract.PageFetcher = (*Fetcher)(nil)

package browser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"nistsentinel/pkg/contract"
)

// Options: 无头浏览器抓取配置（用于需要执行脚本才能渲染正文的页面）。
type Options struct {
	// DebuggerURL: 已运行浏览器的 DevTools 地址；为空时本地启动。
	DebuggerURL string `yaml:"debugger_url"`
	// Bin: 浏览器可执行文件；为空时由 launcher 自动查找/下载。
	Bin                      string `yaml:"bin"`
	Headless                 *bool  `yaml:"headless"`
	NavigationTimeoutSeconds int    `yaml:"navigation_timeout_seconds" validate:"gte=0"`
	// SettleMillis: 页面 load 事件后额外等待，给客户端渲染留出时间。
	SettleMillis int `yaml:"settle_millis" validate:"gte=0"`
}

func (o *Options) defaults() {
	if o.Headless == nil {
		t := true
		o.Headless = &t
	}
	if o.NavigationTimeoutSeconds <= 0 {
		o.NavigationTimeoutSeconds = 30
	}
}

// Fetcher: 首次 Fetch 时连接（或启动）浏览器，每个 URL 使用独立标签页。
type Fetcher struct {
	opts Options

	mu      sync.Mutex
	browser *rod.Browser
	// source 返回渲染后的 HTML；测试可替换。
	source func(ctx context.Context, url string) (string, error)
}

func New(opts *Options) *Fetcher {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	f := &Fetcher{opts: o}
	f.source = f.render
	return f
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("browser fetch %q: %w", url, contract.ErrInvalidInput)
	}
	html, err := f.source(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return io.NopCloser(strings.NewReader(html)), nil
}

func (f *Fetcher) ensure() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}
	u := f.opts.DebuggerURL
	if u == "" {
		l := launcher.New().Headless(*f.opts.Headless)
		if f.opts.Bin != "" {
			l = l.Bin(f.opts.Bin)
		}
		var err error
		if u, err = l.Launch(); err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	f.browser = b
	return b, nil
}

func (f *Fetcher) render(ctx context.Context, url string) (string, error) {
	b, err := f.ensure()
	if err != nil {
		return "", err
	}
	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("open page %s: %w", url, err)
	}
	defer func() { _ = page.Close() }()
	p := page.Timeout(time.Duration(f.opts.NavigationTimeoutSeconds) * time.Second)
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("load %s: %w", url, err)
	}
	if f.opts.SettleMillis > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(f.opts.SettleMillis) * time.Millisecond):
		}
	}
	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return html, nil
}

// Close 关闭已连接的浏览器；未启动时为空操作。
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	return err
}

var _ contract.PageFetcher = (*Fetcher)(nil)

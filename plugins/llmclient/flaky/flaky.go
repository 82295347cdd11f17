package flaky

import (
	"context"
	"net/http"
	"os"
	"sync"

	"nistsentinel/pkg/contract"
	"nistsentinel/plugins/llmclient/mock"
)

// 故障步骤名。
const (
	StepRateLimited = "rate_limited"
	StepInvalidJSON = "invalid_json"
	StepTimeout     = "timeout"
	StepUpstream503 = "upstream_503"
	stepOK          = "ok"
)

// DefaultScript: 未配置时的故障序列（一次限流、一次坏 JSON）。
var DefaultScript = []string{StepRateLimited, StepInvalidJSON}

// Options: 故障注入配置。
type Options struct {
	// Script: 依次注入的故障；用尽后委托 mock 返回确定性结果。
	Script []string `yaml:"script" validate:"dive,oneof=rate_limited invalid_json timeout upstream_503"`
	// LogPath: 每次调用的结果追加写入该文件（可选）。
	LogPath string `yaml:"log_path"`
	// Summary: 透传给 mock 的摘要文本。
	Summary string `yaml:"summary"`
}

// Client 按脚本注入故障，用于重试与降级路径联调。并发安全。
type Client struct {
	next    *mock.Client
	logPath string

	mu     sync.Mutex
	script []string
	calls  int
}

func New(opts *Options) *Client {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	script := o.Script
	if script == nil {
		script = DefaultScript
	}
	return &Client{
		next:    mock.New(&mock.Options{Summary: o.Summary}),
		logPath: o.LogPath,
		script:  append([]string(nil), script...),
	}
}

func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	c.mu.Lock()
	step := stepOK
	if c.calls < len(c.script) {
		step = c.script[c.calls]
	}
	c.calls++
	c.record(step)
	c.mu.Unlock()

	switch step {
	case StepRateLimited:
		return contract.Raw{}, contract.StatusError("flaky", http.StatusTooManyRequests, nil)
	case StepInvalidJSON:
		return contract.Raw{Text: "invalid"}, nil
	case StepTimeout:
		return contract.Raw{}, contract.StatusError("flaky", http.StatusRequestTimeout, []byte("injected timeout"))
	case StepUpstream503:
		return contract.Raw{}, contract.StatusError("flaky", http.StatusServiceUnavailable, []byte("injected outage"))
	default:
		return c.next.Invoke(ctx, p)
	}
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// record 追加一行调用结果；写失败忽略。
func (c *Client) record(step string) {
	if c.logPath == "" {
		return
	}
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	_, _ = f.WriteString(step + "\n")
	_ = f.Close()
}

var _ contract.LLMClient = (*Client)(nil)

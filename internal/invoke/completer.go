package invoke

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nistsentinel/internal/diag"
	"nistsentinel/internal/prompt"
	"nistsentinel/internal/rate"
	"nistsentinel/pkg/contract"
)

// Settings: 结构化调用的运行期配置。
type Settings struct {
	MaxRetries    int
	Backoff       time.Duration
	Timeouts      map[contract.TaskKind]time.Duration
	BytesPerToken int
	// MaxTokens>0 时按 Prompt 内容估算 token 并向闸门申请。
	MaxTokens int
	Gate      rate.Gate
	GateKey   rate.LimitKey
}

// Completer: contract.Completer 的实现。
type Completer struct {
	pb     contract.PromptBuilder
	llm    contract.LLMClient
	dec    contract.Decoder
	set    Settings
	logger *diag.Logger
}

// NewCompleter 组装结构化调用器。
func NewCompleter(pb contract.PromptBuilder, llm contract.LLMClient, dec contract.Decoder, set Settings, logger *diag.Logger) *Completer {
	if logger == nil {
		logger = diag.Nop()
	}
	return &Completer{pb: pb, llm: llm, dec: dec, set: set, logger: logger}
}

// Complete 构造 Prompt 后在重试预算内循环：闸门 → 调用（单次超时）→ 解码。
// 调用失败仅对预算/网络类重试；解码失败仅对协议类重试；闸门错误不重试。
func (c *Completer) Complete(ctx context.Context, t contract.Task, v any) error {
	rid, step := string(t.RecordID), t.Kind.String()

	tm := c.logger.StartWith("prompt_builder", "build", rid, step)
	p, err := c.pb.Build(ctx, t)
	if err != nil {
		c.fail("prompt_builder", "build failed", err, tm, rid, step, nil)
		return fmt.Errorf("build %s prompt: %w", step, err)
	}
	tm.Finish("build", 1)
	diag.IncOp("prompt_builder", "finish", "success")

	tokens := 0
	if c.set.MaxTokens > 0 {
		tokens = prompt.PromptTokens(p, c.set.BytesPerToken)
	}
	schema := c.pb.Schema(t.Kind)
	pol := Policy{Timeout: c.set.Timeouts[t.Kind], MaxRetries: c.set.MaxRetries, Backoff: c.set.Backoff}

	var last error
	for attempt := 0; attempt < pol.attempts(); attempt++ {
		if attempt > 0 {
			if err := rate.SleepCtx(ctx, pol.backoff()); err != nil {
				return err
			}
		}
		kv := diag.KV("tokens", tokens, "attempt", attempt+1)
		if c.set.Gate != nil {
			c.logger.DebugStart("gate", "ask", rid, step, kv)
			if err := c.set.Gate.Wait(ctx, rate.Ask{Key: c.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				c.fail("gate", "wait failed", err, nil, rid, step, nil)
				return fmt.Errorf("gate: %w", err)
			}
		}

		lt := c.logger.StartWithKV("llm_client", "invoke", rid, step, kv)
		var raw contract.Raw
		err := Once(ctx, "llm "+step, pol.Timeout, func(cctx context.Context) error {
			var e error
			raw, e = c.llm.Invoke(cctx, p)
			return e
		})
		if err != nil {
			c.fail("llm_client", "invoke failed", err, lt, rid, step, upstreamKV(err))
			last = err
			if ShouldRetryInvoke(ctx, err) {
				continue
			}
			break
		}
		lt.Finish("invoke", int64(tokens))
		diag.IncOp("llm_client", "finish", "success")

		dt := c.logger.StartWith("decoder", "decode", rid, step)
		if err := c.dec.Decode(ctx, raw, schema, v); err != nil {
			c.fail("decoder", "decode failed", err, dt, rid, step, nil)
			last = err
			if ShouldRetryDecode(err) {
				continue
			}
			break
		}
		dt.Finish("decode", 1)
		diag.IncOp("decoder", "finish", "success")
		return nil
	}
	return last
}

func (c *Completer) fail(comp, msg string, err error, tm *diag.Timer, rid, step string, kv map[string]string) {
	code := diag.Classify(err)
	var since *time.Time
	if tm != nil {
		s := tm.Since()
		since = &s
	}
	if kv == nil {
		kv = map[string]string{}
	}
	kv["error"] = truncate(err.Error(), 200)
	c.logger.ErrorWithKV(comp, code.String(), msg, since, rid, step, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, code.String())
	}
}

// upstreamKV 附带上游 HTTP 状态与消息。
func upstreamKV(err error) map[string]string {
	var ue contract.UpstreamError
	if !errors.As(err, &ue) {
		return nil
	}
	kv := diag.KV("http_status", ue.UpstreamStatus())
	if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
		kv["upstream_msg"] = truncate(m, 200)
	}
	return kv
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

var _ contract.Completer = (*Completer)(nil)

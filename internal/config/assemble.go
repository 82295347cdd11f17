package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"nistsentinel/internal/diag"
	"nistsentinel/internal/invoke"
	"nistsentinel/internal/pipeline"
	"nistsentinel/internal/rate"
	"nistsentinel/internal/refdata"
	"nistsentinel/pkg/contract"
	"nistsentinel/pkg/registry"
)

var validate = validator.New()

// Validate 对静态边界（结构标签）与注册名做校验；错误统一包装为 ErrFatalConfiguration。
func Validate(cfg Config) error {
	return contract.Fatal(validateCfg(cfg))
}

func validateCfg(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	d := Defaults().Components
	c := cfg.Components
	checks := []struct {
		kind, name string
		ok         func(string) bool
		optional   bool
	}{
		{"searcher", effName(c.Searcher, d.Searcher), func(n string) bool { return registry.Searcher[n] != nil }, false},
		{"fetcher", effName(c.Fetcher, d.Fetcher), func(n string) bool { return registry.Fetcher[n] != nil }, false},
		{"splitter", effName(c.Splitter, d.Splitter), func(n string) bool { return registry.Splitter[n] != nil }, false},
		{"prompt_builder", effName(c.PromptBuilder, d.PromptBuilder), func(n string) bool { return registry.PromptBuilder[n] != nil }, false},
		{"decoder", effName(c.Decoder, d.Decoder), func(n string) bool { return registry.Decoder[n] != nil }, false},
		{"classifier", effName(c.Classifier, d.Classifier), func(n string) bool { return registry.Classifier[n] != nil }, false},
		{"filter", effName(c.Filter, d.Filter), func(n string) bool { return registry.Filter[n] != nil }, true},
		{"summarizer", effName(c.Summarizer, d.Summarizer), func(n string) bool { return registry.Summarizer[n] != nil }, false},
		{"renderer", effName(c.Renderer, d.Renderer), func(n string) bool { return registry.Renderer[n] != nil }, false},
		{"writer", effName(c.Writer, d.Writer), func(n string) bool { return registry.Writer[n] != nil }, false},
		{"publisher", effName(c.Publisher, d.Publisher), func(n string) bool { return registry.Publisher[n] != nil }, true},
	}
	for _, ck := range checks {
		if ck.optional && ck.name == None {
			continue
		}
		if !ck.ok(ck.name) {
			return fmt.Errorf("config: %s %q not registered", ck.kind, ck.name)
		}
	}
	return nil
}

// Assemble 装载参考数据并构造 Components 与 Settings。
// 严格 options 解析在 registry（工厂）层进行；此处只传 options 子树。
// 发布器缺少凭据不是错误：Publisher 为空并在 Settings.NoPublishReason 中注明。
func Assemble(ctx context.Context, cfg Config, logger *diag.Logger) (pipeline.Components, pipeline.Settings, error) {
	comp, set, err := assemble(ctx, cfg, logger)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, contract.Fatal(err)
	}
	return comp, set, nil
}

func assemble(ctx context.Context, cfg Config, logger *diag.Logger) (pipeline.Components, pipeline.Settings, error) {
	var (
		comp pipeline.Components
		set  pipeline.Settings
	)
	if err := validateCfg(cfg); err != nil {
		return comp, set, err
	}
	if logger == nil {
		logger = diag.Nop()
	}
	ref, err := refdata.Load(cfg.RefData)
	if err != nil {
		return comp, set, fmt.Errorf("refdata: %w", err)
	}

	d := Defaults().Components
	c := cfg.Components
	o := cfg.Options

	// LLM 客户端与结构化调用
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](ctx, prov.Options)
	if err != nil {
		return comp, set, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}
	pb, err := registry.PromptBuilder[effName(c.PromptBuilder, d.PromptBuilder)](o.PromptBuilder)
	if err != nil {
		return comp, set, fmt.Errorf("prompt_builder: %w", err)
	}
	dec, err := registry.Decoder[effName(c.Decoder, d.Decoder)](o.Decoder)
	if err != nil {
		return comp, set, fmt.Errorf("decoder: %w", err)
	}
	// 限流分组键由 API Key 派生；失败时退化为 provider 名称
	key, derr := rate.DeriveKey(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{key: prov.Limits}, nil)
	completer := invoke.NewCompleter(pb, llm, dec, invoke.Settings{
		MaxRetries: cfg.MaxRetries,
		Backoff:    time.Second,
		Timeouts: map[contract.TaskKind]time.Duration{
			contract.TaskClassify:  seconds(cfg.Timeouts.Classify),
			contract.TaskFilter:    seconds(cfg.Timeouts.Filter),
			contract.TaskSummarize: seconds(cfg.Timeouts.Summary),
		},
		MaxTokens: cfg.MaxTokens,
		Gate:      gate,
		GateKey:   key,
	}, logger)
	env := registry.Env{Ref: ref, Completer: completer}

	if comp.Searcher, err = registry.Searcher[effName(c.Searcher, d.Searcher)](o.Searcher, env); err != nil {
		return comp, set, fmt.Errorf("searcher: %w", err)
	}
	if comp.Fetcher, err = registry.Fetcher[effName(c.Fetcher, d.Fetcher)](o.Fetcher); err != nil {
		return comp, set, fmt.Errorf("fetcher: %w", err)
	}
	if comp.Splitter, err = registry.Splitter[effName(c.Splitter, d.Splitter)](o.Splitter, env); err != nil {
		return comp, set, fmt.Errorf("splitter: %w", err)
	}
	if comp.Classifier, err = registry.Classifier[effName(c.Classifier, d.Classifier)](o.Classifier, env); err != nil {
		return comp, set, fmt.Errorf("classifier: %w", err)
	}
	if fn := effName(c.Filter, d.Filter); fn != None {
		if comp.Filter, err = registry.Filter[fn](o.Filter, env); err != nil {
			return comp, set, fmt.Errorf("filter: %w", err)
		}
	}
	if comp.Summarizer, err = registry.Summarizer[effName(c.Summarizer, d.Summarizer)](o.Summarizer, env); err != nil {
		return comp, set, fmt.Errorf("summarizer: %w", err)
	}
	if comp.Renderer, err = registry.Renderer[effName(c.Renderer, d.Renderer)](o.Renderer); err != nil {
		return comp, set, fmt.Errorf("renderer: %w", err)
	}
	wn := effName(c.Writer, d.Writer)
	wopts := o.Writer
	if wn == "fs" && cfg.OutputDir != "" {
		wopts = withScalar(wopts, "output_dir", cfg.OutputDir)
	}
	if comp.Writer, err = registry.Writer[wn](wopts); err != nil {
		return comp, set, fmt.Errorf("writer: %w", err)
	}

	set.NoPublishReason = publishDisabled(cfg)
	if set.NoPublishReason == "" {
		p, err := registry.Publisher[effName(c.Publisher, d.Publisher)](o.Publisher)
		switch {
		case errors.Is(err, registry.ErrNoPublisher):
			set.NoPublishReason = err.Error()
		case err != nil:
			return comp, set, fmt.Errorf("publisher: %w", err)
		default:
			comp.Publisher = p
		}
	}

	comp.Ref = ref
	set.MaxArticles = cfg.MaxArticles
	set.MaxRetries = cfg.MaxRetries
	set.Backoff = time.Second
	set.SearchTimeout = seconds(cfg.Timeouts.Search)
	set.FetchTimeout = seconds(cfg.Timeouts.Fetch)
	set.PublishTimeout = seconds(cfg.Timeouts.Publish)
	return comp, set, nil
}

// NewPublisher 仅构造发布器（verify-access 子命令使用）。
func NewPublisher(cfg Config) (contract.Publisher, error) {
	name := effName(cfg.Components.Publisher, Defaults().Components.Publisher)
	if name == None {
		return nil, contract.Fatal(errors.New("config: publisher disabled"))
	}
	f := registry.Publisher[name]
	if f == nil {
		return nil, contract.Fatal(fmt.Errorf("config: publisher %q not registered", name))
	}
	p, err := f(cfg.Options.Publisher)
	if err != nil {
		return nil, contract.Fatal(err)
	}
	return p, nil
}

func publishDisabled(cfg Config) string {
	if cfg.Publish != nil && !*cfg.Publish {
		return "publishing disabled"
	}
	if effName(cfg.Components.Publisher, Defaults().Components.Publisher) == None {
		return "publisher set to none"
	}
	return ""
}

// withScalar 返回 mapping 节点副本，并设置 key 为字符串标量（已存在则替换）。
func withScalar(n *yaml.Node, key, val string) *yaml.Node {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if n != nil && n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				continue
			}
			out.Content = append(out.Content, n.Content[i], n.Content[i+1])
		}
	}
	out.Content = append(out.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: val},
	)
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func effName(got, def string) string {
	if s := strings.TrimSpace(got); s != "" {
		return s
	}
	return def
}

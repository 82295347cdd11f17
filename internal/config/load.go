package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "NIST_SENTINEL_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 YAML/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		MaxArticles: 10,
		MaxRetries:  1,
		Timeouts: Timeouts{
			Search:   10,
			Fetch:    20,
			Classify: 60,
			Filter:   60,
			Summary:  90,
			Publish:  60,
		},
		Logging: Logging{Level: "info"},
		Components: Components{
			Searcher:      "catalog",
			Fetcher:       "web",
			Splitter:      "paragraph",
			PromptBuilder: "compliance",
			Decoder:       "llmjson",
			Classifier:    "llm",
			Filter:        "keyword",
			Summarizer:    "llm",
			Renderer:      "markdown",
			Writer:        "fs",
			Publisher:     "github",
		},
	}
}

// LoadDotEnv 读取 .env 注入进程环境；文件不存在时忽略，已有变量不覆盖。
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadYAML 从文件路径或原始 YAML 解析 Config（严格拒绝未知字段）。
// 未出现的 max_retries 保持 -1（未覆盖）。
func LoadYAML(path string, raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量/字符串/options 子树为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if over.MaxArticles != 0 {
		out.MaxArticles = over.MaxArticles
	}
	// MaxRetries 的 0 具有语义（禁用重试）；约定 <0 为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	if s := strings.TrimSpace(over.OutputDir); s != "" {
		out.OutputDir = s
	}
	if over.Publish != nil {
		v := *over.Publish
		out.Publish = &v
	}
	mergeInt(&out.Timeouts.Search, over.Timeouts.Search)
	mergeInt(&out.Timeouts.Fetch, over.Timeouts.Fetch)
	mergeInt(&out.Timeouts.Classify, over.Timeouts.Classify)
	mergeInt(&out.Timeouts.Filter, over.Timeouts.Filter)
	mergeInt(&out.Timeouts.Summary, over.Timeouts.Summary)
	mergeInt(&out.Timeouts.Publish, over.Timeouts.Publish)
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}

	mergeStr(&out.RefData.Facts, over.RefData.Facts)
	mergeStr(&out.RefData.Taxonomy, over.RefData.Taxonomy)
	mergeStr(&out.RefData.Mappings, over.RefData.Mappings)
	mergeStr(&out.RefData.Catalog, over.RefData.Catalog)
	mergeStr(&out.RefData.Fallback, over.RefData.Fallback)
	mergeStr(&out.RefData.Relevance, over.RefData.Relevance)

	// 组件名（空不覆盖）
	c, oc := &out.Components, over.Components
	mergeStr(&c.Searcher, oc.Searcher)
	mergeStr(&c.Fetcher, oc.Fetcher)
	mergeStr(&c.Splitter, oc.Splitter)
	mergeStr(&c.PromptBuilder, oc.PromptBuilder)
	mergeStr(&c.Decoder, oc.Decoder)
	mergeStr(&c.Classifier, oc.Classifier)
	mergeStr(&c.Filter, oc.Filter)
	mergeStr(&c.Summarizer, oc.Summarizer)
	mergeStr(&c.Renderer, oc.Renderer)
	mergeStr(&c.Writer, oc.Writer)
	mergeStr(&c.Publisher, oc.Publisher)

	// Provider（按字段覆盖：空值不覆盖）
	if len(over.Provider) > 0 {
		m := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			m[k] = v
		}
		for k, v := range over.Provider {
			p := m[k]
			mergeStr(&p.Client, v.Client)
			mergeNode(&p.Options, v.Options)
			mergeInt(&p.Limits.RPM, v.Limits.RPM)
			mergeInt(&p.Limits.TPM, v.Limits.TPM)
			mergeInt(&p.Limits.MaxTokensPerReq, v.Limits.MaxTokensPerReq)
			m[k] = p
		}
		out.Provider = m
	}

	// Options（完整替换对应键）
	o, oo := &out.Options, over.Options
	mergeNode(&o.Searcher, oo.Searcher)
	mergeNode(&o.Fetcher, oo.Fetcher)
	mergeNode(&o.Splitter, oo.Splitter)
	mergeNode(&o.PromptBuilder, oo.PromptBuilder)
	mergeNode(&o.Decoder, oo.Decoder)
	mergeNode(&o.Classifier, oo.Classifier)
	mergeNode(&o.Filter, oo.Filter)
	mergeNode(&o.Summarizer, oo.Summarizer)
	mergeNode(&o.Renderer, oo.Renderer)
	mergeNode(&o.Writer, oo.Writer)
	mergeNode(&o.Publisher, oo.Publisher)

	if s := strings.TrimSpace(over.LLM); s != "" {
		out.LLM = s
	}
	return out
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeStr(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}

func mergeNode(dst **yaml.Node, v *yaml.Node) {
	if v != nil {
		*dst = v
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 NIST_SENTINEL_；集合外的键忽略；数值解析失败为配置错误。
// 支持：MAX_ARTICLES, MAX_RETRIES, MAX_TOKENS, OUTPUT_DIR, NO_PUBLISH, LLM, LOG_LEVEL,
// TIMEOUT_<STAGE>, REFDATA_<NAME>, COMPONENTS_<NAME>,
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_YAML
func EnvOverlay(environ []string) (Config, error) {
	over := Config{MaxRetries: -1}
	prov := map[string]Provider{}
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || len(key) == len(EnvPrefix) {
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		if err := applyEnv(&over, prov, nk, val); err != nil {
			return Config{}, fmt.Errorf("env %s: %w", key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func applyEnv(over *Config, prov map[string]Provider, nk, val string) error {
	ints := map[string]*int{
		"MAX_ARTICLES":     &over.MaxArticles,
		"MAX_RETRIES":      &over.MaxRetries,
		"MAX_TOKENS":       &over.MaxTokens,
		"TIMEOUT_SEARCH":   &over.Timeouts.Search,
		"TIMEOUT_FETCH":    &over.Timeouts.Fetch,
		"TIMEOUT_CLASSIFY": &over.Timeouts.Classify,
		"TIMEOUT_FILTER":   &over.Timeouts.Filter,
		"TIMEOUT_SUMMARY":  &over.Timeouts.Summary,
		"TIMEOUT_PUBLISH":  &over.Timeouts.Publish,
	}
	strs := map[string]*string{
		"OUTPUT_DIR":                &over.OutputDir,
		"LLM":                       &over.LLM,
		"LOG_LEVEL":                 &over.Logging.Level,
		"REFDATA_FACTS":             &over.RefData.Facts,
		"REFDATA_TAXONOMY":          &over.RefData.Taxonomy,
		"REFDATA_MAPPINGS":          &over.RefData.Mappings,
		"REFDATA_CATALOG":           &over.RefData.Catalog,
		"REFDATA_FALLBACK":          &over.RefData.Fallback,
		"REFDATA_RELEVANCE":         &over.RefData.Relevance,
		"COMPONENTS_SEARCHER":       &over.Components.Searcher,
		"COMPONENTS_FETCHER":        &over.Components.Fetcher,
		"COMPONENTS_SPLITTER":       &over.Components.Splitter,
		"COMPONENTS_PROMPT_BUILDER": &over.Components.PromptBuilder,
		"COMPONENTS_DECODER":        &over.Components.Decoder,
		"COMPONENTS_CLASSIFIER":     &over.Components.Classifier,
		"COMPONENTS_FILTER":         &over.Components.Filter,
		"COMPONENTS_SUMMARIZER":     &over.Components.Summarizer,
		"COMPONENTS_RENDERER":       &over.Components.Renderer,
		"COMPONENTS_WRITER":         &over.Components.Writer,
		"COMPONENTS_PUBLISHER":      &over.Components.Publisher,
	}
	if p, ok := ints[nk]; ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
	if p, ok := strs[nk]; ok {
		*p = val
		return nil
	}
	if nk == "NO_PUBLISH" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		pub := !b
		over.Publish = &pub
		return nil
	}
	// provider.* 路径：PROVIDER__name__FIELD
	rest, ok := strings.CutPrefix(nk, "PROVIDER__")
	if !ok {
		return nil
	}
	name, field, ok := strings.Cut(rest, "__")
	if !ok || name == "" {
		return nil
	}
	p := prov[name]
	switch field {
	case "CLIENT":
		p.Client = val
	case "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		switch field {
		case "LIMITS_RPM":
			p.Limits.RPM = n
		case "LIMITS_TPM":
			p.Limits.TPM = n
		default:
			p.Limits.MaxTokensPerReq = n
		}
	case "OPTIONS_YAML":
		var doc yaml.Node
		if err := yaml.Unmarshal([]byte(val), &doc); err != nil {
			return err
		}
		if len(doc.Content) > 0 {
			p.Options = doc.Content[0]
		}
	default:
		return nil
	}
	prov[name] = p
	return nil
}

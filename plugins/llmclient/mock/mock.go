package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"nistsentinel/pkg/contract"
)

// Options: 离线联调配置。
type Options struct {
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `yaml:"api_key"`
	// Fail: 总是以 ErrRateLimited 失败的任务类型（classify/summarize/filter），用于降级路径联调。
	Fail []string `yaml:"fail" validate:"dive,oneof=classify summarize filter"`
	// Summary: 覆盖默认执行摘要文本。
	Summary string `yaml:"summary"`
}

// DefaultSummary: 默认执行摘要（不含出版物编号，避免干扰报告自检）。
const DefaultSummary = "Recent NIST guidance raises the bar for secure software development and software supply chain assurance. " +
	"Development organizations should review the mapped controls below and fold the required practices into their SDLC."

// Client: 由 Prompt 携带的 schema 判断任务类型并返回确定性 JSON。
type Client struct {
	fail    map[string]bool
	summary string
}

func New(opts *Options) *Client {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	c := &Client{fail: map[string]bool{}, summary: o.Summary}
	for _, k := range o.Fail {
		c.fail[strings.ToLower(k)] = true
	}
	if c.summary == "" {
		c.summary = DefaultSummary
	}
	return c
}

var (
	re53   = regexp.MustCompile(`\b[A-Z]{2}-\d{1,2}\b`)
	re171  = regexp.MustCompile(`\b3\.\d{1,2}\.\d{1,2}\b`)
	reSSDF = regexp.MustCompile(`\b(?:PO|PS|PW|RV)\.\d\b`)
	reID   = regexp.MustCompile(`(?m)^- id: (\S+) \|`)
)

func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return contract.Raw{}, fmt.Errorf("mock: prompt type %T: %w", p, contract.ErrInvalidInput)
	}
	kind := taskOf(cp.Schema())
	if c.fail[kind] {
		return contract.Raw{}, fmt.Errorf("mock %s: %w", kind, contract.ErrRateLimited)
	}
	user := userText(cp)
	var out any
	switch kind {
	case "classify":
		out = classify(between(user, "<passage>", "</passage>"))
	case "summarize":
		out = map[string]string{"summary": c.summary}
	case "filter":
		ids := []string{}
		for _, m := range reID.FindAllStringSubmatch(user, -1) {
			ids = append(ids, m[1])
		}
		out = map[string][]string{"relevant": ids}
	default:
		return contract.Raw{Text: "MOCK: " + user}, nil
	}
	b, _ := json.Marshal(out)
	return contract.Raw{Text: string(b)}, nil
}

type candidate struct {
	Catalog    string `json:"catalog"`
	Identifier string `json:"identifier"`
	Rationale  string `json:"rationale"`
}

// classify 将段落中出现的控制项编号原样作为候选（不做白名单过滤）。
func classify(passage string) map[string][]candidate {
	out := []candidate{}
	seen := map[string]bool{}
	add := func(catalog string, ids []string) {
		for _, id := range ids {
			if seen[catalog+id] {
				continue
			}
			seen[catalog+id] = true
			out = append(out, candidate{Catalog: catalog, Identifier: id, Rationale: "Passage references " + id + "."})
		}
	}
	add("SP800-53", re53.FindAllString(passage, -1))
	add("SP800-171", re171.FindAllString(passage, -1))
	add("SSDF", reSSDF.FindAllString(passage, -1))
	return map[string][]candidate{"candidates": out}
}

// taskOf 依据 schema 顶层属性名识别任务类型。
func taskOf(schema string) string {
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if json.Unmarshal([]byte(schema), &s) != nil {
		return ""
	}
	switch {
	case s.Properties["candidates"] != nil:
		return "classify"
	case s.Properties["summary"] != nil:
		return "summarize"
	case s.Properties["relevant"] != nil:
		return "filter"
	}
	return ""
}

func userText(cp contract.ChatPrompt) string {
	for _, m := range cp {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

func between(s, open, close string) string {
	i := strings.Index(s, open)
	if i < 0 {
		return s
	}
	s = s[i+len(open):]
	if j := strings.Index(s, close); j >= 0 {
		s = s[:j]
	}
	return s
}

var _ contract.LLMClient = (*Client)(nil)

package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"nistsentinel/internal/refdata"
	"nistsentinel/pkg/contract"
	cllm "nistsentinel/plugins/classifier/llm"
	"nistsentinel/plugins/decoder/llmjson"
	fbr "nistsentinel/plugins/fetcher/browser"
	ffs "nistsentinel/plugins/fetcher/filesystem"
	"nistsentinel/plugins/fetcher/web"
	fkw "nistsentinel/plugins/filter/keyword"
	fllm "nistsentinel/plugins/filter/llm"
	"nistsentinel/plugins/llmclient/flaky"
	gmi "nistsentinel/plugins/llmclient/gemini"
	"nistsentinel/plugins/llmclient/mock"
	oai "nistsentinel/plugins/llmclient/openai"
	"nistsentinel/plugins/prompt/compliance"
	ghp "nistsentinel/plugins/publisher/github"
	"nistsentinel/plugins/render/markdown"
	"nistsentinel/plugins/searcher/catalog"
	"nistsentinel/plugins/splitter/paragraph"
	sllm "nistsentinel/plugins/summarizer/llm"
	wfs "nistsentinel/plugins/writer/filesystem"
)

var validate = validator.New()

// strictDecode: 以 KnownFields 严格解码 options 子树并执行 validate 标签；nil 节点保持零值（默认选项）。
func strictDecode(node *yaml.Node, v any) error {
	if node != nil && node.Kind != 0 {
		if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
			return validate.Struct(v)
		}
		raw, err := yaml.Marshal(node)
		if err != nil {
			return err
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil {
			return err
		}
	}
	return validate.Struct(v)
}

// Env: 工厂所需的运行期依赖。Ref 为参考数据；Completer 仅 LLM 类组件使用。
type Env struct {
	Ref       *refdata.Bundle
	Completer contract.Completer
}

func (e Env) ref(comp string) (*refdata.Bundle, error) {
	if e.Ref == nil {
		return nil, fmt.Errorf("%s: reference data not loaded: %w", comp, contract.ErrInvalidInput)
	}
	return e.Ref, nil
}

// 工厂签名：接收 options 子树（可为 nil）。
type (
	NewSearcher      func(node *yaml.Node, env Env) (contract.Searcher, error)
	NewFetcher       func(node *yaml.Node) (contract.PageFetcher, error)
	NewSplitter      func(node *yaml.Node, env Env) (contract.Splitter, error)
	NewPromptBuilder func(node *yaml.Node) (contract.PromptBuilder, error)
	NewLLMClient     func(ctx context.Context, node *yaml.Node) (contract.LLMClient, error)
	NewDecoder       func(node *yaml.Node) (contract.Decoder, error)
	NewClassifier    func(node *yaml.Node, env Env) (contract.Classifier, error)
	NewFilter        func(node *yaml.Node, env Env) (contract.RelevanceFilter, error)
	NewSummarizer    func(node *yaml.Node, env Env) (contract.Summarizer, error)
	NewRenderer      func(node *yaml.Node) (contract.Renderer, error)
	NewWriter        func(node *yaml.Node) (contract.Writer, error)
	NewPublisher     func(node *yaml.Node) (contract.Publisher, error)
)

// Searcher 工厂注册表（显式、零反射）。
var Searcher = map[string]NewSearcher{
	// catalog: 内嵌检索目录
	"catalog": func(node *yaml.Node, env Env) (contract.Searcher, error) {
		var opts catalog.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		ref, err := env.ref("searcher")
		if err != nil {
			return nil, err
		}
		return catalog.New(ref.Catalog, &opts)
	},
}

// Fetcher 工厂注册表。
var Fetcher = map[string]NewFetcher{
	// web: HTTP GET + 礼貌限速
	"web": func(node *yaml.Node) (contract.PageFetcher, error) {
		var opts web.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return web.New(&opts), nil
	},
	// browser: 无头浏览器渲染
	"browser": func(node *yaml.Node) (contract.PageFetcher, error) {
		var opts fbr.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return fbr.New(&opts), nil
	},
	// fs: 本地镜像目录（离线/测试）
	"fs": func(node *yaml.Node) (contract.PageFetcher, error) {
		var opts ffs.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return ffs.New(&opts)
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	"paragraph": func(node *yaml.Node, env Env) (contract.Splitter, error) {
		var opts paragraph.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		var stems []string
		if env.Ref != nil {
			stems = env.Ref.Stems
		}
		return paragraph.New(stems, &opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	"compliance": func(node *yaml.Node) (contract.PromptBuilder, error) {
		var opts compliance.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return compliance.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(_ context.Context, node *yaml.Node) (contract.LLMClient, error) {
		var opts oai.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return oai.New(&opts)
	},
	"gemini": func(ctx context.Context, node *yaml.Node) (contract.LLMClient, error) {
		var opts gmi.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return gmi.New(ctx, &opts)
	},
	// mock: 离线确定性客户端
	"mock": func(_ context.Context, node *yaml.Node) (contract.LLMClient, error) {
		var opts mock.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return mock.New(&opts), nil
	},
	// flaky: 按 script 注入故障，用于重试与降级路径联调
	"flaky": func(_ context.Context, node *yaml.Node) (contract.LLMClient, error) {
		var opts flaky.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return flaky.New(&opts), nil
	},
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	"llmjson": func(node *yaml.Node) (contract.Decoder, error) {
		var opts llmjson.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return llmjson.New(&opts), nil
	},
}

// Classifier 工厂注册表。
var Classifier = map[string]NewClassifier{
	"llm": func(node *yaml.Node, env Env) (contract.Classifier, error) {
		var opts cllm.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return cllm.New(env.Completer, &opts)
	},
}

// Filter 工厂注册表。
var Filter = map[string]NewFilter{
	// keyword: 参考数据词干 + 排除表
	"keyword": func(node *yaml.Node, env Env) (contract.RelevanceFilter, error) {
		var opts fkw.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		var rel refdata.Relevance
		if env.Ref != nil {
			rel = env.Ref.Relevance
		}
		return fkw.New(rel, &opts), nil
	},
	"llm": func(node *yaml.Node, env Env) (contract.RelevanceFilter, error) {
		var opts struct{}
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return fllm.New(env.Completer)
	},
}

// Summarizer 工厂注册表。
var Summarizer = map[string]NewSummarizer{
	"llm": func(node *yaml.Node, env Env) (contract.Summarizer, error) {
		var opts struct{}
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return sllm.New(env.Completer)
	},
}

// Renderer 工厂注册表。
var Renderer = map[string]NewRenderer{
	"markdown": func(node *yaml.Node) (contract.Renderer, error) {
		var opts markdown.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return markdown.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	"fs": func(node *yaml.Node) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Publisher 工厂注册表。未配置令牌时返回 ErrNoPublisher（调用方跳过发布）。
var Publisher = map[string]NewPublisher{
	"github": func(node *yaml.Node) (contract.Publisher, error) {
		var opts ghp.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		p, err := ghp.New(&opts)
		if errors.Is(err, ghp.ErrNoToken) {
			return nil, fmt.Errorf("%w: %v", ErrNoPublisher, err)
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	},
}

// ErrNoPublisher: 发布器缺少凭据，本次运行不发布。
var ErrNoPublisher = errors.New("publisher not available")

// AccessVerifier 由支持预检的发布器实现（verify-access 子命令）。
type AccessVerifier interface {
	VerifyAccess(ctx context.Context) error
	Repo() string
}

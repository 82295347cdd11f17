package config

import (
	"gopkg.in/yaml.v3"

	"nistsentinel/internal/rate"
	"nistsentinel/internal/refdata"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// MaxArticles: 检索条数上限（top-N）。
	MaxArticles int `yaml:"max_articles" validate:"gte=1,lte=50"`
	// MaxRetries: 每个外部调用点的最大重试次数。0 表示不重试；-1 仅用于覆盖层表示“未设置”。
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=1"`
	// MaxTokens: 单次 LLM 请求的 token 预算；0 关闭预算检查。
	MaxTokens int `yaml:"max_tokens" validate:"gte=0"`
	// OutputDir: 覆盖 fs writer 的 output_dir。
	OutputDir string `yaml:"output_dir"`
	// Publish: 是否以 PR 发布报告；nil 视为 true。
	Publish  *bool    `yaml:"publish"`
	Timeouts Timeouts `yaml:"timeouts"`
	Logging  Logging  `yaml:"logging"`

	// RefData: 参考数据覆盖路径（空串使用内嵌数据）。
	RefData refdata.Paths `yaml:"refdata"`

	// 组件名选择（空则使用默认名）。
	Components Components `yaml:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `yaml:"llm"`
	Provider map[string]Provider `yaml:"provider" validate:"dive"`

	// 各组件 options 子树，原样传入工厂严格解码。
	Options Options `yaml:"options"`
}

// Timeouts: 各调用点的超时（秒）。
type Timeouts struct {
	Search   int `yaml:"search" validate:"gt=0"`
	Fetch    int `yaml:"fetch" validate:"gt=0"`
	Classify int `yaml:"classify" validate:"gt=0"`
	Filter   int `yaml:"filter" validate:"gt=0"`
	Summary  int `yaml:"summary" validate:"gt=0"`
	Publish  int `yaml:"publish" validate:"gt=0"`
}

// Logging: 仅日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Components: 组件名选择（注册表中的实现名）。filter/publisher 可取 "none" 关闭。
type Components struct {
	Searcher      string `yaml:"searcher"`
	Fetcher       string `yaml:"fetcher"`
	Splitter      string `yaml:"splitter"`
	PromptBuilder string `yaml:"prompt_builder"`
	Decoder       string `yaml:"decoder"`
	Classifier    string `yaml:"classifier"`
	Filter        string `yaml:"filter"`
	Summarizer    string `yaml:"summarizer"`
	Renderer      string `yaml:"renderer"`
	Writer        string `yaml:"writer"`
	Publisher     string `yaml:"publisher"`
}

// None: 可选组件的关闭名。
const None = "none"

// Options: 各组件的原样 options 子树；nil 表示使用默认选项。
type Options struct {
	Searcher      *yaml.Node `yaml:"searcher"`
	Fetcher       *yaml.Node `yaml:"fetcher"`
	Splitter      *yaml.Node `yaml:"splitter"`
	PromptBuilder *yaml.Node `yaml:"prompt_builder"`
	Decoder       *yaml.Node `yaml:"decoder"`
	Classifier    *yaml.Node `yaml:"classifier"`
	Filter        *yaml.Node `yaml:"filter"`
	Summarizer    *yaml.Node `yaml:"summarizer"`
	Renderer      *yaml.Node `yaml:"renderer"`
	Writer        *yaml.Node `yaml:"writer"`
	Publisher     *yaml.Node `yaml:"publisher"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string      `yaml:"client"`
	Options *yaml.Node  `yaml:"options"`
	Limits  rate.Limits `yaml:"limits"`
}

package gemini

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"nistsentinel/pkg/contract"
)

// Options: Gemini（genai SDK）客户端配置。
type Options struct {
	Model       string   `yaml:"model"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Temperature *float32 `yaml:"temperature"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
}

type Client struct {
	models *genai.Models
	model  string
	temp   *float32
}

// New 构造客户端；缺少 API Key 返回 ErrFatalConfiguration。
func New(ctx context.Context, opts *Options) (*Client, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	key := o.APIKey
	if key == "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	if key == "" {
		return nil, contract.Fatal(fmt.Errorf("gemini: missing api key (%s)", o.APIKeyEnv))
	}
	cfg := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	if o.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: o.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, contract.Fatal(fmt.Errorf("gemini: create client: %w", err))
	}
	return &Client{models: client.Models, model: o.Model, temp: o.Temperature}, nil
}

// split 将 ChatPrompt 拆为 system 指令、会话内容与 schema。
// Gemini 只接受 user/model 角色：assistant → model，其余 → user。
func split(p contract.Prompt) (sys string, contents []*genai.Content, schema string, err error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		return "", []*genai.Content{genai.NewContentFromText(string(v), genai.RoleUser)}, "", nil
	case contract.ChatPrompt:
		var sb []string
		for _, m := range v {
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case contract.RoleSchema:
				schema = m.Content
			case "system":
				sb = append(sb, m.Content)
			case "assistant", "model":
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			default:
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
			}
		}
		return strings.Join(sb, "\n\n"), contents, schema, nil
	default:
		return "", nil, "", fmt.Errorf("gemini: prompt type %T: %w", p, contract.ErrInvalidInput)
	}
}

func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	sys, contents, schema, err := split(p)
	if err != nil {
		return contract.Raw{}, err
	}
	if len(contents) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: %w: no user content", contract.ErrInvalidInput)
	}
	cfg := &genai.GenerateContentConfig{Temperature: c.temp}
	if schema != "" {
		// JSON 模式：schema 以文本形式附在 system 指令尾部，由解码器负责校验
		cfg.ResponseMIMEType = "application/json"
		sys = strings.TrimSpace(sys + "\n\nOutput JSON Schema:\n" + schema)
	}
	if sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return contract.Raw{}, mapError(ctx, err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return contract.Raw{}, fmt.Errorf("gemini: empty candidates: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: text}, nil
}

// mapError 将 SDK 错误映射到统一分类（429 限流、408/5xx 网络、其余非法输入）。
func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ae genai.APIError
	if errors.As(err, &ae) {
		return contract.StatusError("gemini", ae.Code, []byte(ae.Message))
	}
	return err
}

var _ contract.LLMClient = (*Client)(nil)

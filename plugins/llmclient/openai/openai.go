package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"nistsentinel/pkg/contract"
)

// Options: OpenAI 兼容 Chat Completions 客户端配置。
type Options struct {
	BaseURL        string   `yaml:"base_url"`
	Model          string   `yaml:"model"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	APIKey         string   `yaml:"api_key"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
	Temperature    *float64 `yaml:"temperature"`
	// 兼容服务：EndpointPath 可为完整 URL；ExtraHeaders 追加/覆盖请求头。
	EndpointPath       string            `yaml:"endpoint_path"`
	DisableDefaultAuth bool              `yaml:"disable_default_auth"`
	ExtraHeaders       map[string]string `yaml:"extra_headers"`
}

// DefaultModel: 未配置模型时使用。
const DefaultModel = "gpt-4o-mini"

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	url         string
	apiKey      string
	model       string
	temp        *float64
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 构造客户端；缺少 API Key 返回 ErrFatalConfiguration。
func New(opts *Options) (*Client, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	key := o.APIKey
	if key == "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	if key == "" && !o.DisableDefaultAuth {
		return nil, contract.Fatal(fmt.Errorf("openai: missing api key (%s)", o.APIKeyEnv))
	}
	u := o.EndpointPath
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = strings.TrimRight(o.BaseURL, "/") + "/" + strings.TrimLeft(o.EndpointPath, "/")
	}
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Client{
		url:         u,
		apiKey:      key,
		model:       o.Model,
		temp:        o.Temperature,
		extraH:      o.ExtraHeaders,
		disableAuth: o.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

type request struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// encode 将 Prompt 转为请求体；json_schema 消息转为 response_format（strict）。
func (c *Client) encode(p contract.Prompt) ([]byte, error) {
	req := request{Model: c.model, Temperature: c.temp}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []message{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		for _, m := range v {
			if m.Role == contract.RoleSchema {
				if json.Valid([]byte(m.Content)) {
					req.ResponseFormat = &responseFormat{Type: "json_schema", JSONSchema: &jsonSchema{
						Name: "nistsentinel_output", Schema: json.RawMessage(m.Content), Strict: true,
					}}
				}
				continue
			}
			req.Messages = append(req.Messages, message{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, fmt.Errorf("openai: prompt type %T: %w", p, contract.ErrInvalidInput)
	}
	return json.Marshal(&req)
}

// Invoke 单次同步调用。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encode(p)
	if err != nil {
		return contract.Raw{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return contract.Raw{}, ctx.Err()
			}
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, contract.StatusError("openai", resp.StatusCode, slurp)
	}
	var or response
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return contract.Raw{}, fmt.Errorf("openai decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return contract.Raw{}, fmt.Errorf("openai: empty choices: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}

var _ contract.LLMClient = (*Client)(nil)

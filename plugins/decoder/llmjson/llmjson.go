package llmjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"nistsentinel/pkg/contract"
)

// Options: 解码宽松度。
type Options struct {
	// MaxBytes: 响应体上限（字节）。
	MaxBytes int `yaml:"max_bytes" validate:"gte=0"`
	// StripFences: 去掉 ```json 围栏（部分模型在 JSON 模式下仍会输出）。
	StripFences *bool `yaml:"strip_fences"`
}

func (o *Options) defaults() {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 1 << 20
	}
	if o.StripFences == nil {
		t := true
		o.StripFences = &t
	}
}

// Decoder: JSON Schema 校验 → 严格解码（拒绝未知字段）→ 结构体标签校验。
// LLM 输出视为不可信输入；任何一步失败都返回包装 ErrResponseInvalid 的错误。
type Decoder struct {
	maxBytes int
	strip    bool
	validate *validator.Validate

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// New 构造解码器。
func New(opts *Options) *Decoder {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Decoder{
		maxBytes: o.MaxBytes,
		strip:    *o.StripFences,
		validate: validator.New(),
		compiled: map[string]*jsonschema.Schema{},
	}
}

func (d *Decoder) Decode(ctx context.Context, raw contract.Raw, schema string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := strings.TrimSpace(raw.Text)
	if d.strip {
		text = stripFences(text)
	}
	if text == "" {
		return fmt.Errorf("empty response: %w", contract.ErrResponseInvalid)
	}
	if len(text) > d.maxBytes {
		return fmt.Errorf("response %d bytes exceeds %d: %w", len(text), d.maxBytes, contract.ErrResponseInvalid)
	}

	if schema != "" {
		sch, err := d.schema(schema)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return fmt.Errorf("parse json: %v: %w", err, contract.ErrResponseInvalid)
		}
		if err := sch.Validate(doc); err != nil {
			return fmt.Errorf("schema: %v: %w", err, contract.ErrResponseInvalid)
		}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if isStruct(v) {
		if err := d.validate.Struct(v); err != nil {
			return fmt.Errorf("validate: %v: %w", err, contract.ErrResponseInvalid)
		}
	}
	return nil
}

// schema 编译并缓存；schema 本身非法属于调用方错误（ErrInvalidInput，不重试）。
func (d *Decoder) schema(src string) (*jsonschema.Schema, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.compiled[src]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://nistsentinel.local/schema/%d.json", len(d.compiled))
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("schema load: %v: %w", err, contract.ErrInvalidInput)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile: %v: %w", err, contract.ErrInvalidInput)
	}
	d.compiled[src] = s
	return s, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func isStruct(v any) bool {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t != nil && t.Kind() == reflect.Struct
}

var _ contract.Decoder = (*Decoder)(nil)

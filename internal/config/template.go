package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TemplateYAML: init-config 生成的默认配置。
// 使用 mock LLM（离线可运行）；各组件 options 列出全部键，值为中性默认。
const TemplateYAML = `# nistsentinel configuration (generated by init-config)
# Precedence: CLI flags > environment (NIST_SENTINEL_*, .env) > this file > built-in defaults.

max_articles: 10        # top-N publications to process (1..50)
max_retries: 1          # retries per external call (0..1)
max_tokens: 0           # per-request token budget; 0 disables the check
output_dir: output
publish: true           # open a pull request when a GitHub token is available

timeouts:               # seconds, per call site
  search: 10
  fetch: 20
  classify: 60
  filter: 60
  summary: 90
  publish: 60

logging:
  level: info           # debug | info | warn | error

# Reference data overrides; empty uses the embedded copies.
refdata:
  facts: ""
  taxonomy: ""
  mappings: ""
  catalog: ""
  fallback: ""
  relevance: ""

components:
  searcher: catalog
  fetcher: web          # web | browser | fs
  splitter: paragraph
  prompt_builder: compliance
  decoder: llmjson
  classifier: llm
  filter: keyword       # keyword | llm | none
  summarizer: llm
  renderer: markdown
  writer: fs
  publisher: github     # github | none

llm: mock

provider:
  mock:
    client: mock
    options:
      api_key: ""
      fail: []
      summary: ""
    limits: {rpm: 60, tpm: 100000, max_tokens_per_req: 0}
  openai:
    client: openai
    options:
      base_url: ""
      model: gpt-4o-mini
      api_key_env: OPENAI_API_KEY
      api_key: ""
      timeout_seconds: 60
      temperature: null
      endpoint_path: ""
      disable_default_auth: false
      extra_headers: {}
    limits: {rpm: 60, tpm: 200000, max_tokens_per_req: 0}
  gemini:
    client: gemini
    options:
      model: gemini-2.5-flash
      api_key_env: GOOGLE_API_KEY
      api_key: ""
      base_url: ""
      temperature: null
    limits: {rpm: 15, tpm: 250000, max_tokens_per_req: 0}

options:
  searcher:
    since: ""
    include_drafts: true
  fetcher:
    user_agent: ""
    timeout_seconds: 10
    max_bytes: 2097152
    requests_per_second: 2
    burst: 1
  splitter:
    stems: []
    max_passages: 8
    max_passage_bytes: 2000
    min_passage_bytes: 40
  prompt_builder:
    inline_system_template: ""
    system_template_path: ""
    max_content_bytes: 300
  decoder:
    max_bytes: 65536
    strip_fences: true
  classifier:
    max_candidates: 20
  filter:
    stems: []
    exclude: []
  renderer:
    footer: ""
  writer:
    atomic: true
    buf_size: 65536
  publisher:
    repo: AhsenMahmood/nist-compliance-sentinel
    base_branch: main
    token_env: GITHUB_TOKEN
    dir: summaries
    timeout_seconds: 30
    draft: false
`

// DotEnvTemplate: init-config 生成的 .env 模板。
const DotEnvTemplate = `# nistsentinel .env template (generated by init-config)
# Existing environment variables take precedence over this file.

# Config source (either one)
NIST_SENTINEL_CONFIG_FILE=
NIST_SENTINEL_CONFIG_YAML=

# Run overrides
NIST_SENTINEL_MAX_ARTICLES=
NIST_SENTINEL_MAX_RETRIES=
NIST_SENTINEL_OUTPUT_DIR=
NIST_SENTINEL_NO_PUBLISH=
NIST_SENTINEL_LLM=
NIST_SENTINEL_LOG_LEVEL=

# Component selection
NIST_SENTINEL_COMPONENTS_FETCHER=
NIST_SENTINEL_COMPONENTS_FILTER=
NIST_SENTINEL_COMPONENTS_PUBLISHER=

# Provider overrides (openai)
NIST_SENTINEL_PROVIDER__openai__LIMITS_RPM=
NIST_SENTINEL_PROVIDER__openai__LIMITS_TPM=
NIST_SENTINEL_PROVIDER__openai__OPTIONS_YAML=

# Credentials
OPENAI_API_KEY=
GOOGLE_API_KEY=
GITHUB_TOKEN=
`

// WriteTemplates 在 dir 下生成 config.yaml 与 .env；已存在的文件跳过，不覆盖。
// 返回实际写出的路径。
func WriteTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for _, f := range []struct{ name, body string }{
		{"config.yaml", TemplateYAML},
		{".env", DotEnvTemplate},
	} {
		p := filepath.Join(dir, f.name)
		ok, err := writeNew(p, f.body)
		if err != nil {
			return written, fmt.Errorf("write %s: %w", p, err)
		}
		if ok {
			written = append(written, p)
		}
	}
	return written, nil
}

func writeNew(path, body string) (bool, error) {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := fh.WriteString(body); err != nil {
		_ = fh.Close()
		return false, err
	}
	return true, fh.Close()
}

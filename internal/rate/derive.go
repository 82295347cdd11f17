package rate

import (
	"crypto/sha256"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeriveKey 由 LLM 客户端名与其 options 子树（api_key / api_key_env）派生限流分组键：client:sha256(key)。
// mock/flaky 未给 key 时使用内置调试键。
func DeriveKey(client string, opts *yaml.Node) (LimitKey, error) {
	var o struct {
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	}
	if opts != nil && opts.Kind != 0 {
		if err := opts.Decode(&o); err != nil {
			return "", fmt.Errorf("rate: options for %s: %w", client, err)
		}
	}
	key := o.APIKey
	if key == "" {
		env := o.APIKeyEnv
		if env == "" {
			env = defaultKeyEnv[client]
		}
		if env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}

var defaultKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GOOGLE_API_KEY",
}

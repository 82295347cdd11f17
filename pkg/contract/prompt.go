package contract

// Prompt: 不透明载荷，由具体 Builder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状。
// Role 为 "json_schema" 的消息承载期望输出的 JSON Schema，由客户端抽取为结构化输出约束。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷。
type ChatPrompt []Message

// RoleSchema: 携带 JSON Schema 的伪角色名。
const RoleSchema = "json_schema"

// Schema 返回 Prompt 中携带的 JSON Schema（若有）。
func (p ChatPrompt) Schema() string {
	for _, m := range p {
		if m.Role == RoleSchema {
			return m.Content
		}
	}
	return ""
}

// TokenEstimator: 文本→token 的近似估算函数。
type TokenEstimator func(s string) int

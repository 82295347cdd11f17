package prompt

import "nistsentinel/pkg/contract"

// DefaultBytesPerToken: 未配置时的字节/令牌比。
const DefaultBytesPerToken = 4

// MakeEstimator 返回近似估算器：tokens ≈ ceil(bytes/bytesPerToken)；bytesPerToken<=0 取默认值。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = DefaultBytesPerToken
	}
	return func(s string) int {
		if len(s) == 0 {
			return 0
		}
		return (len(s) + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 预扣提示词固定开销后的有效预算，返回 (effectiveMax, overhead)。
// maxTokens<=0 表示关闭预算，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	overhead := pb.EstimateOverheadTokens(MakeEstimator(bytesPerToken))
	return maxTokens - overhead, overhead
}

// PromptTokens 按 Prompt 实际文本（含 system 与 schema 消息）估算请求规模，用于限流申请。
func PromptTokens(p contract.Prompt, bytesPerToken int) int {
	est := MakeEstimator(bytesPerToken)
	switch v := p.(type) {
	case contract.TextPrompt:
		return est(string(v))
	case contract.ChatPrompt:
		n := 0
		for _, m := range v {
			n += est(m.Content)
		}
		return n
	default:
		return 0
	}
}

package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"nistsentinel/pkg/contract"
)

type stubPB struct{ overhead int }

func (s *stubPB) Build(context.Context, contract.Task) (contract.Prompt, error) { return nil, nil }
func (s *stubPB) Schema(contract.TaskKind) string                               { return "" }
func (s *stubPB) EstimateOverheadTokens(contract.TokenEstimator) int            { return s.overhead }

// UT-PRM-01: 默认估算器
func TestMakeEstimatorDefault(t *testing.T) {
	est := MakeEstimator(0)
	assert.Equal(t, 2, est("abcdef"))
	assert.Equal(t, 0, est(""))
	assert.Equal(t, 3, MakeEstimator(2)("abcde"))
}

// UT-PRM-02: 关闭预算
func TestEffectiveMaxTokensZero(t *testing.T) {
	eff, over := EffectiveMaxTokens(&stubPB{overhead: 7}, 0, 0)
	assert.Equal(t, 0, eff)
	assert.Equal(t, 0, over)
}

// UT-PRM-03: 预扣固定开销
func TestEffectiveMaxTokensOverhead(t *testing.T) {
	eff, over := EffectiveMaxTokens(&stubPB{overhead: 5}, 4, 10)
	assert.Equal(t, 5, eff)
	assert.Equal(t, 5, over)
}

// UT-PRM-04: 按 Prompt 内容估算
func TestPromptTokens(t *testing.T) {
	cp := contract.ChatPrompt{{Role: "system", Content: "abcd"}, {Role: contract.RoleSchema, Content: "abcdefgh"}}
	assert.Equal(t, 3, PromptTokens(cp, 4))
	assert.Equal(t, 1, PromptTokens(contract.TextPrompt("abc"), 4))
	assert.Equal(t, 0, PromptTokens(42, 4))
}

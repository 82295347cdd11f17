package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"nistsentinel/pkg/contract"
)

// UT-RTE-01: 超过 RPM 时拒绝，时间推进后回填
func TestGateTryLimit(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1, TPM: 10, MaxTokensPerReq: 5}}, clk)
	require.True(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}))
	assert.False(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}))
	now = now.Add(time.Minute)
	assert.True(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}))
	assert.True(t, g.Try(Ask{Key: "other", Requests: 100, Tokens: 1 << 20}))
}

// UT-RTE-02: 取消上下文
func TestGateWaitCancel(t *testing.T) {
	now := time.Unix(0, 0)
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1}}, func() time.Time { return now })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx, Ask{Key: "k", Requests: 2})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// UT-RTE-03: 单请求上限与非法申请
func TestGateWaitRejects(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {MaxTokensPerReq: 5}}, nil)
	err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 6})
	assert.True(t, errors.Is(err, contract.ErrBudgetExceeded))
	err = g.Wait(context.Background(), Ask{Key: "k", Requests: 0})
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
	require.NoError(t, g.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 5}))
}

func TestSnapshot(t *testing.T) {
	now := time.Unix(0, 0)
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 6, TPM: 60}}, func() time.Time { return now })
	require.True(t, g.Try(Ask{Key: "k", Requests: 2, Tokens: 30}))
	r, tk := g.(Snapshoter).Snapshot("k")
	assert.Equal(t, 4, r)
	assert.Equal(t, 30, tk)
}

// UT-RTE-04: 分组键派生
func TestDeriveKey(t *testing.T) {
	t.Setenv("TEST_KEY", "abc")
	var n yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("api_key_env: TEST_KEY\nmodel: x\n"), &n))
	k1, err := DeriveKey("openai", n.Content[0])
	require.NoError(t, err)
	assert.Contains(t, string(k1), "openai:")

	t.Setenv("OPENAI_API_KEY", "abc")
	k2, err := DeriveKey("openai", nil)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	t.Setenv("GOOGLE_API_KEY", "")
	_, err = DeriveKey("gemini", nil)
	assert.Error(t, err)

	k3, err := DeriveKey("mock", nil)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nistsentinel/pkg/contract"
)

type stubCompleter struct {
	out string
	err error
}

func (s stubCompleter) Complete(_ context.Context, t contract.Task, v any) error {
	if t.Kind != contract.TaskFilter || len(t.Records) == 0 {
		return contract.ErrInvalidInput
	}
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.out), v)
}

var recs = []contract.PublicationRecord{{ID: "800-218"}, {ID: "800-210"}, {ID: "800-53"}}

// UT-FLL-01: 按响应选取并保持输入顺序，未知编号忽略
func TestFilter(t *testing.T) {
	f, err := New(stubCompleter{out: `{"relevant":["800-53","800-218","800-000"]}`})
	require.NoError(t, err)
	got, err := f.Filter(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, contract.PublicationID("800-218"), got[0].ID)
	assert.Equal(t, contract.PublicationID("800-53"), got[1].ID)
}

// UT-FLL-02: 调用失败时保留全部记录并返回错误
func TestFilterFailureKeepsAll(t *testing.T) {
	f, _ := New(stubCompleter{err: contract.ErrRateLimited})
	got, err := f.Filter(context.Background(), recs)
	assert.True(t, errors.Is(err, contract.ErrRateLimited))
	assert.Equal(t, recs, got)

	got, err = f.Filter(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

// UT-FLL-03: 带前缀或修订后缀的编号规范化后匹配
func TestFilterCanonicalizesIDs(t *testing.T) {
	in := []contract.PublicationRecord{{ID: "800-218"}, {ID: "800-171"}, {ID: "800-210"}}
	f, _ := New(stubCompleter{out: `{"relevant":["SP 800-218","800-171r3"]}`})
	got, err := f.Filter(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, contract.PublicationID("800-218"), got[0].ID)
	assert.Equal(t, contract.PublicationID("800-171"), got[1].ID)
}

// UT-FLL-04: 空列表或全部不匹配视为无效响应，保留全部记录
func TestFilterNoMatchKeepsAll(t *testing.T) {
	for _, out := range []string{`{"relevant":[]}`, `{"relevant":["800-000","csf-2.0"]}`} {
		f, _ := New(stubCompleter{out: out})
		got, err := f.Filter(context.Background(), recs)
		assert.True(t, errors.Is(err, contract.ErrResponseInvalid), out)
		assert.Equal(t, recs, got, out)
	}
}

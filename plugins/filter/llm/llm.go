package llm

import (
	"context"
	"fmt"

	"nistsentinel/pkg/contract"
)

// Filter 由 LLM 选出相关记录；调用失败时原样返回全部记录并附带错误，由调用方记告警。
type Filter struct {
	c contract.Completer
}

func New(c contract.Completer) (*Filter, error) {
	if c == nil {
		return nil, fmt.Errorf("llm filter: completer required: %w", contract.ErrInvalidInput)
	}
	return &Filter{c: c}, nil
}

type relevanceOut struct {
	Relevant []string `json:"relevant" validate:"dive,max=32"`
}

func (f *Filter) Filter(ctx context.Context, recs []contract.PublicationRecord) ([]contract.PublicationRecord, error) {
	if len(recs) == 0 {
		return recs, nil
	}
	var out relevanceOut
	if err := f.c.Complete(ctx, contract.Task{Kind: contract.TaskFilter, Records: recs}, &out); err != nil {
		return recs, fmt.Errorf("relevance filter: %w", err)
	}
	// 响应编号不可信：先规范化（"SP 800-218"、"800-171r3"）再匹配
	keep := make(map[contract.PublicationID]bool, len(out.Relevant))
	for _, raw := range out.Relevant {
		id, _ := contract.CanonicalizeID(raw)
		keep[id] = true
	}
	// 保持输入顺序；响应中未知的编号忽略
	sel := make([]contract.PublicationRecord, 0, len(keep))
	for _, r := range recs {
		if keep[r.ID] {
			sel = append(sel, r)
		}
	}
	if len(sel) == 0 {
		return recs, fmt.Errorf("relevance filter: %w: no returned id matches an input record", contract.ErrResponseInvalid)
	}
	return sel, nil
}

var _ contract.RelevanceFilter = (*Filter)(nil)

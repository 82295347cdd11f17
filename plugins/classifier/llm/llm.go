package llm

import (
	"context"
	"fmt"

	"nistsentinel/pkg/contract"
)

// Options: LLM 分类器配置。
type Options struct {
	// MaxCandidates: 单段落保留的候选上限（超出部分丢弃）。默认 20。
	MaxCandidates int `yaml:"max_candidates" validate:"gte=0"`
}

// Classifier 通过 Completer 完成一次结构化分类调用；白名单过滤由映射器负责。
type Classifier struct {
	c   contract.Completer
	max int
}

func New(c contract.Completer, opts *Options) (*Classifier, error) {
	if c == nil {
		return nil, fmt.Errorf("llm classifier: completer required: %w", contract.ErrInvalidInput)
	}
	x := &Classifier{c: c, max: 20}
	if opts != nil && opts.MaxCandidates > 0 {
		x.max = opts.MaxCandidates
	}
	return x, nil
}

type classifyOut struct {
	Candidates []contract.Candidate `json:"candidates" validate:"dive"`
}

func (x *Classifier) Classify(ctx context.Context, p contract.Passage, tax contract.Taxonomy) ([]contract.Candidate, error) {
	var out classifyOut
	t := contract.Task{Kind: contract.TaskClassify, RecordID: p.RecordID, Passage: p, Taxonomy: tax}
	if err := x.c.Complete(ctx, t, &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) > x.max {
		out.Candidates = out.Candidates[:x.max]
	}
	return out.Candidates, nil
}

var _ contract.Classifier = (*Classifier)(nil)

package llm

import (
	"context"
	"fmt"
	"strings"

	"nistsentinel/pkg/contract"
)

// Summarizer 基于全部记录摘要生成一段执行摘要。
type Summarizer struct {
	c contract.Completer
}

func New(c contract.Completer) (*Summarizer, error) {
	if c == nil {
		return nil, fmt.Errorf("llm summarizer: completer required: %w", contract.ErrInvalidInput)
	}
	return &Summarizer{c: c}, nil
}

type summaryOut struct {
	Summary string `json:"summary" validate:"max=4000"`
}

func (s *Summarizer) Summarize(ctx context.Context, items []contract.RecordSummary) (string, error) {
	var out summaryOut
	if err := s.c.Complete(ctx, contract.Task{Kind: contract.TaskSummarize, Items: items}, &out); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Summary)
	if text == "" {
		return "", fmt.Errorf("summary empty: %w", contract.ErrResponseInvalid)
	}
	return text, nil
}

var _ contract.Summarizer = (*Summarizer)(nil)

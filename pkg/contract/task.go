package contract

import "context"

// TaskKind: 一次结构化 LLM 调用的用途。
type TaskKind int

const (
	TaskClassify TaskKind = iota + 1
	TaskSummarize
	TaskFilter
)

func (k TaskKind) String() string {
	switch k {
	case TaskClassify:
		return "classify"
	case TaskSummarize:
		return "summarize"
	case TaskFilter:
		return "filter"
	default:
		return "unknown"
	}
}

// Task: PromptBuilder 的输入。按 Kind 仅读取对应字段。
type Task struct {
	Kind     TaskKind
	RecordID PublicationID
	Passage  Passage
	Taxonomy Taxonomy
	Items    []RecordSummary
	Records  []PublicationRecord
}

// PromptBuilder: 由 Task 构造 Prompt；Schema 返回该类任务期望输出的 JSON Schema。
// 约束：纯函数、无 I/O。
type PromptBuilder interface {
	Build(ctx context.Context, t Task) (Prompt, error)
	Schema(kind TaskKind) string
	// EstimateOverheadTokens 估算与任务内容无关的固定开销（system/schema 等）。
	EstimateOverheadTokens(est TokenEstimator) int
}

// Decoder: 将 Raw 按 schema 校验并严格解码到 v。
// 失败返回包装 ErrResponseInvalid 的错误，由上层决定是否重试。
type Decoder interface {
	Decode(ctx context.Context, raw Raw, schema string, v any) error
}

// Completer: 一次结构化 LLM 调用（构造 → 限流 → 调用 → 解码），自带超时与有限重试。
type Completer interface {
	Complete(ctx context.Context, t Task, v any) error
}

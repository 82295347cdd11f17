package contract

import "context"

// Candidate: 分类器返回的候选映射（不可信，需经白名单过滤）。
type Candidate struct {
	Catalog    string `json:"catalog" validate:"required"`
	Identifier string `json:"identifier" validate:"required,max=32"`
	Rationale  string `json:"rationale" validate:"max=600"`
}

// Classifier: 对单个段落按三个目录白名单做分类。
type Classifier interface {
	Classify(ctx context.Context, p Passage, tax Taxonomy) ([]Candidate, error)
}

// RelevanceFilter: 按软件开发组织相关性筛选记录；返回子集且保持输入顺序。
type RelevanceFilter interface {
	Filter(ctx context.Context, recs []PublicationRecord) ([]PublicationRecord, error)
}

// RecordSummary: 执行摘要的单条输入。
type RecordSummary struct {
	ID       PublicationID
	Title    string
	Status   Status
	Date     Date
	Controls []string
	Note     string
}

// Summarizer: 基于全部记录摘要合成一段执行摘要。
type Summarizer interface {
	Summarize(ctx context.Context, items []RecordSummary) (string, error)
}

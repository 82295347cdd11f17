package contract

import "context"

// Passage: 记录正文中的一个主题段落。
type Passage struct {
	RecordID PublicationID
	Index    int
	Text     string
}

// Splitter: 将记录正文切分为有序段落。
// 约束：
// 1) 不跨记录；
// 2) Index 自 0 严格递增且稳定；
// 3) 不改写段落文本语义；
// 4) 纯计算、幂等。
type Splitter interface {
	Split(ctx context.Context, rec PublicationRecord) ([]Passage, error)
}
